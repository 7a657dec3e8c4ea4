// Package zmtp carries ZAP requests to an authenticator in another process
// over a ZMTP DEALER session.
//
// Each request is prefixed with an 8-byte big-endian route frame and an
// empty delimiter frame. A REP-style authenticator echoes that envelope, so
// replies can be matched to their connection without trusting their
// contents.
package zmtp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hlandau/parazap"
	"github.com/hlandau/parazap/internal/logger"
	"github.com/hlandau/parazap/zap"
)

const routeFrameSize = 8

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("zmtp: transport closed")

// Transport is the DEALER side of a ZAP channel.
type Transport struct {
	s parazap.Session

	wmu     sync.Mutex
	closed  atomic.Bool
	replies chan zap.Envelope
	stop    chan struct{}
	done    chan struct{}
}

var _ zap.Transport = (*Transport)(nil)

// MaxFrameSize bounds every frame read from the authenticator. Replies are
// small; a larger frame ends the session.
const MaxFrameSize = 64 << 10

// Dial connects to the authenticator at endpoint. cfg.SocketType is forced to
// DEALER, cfg.IsServer to false, and cfg.MaxRead to at most MaxFrameSize.
func Dial(ctx context.Context, endpoint string, cfg parazap.SessionConfig) (*Transport, error) {
	cfg.SocketType = parazap.DEALER
	cfg.IsServer = false
	if cfg.MaxRead == 0 || cfg.MaxRead > MaxFrameSize {
		cfg.MaxRead = MaxFrameSize
	}
	if cfg.Mechanism == "" {
		cfg.Mechanism = "NULL"
	}

	s, err := parazap.Connect(ctx, endpoint, cfg)
	if err != nil {
		return nil, fmt.Errorf("zmtp: connecting to authenticator at %s: %w", endpoint, err)
	}

	logger.Info("Connected to ZAP authenticator", logger.KeyEndpoint, endpoint)
	return New(s), nil
}

// New runs a Transport over an established session, which it takes
// ownership of.
func New(s parazap.Session) *Transport {
	t := &Transport{
		s:       s,
		replies: make(chan zap.Envelope, 64),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	go t.readLoop()
	return t
}

// Encodes an envelope as a DEALER message.
func Encode(env zap.Envelope) [][]byte {
	msg := make([][]byte, 0, 2+len(env.Frames))
	route := make([]byte, routeFrameSize)
	binary.BigEndian.PutUint64(route, env.Route)
	msg = append(msg, route, []byte{})
	return append(msg, env.Frames...)
}

// Decodes a message produced by Encode, or its echo.
func Decode(msg [][]byte) (zap.Envelope, error) {
	if len(msg) < 2 || len(msg[0]) != routeFrameSize || len(msg[1]) != 0 {
		return zap.Envelope{}, fmt.Errorf("zmtp: malformed envelope (%d frames)", len(msg))
	}

	return zap.Envelope{
		Route:  binary.BigEndian.Uint64(msg[0]),
		Frames: msg[2:],
	}, nil
}

func (t *Transport) Send(ctx context.Context, env zap.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if t.closed.Load() {
		return ErrClosed
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()

	if err := t.s.Write(Encode(env)); err != nil {
		if t.closed.Load() {
			return ErrClosed
		}
		return err
	}
	return nil
}

func (t *Transport) Replies() <-chan zap.Envelope {
	return t.replies
}

// Closes the session and waits for the reader to finish.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		<-t.done
		return nil
	}
	close(t.stop)

	err := t.s.Close()
	<-t.done
	return err
}

func (t *Transport) readLoop() {
	defer close(t.done)
	defer close(t.replies)

	for {
		msg, err := t.s.Read()
		if err != nil {
			if !t.closed.Load() {
				logger.Error("ZAP authenticator session failed", logger.KeyError, err)
			}
			return
		}

		env, err := Decode(msg)
		if err != nil {
			logger.Warn("Dropping malformed ZAP envelope",
				logger.KeyFrames, len(msg),
				logger.KeyError, err)
			continue
		}

		select {
		case t.replies <- env:
		case <-t.stop:
			return
		}
	}
}
