// Package inproc connects a ZAP gate to a handler running in the same
// process, in the way libzmq binds its handler to inproc://zeromq.zap.01.
package inproc

import (
	"context"
	"errors"
	"sync"

	"github.com/hlandau/parazap/internal/logger"
	"github.com/hlandau/parazap/zap"
)

// Endpoint is the conventional address of the in-process ZAP handler.
const Endpoint = "inproc://zeromq.zap.01"

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("inproc: transport closed")

// Config controls the handler worker pool.
type Config struct {
	Workers   int // number of goroutines calling the handler; default 1
	QueueSize int // requests buffered ahead of the workers; default 64
}

// Transport hands requests to a zap.Handler on a pool of worker goroutines
// and delivers its replies.
type Transport struct {
	handler  zap.Handler
	requests chan zap.Envelope
	replies  chan zap.Envelope

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

var _ zap.Transport = (*Transport)(nil)

// New starts a Transport serving requests with h.
func New(h zap.Handler, cfg Config) *Transport {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		handler:  h,
		requests: make(chan zap.Envelope, cfg.QueueSize),
		replies:  make(chan zap.Envelope, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		t.wg.Add(1)
		go t.worker()
	}

	return t
}

// Send queues a request. It blocks only while the queue is full.
func (t *Transport) Send(ctx context.Context, env zap.Envelope) error {
	if t.ctx.Err() != nil {
		return ErrClosed
	}

	select {
	case t.requests <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return ErrClosed
	}
}

func (t *Transport) Replies() <-chan zap.Envelope {
	return t.replies
}

// Close stops the workers and closes the reply channel. Queued requests are
// abandoned.
func (t *Transport) Close() error {
	t.once.Do(func() {
		t.cancel()
		t.wg.Wait()
		close(t.replies)
	})
	return nil
}

func (t *Transport) worker() {
	defer t.wg.Done()

	for {
		var env zap.Envelope
		select {
		case <-t.ctx.Done():
			return
		case env = <-t.requests:
		}

		reply := t.handler.ServeZAP(t.ctx, env.Frames)
		if reply == nil {
			logger.Debug("ZAP handler dropped request", logger.KeyRoute, env.Route)
			continue
		}

		select {
		case t.replies <- zap.Envelope{Route: env.Route, Frames: reply}:
		case <-t.ctx.Done():
			return
		}
	}
}
