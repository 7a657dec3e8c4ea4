// Package fctest provides an in-memory abstract.FrameConn pair for testing
// security mechanisms without a network connection.
package fctest

import (
	"errors"
	"io"
	"sync"

	"github.com/hlandau/parazap/abstract"
)

// ErrClosed is returned by operations on a Conn after its own Close.
var ErrClosed = errors.New("fctest: use of closed conn")

type frame struct {
	data  []byte
	flags abstract.ZMTPFlags
}

// Conn is one end of a Pipe. Frames sent before the peer closes are still
// delivered; after that ReceiveFrame returns io.EOF.
type Conn struct {
	in  <-chan frame
	out chan<- frame

	closed     chan struct{}
	peerClosed <-chan struct{}
	once       sync.Once
}

var _ abstract.FrameConn = (*Conn)(nil)

// Pipe returns two connected ends, each buffering up to 64 frames.
func Pipe() (*Conn, *Conn) {
	ab := make(chan frame, 64)
	ba := make(chan frame, 64)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})

	a := &Conn{in: ba, out: ab, closed: aClosed, peerClosed: bClosed}
	b := &Conn{in: ab, out: ba, closed: bClosed, peerClosed: aClosed}
	return a, b
}

func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *Conn) SendFrame(data []byte, flags abstract.ZMTPFlags) error {
	if !flags.SendValid() {
		return errors.New("fctest: invalid flags")
	}

	f := frame{data: append([]byte(nil), data...), flags: flags}
	select {
	case <-c.closed:
		return ErrClosed
	case <-c.peerClosed:
		return io.ErrClosedPipe
	case c.out <- f:
		return nil
	}
}

func (c *Conn) ReceiveFrame() ([]byte, abstract.ZMTPFlags, error) {
	select {
	case f := <-c.in:
		return f.data, f.flags, nil
	case <-c.closed:
		return nil, 0, ErrClosed
	case <-c.peerClosed:
		select {
		case f := <-c.in:
			return f.data, f.flags, nil
		default:
			return nil, 0, io.EOF
		}
	}
}

func (c *Conn) RemoteMetadata() map[string]string {
	return nil
}
