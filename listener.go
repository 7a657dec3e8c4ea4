package parazap

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/hlandau/parazap/internal/logger"
)

// A Listener accepts TCP connections and establishes a ZMTP session on each
// with the same SessionConfig.
type Listener struct {
	ln  *net.TCPListener
	cfg SessionConfig

	mu       sync.Mutex
	sessions map[Session]struct{}
}

// Listen on an URL of the form tcp://host:port. tcp://*:port listens on all
// interfaces; port 0 picks a free port, see Addr.
func Listen(URL string, cfg SessionConfig) (*Listener, error) {
	if err := cfg.check(); err != nil {
		return nil, err
	}

	addr, err := parseEndpoint(URL)
	if err != nil {
		return nil, err
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}

	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, err
	}

	return &Listener{
		ln:       ln,
		cfg:      cfg,
		sessions: map[Session]struct{}{},
	}, nil
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// The listening address as a tcp:// URL, suitable for Connect.
func (l *Listener) Endpoint() string {
	return "tcp://" + l.ln.Addr().String()
}

func (l *Listener) Close() error {
	return l.ln.Close()
}

// Accepts one connection and completes its handshake. Connections whose
// handshake fails are logged and skipped.
func (l *Listener) Accept(ctx context.Context) (Session, error) {
	stop := context.AfterFunc(ctx, func() {
		l.ln.SetDeadline(time.Unix(1, 0))
	})
	defer func() {
		if !stop() {
			l.ln.SetDeadline(time.Time{})
		}
	}()

	for {
		c, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}

		s, err := New(ctx, c, l.cfg)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("Rejected ZMTP connection",
				logger.KeyAddress, c.RemoteAddr().String(),
				logger.KeyError, err)
			continue
		}
		return s, nil
	}
}

// Accepts connections until ctx is done or the listener is closed, running
// each handshake and then handle on its own goroutine. The session is closed
// when handle returns. On return all sessions have been closed and all
// handlers have finished.
func (l *Listener) Serve(ctx context.Context, handle func(Session)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, func() {
		l.ln.Close()
	})
	defer stop()

	var wg sync.WaitGroup
	defer func() {
		cancel()
		l.closeSessions()
		wg.Wait()
	}()

	for {
		c, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			l.serveConn(ctx, c, handle)
		}()
	}
}

func (l *Listener) serveConn(ctx context.Context, c net.Conn, handle func(Session)) {
	s, err := New(ctx, c, l.cfg)
	if err != nil {
		logger.Warn("Rejected ZMTP connection",
			logger.KeyAddress, c.RemoteAddr().String(),
			logger.KeyError, err)
		return
	}

	if !l.track(s) {
		s.Close()
		return
	}
	defer func() {
		l.untrack(s)
		s.Close()
	}()

	handle(s)
}

// Registers a live session so Serve can close it on shutdown. Fails once
// shutdown has begun.
func (l *Listener) track(s Session) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sessions == nil {
		return false
	}
	l.sessions[s] = struct{}{}
	return true
}

func (l *Listener) untrack(s Session) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.sessions, s)
}

func (l *Listener) closeSessions() {
	l.mu.Lock()
	sessions := l.sessions
	l.sessions = nil
	l.mu.Unlock()

	for s := range sessions {
		s.Close()
	}
}
