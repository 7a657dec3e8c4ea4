package zap

import "context"

// Envelope is a message on the ZAP channel tagged with the route of the
// connection it concerns.
type Envelope struct {
	Route  uint64
	Frames [][]byte
}

// Transport carries requests to an authenticator and replies back.
//
// Send must not block on the authenticator's processing of the request.
// Replies delivers every reply received, in arrival order, for a single
// consumer; it is closed when the transport is closed.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
	Replies() <-chan Envelope
	Close() error
}

// Handler answers ZAP requests on the authenticator side. A nil reply means
// the request is dropped without an answer.
type Handler interface {
	ServeZAP(ctx context.Context, request [][]byte) [][]byte
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, request [][]byte) [][]byte

func (f HandlerFunc) ServeZAP(ctx context.Context, request [][]byte) [][]byte {
	return f(ctx, request)
}
