// Package gate holds a connection's security handshake until the ZAP
// authenticator has ruled on it.
//
// An Authenticator owns the table of pending requests for a process and the
// single loop that dispatches replies. Each handshake that needs a verdict
// gets a Gate, which moves from Idle to AwaitingReply when its request is
// sent and then to exactly one terminal state.
package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hlandau/parazap/abstract"
	"github.com/hlandau/parazap/event"
	"github.com/hlandau/parazap/internal/logger"
	"github.com/hlandau/parazap/metrics"
	"github.com/hlandau/parazap/zap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTimeout bounds the wait for a reply when Options.Timeout is zero.
const DefaultTimeout = 10 * time.Second

const tracerName = "github.com/hlandau/parazap/gate"

// Options configures an Authenticator.
type Options struct {
	// How long to wait for a reply before failing the handshake.
	Timeout time.Duration

	// Receives one event per resolved handshake, except cancelled ones.
	Emitter event.Emitter

	Metrics *metrics.ZAPMetrics

	// Defaults to the global OpenTelemetry tracer provider.
	Tracer trace.Tracer

	// Domain used for peers whose handshake carries none.
	Domain string
}

// Authenticator sends ZAP requests for handshaking connections and resolves
// them from the replies it is fed by Run. It implements
// abstract.Authenticator so mechanisms can consult it directly.
type Authenticator struct {
	transport zap.Transport
	table     *zap.Table
	builder   *zap.Builder
	opts      Options

	// Routes are never reused, so a late reply cannot reach a newer
	// connection.
	routes atomic.Uint64

	mu     sync.Mutex
	gates  map[uint64]*Gate
	closed bool
}

var _ abstract.Authenticator = (*Authenticator)(nil)

// New returns an Authenticator sending requests over transport. Run must be
// called for replies to be processed.
func New(transport zap.Transport, opts Options) *Authenticator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Emitter == nil {
		opts.Emitter = event.Discard
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}

	table := zap.NewTable()
	return &Authenticator{
		transport: transport,
		table:     table,
		builder:   zap.NewBuilder(table),
		opts:      opts,
		gates:     map[uint64]*Gate{},
	}
}

// Pending returns the number of requests awaiting a reply.
func (a *Authenticator) Pending() int {
	return a.table.Len()
}

// Authenticate sends a request for peer and waits for the outcome. If ctx is
// done first the request is abandoned and ErrCancelled returned.
func (a *Authenticator) Authenticate(ctx context.Context, peer abstract.PeerInfo) (abstract.AuthResult, error) {
	g, err := a.Begin(ctx, peer)
	if err != nil {
		return abstract.AuthResult{}, err
	}

	return g.Wait(ctx)
}

// Begin sends a request for peer and returns the Gate tracking it without
// waiting for the reply. A failure to send resolves the gate as Failed and
// is returned.
func (a *Authenticator) Begin(ctx context.Context, peer abstract.PeerInfo) (*Gate, error) {
	if peer.Domain == "" {
		peer.Domain = a.opts.Domain
	}

	g := &Gate{
		a:     a,
		route: a.routes.Add(1),
		peer:  peer,
		done:  make(chan struct{}),
	}

	ctx, g.span = a.opts.Tracer.Start(ctx, "zap.authenticate", trace.WithAttributes(
		attribute.String("zap.mechanism", peer.Mechanism),
		attribute.String("zap.domain", peer.Domain),
		attribute.String("client.address", peer.Address),
		attribute.Int64("zap.route", int64(g.route)),
	))

	lc := logger.NewLogContext(peer.Address)
	lc.Mechanism = peer.Mechanism
	lc.Domain = peer.Domain
	if sc := g.span.SpanContext(); sc.IsValid() {
		lc = lc.WithTrace(sc.TraceID().String(), sc.SpanID().String())
	}
	g.logCtx = logger.WithContext(context.Background(), lc)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		g.finish(StateFailed, abstract.AuthResult{}, ErrClosed, nil)
		return nil, ErrClosed
	}
	a.gates[g.route] = g
	a.mu.Unlock()

	req, err := a.builder.Build(g.route, peer)
	if err != nil {
		ev := event.Event{Kind: event.HandshakeFailedNoDetail, Time: time.Now()}
		g.finish(StateFailed, abstract.AuthResult{}, err, &ev)
		return nil, err
	}

	g.mu.Lock()
	g.req = req
	g.sent = time.Now()
	g.state = StateAwaitingReply
	g.timer = time.AfterFunc(a.opts.Timeout, g.timeout)
	g.mu.Unlock()

	a.opts.Metrics.RecordRequest(peer.Mechanism)
	logger.DebugCtx(g.logCtx, "ZAP request sent",
		logger.RequestID(req.RequestID),
		logger.Route(g.route),
		logger.Identity(peer.Identity))

	err = a.transport.Send(ctx, zap.Envelope{Route: g.route, Frames: req.Frames()})
	if err != nil {
		if !a.table.Release(req.RequestID) {
			// Resolved by a reply or the timer in the meantime.
			return g, nil
		}

		sendErr := &SendError{Err: err}
		ev := event.Event{Kind: event.HandshakeFailedNoDetail, Time: time.Now()}
		g.finish(StateFailed, abstract.AuthResult{}, sendErr, &ev)
		return nil, sendErr
	}

	return g, nil
}

// Run dispatches replies from the transport until ctx is done or the
// transport's reply channel is closed. Only one Run may be active.
func (a *Authenticator) Run(ctx context.Context) error {
	replies := a.transport.Replies()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-replies:
			if !ok {
				return nil
			}
			a.Deliver(env)
		}
	}
}

// Deliver classifies one reply and resolves the gate it is routed to.
// Replies for routes with no waiting gate are logged and dropped.
func (a *Authenticator) Deliver(env zap.Envelope) {
	a.mu.Lock()
	g := a.gates[env.Route]
	a.mu.Unlock()

	verdict, err := zap.Validate(a.table, env.Route, env.Frames)

	if g == nil {
		a.opts.Metrics.RecordOrphanReply()
		logger.Debug("Dropping ZAP reply for unknown route",
			logger.Route(env.Route),
			logger.Frames(len(env.Frames)),
			logger.Err(err))
		return
	}

	var v *zap.Violation
	if errors.As(err, &v) {
		id := g.RequestID()
		if id == "" || !a.table.Release(id) {
			logger.DebugCtx(g.logCtx, "Ignoring ZAP reply for resolved request",
				logger.Route(env.Route),
				logger.Reason(v.Kind.String()))
			return
		}

		a.opts.Metrics.RecordProtocolError(v.Kind.String())
		ev := event.FailedProtocol(v.Kind)
		g.finish(StateProtocolError, abstract.AuthResult{}, &ProtocolError{Kind: v.Kind}, &ev)
		return
	}

	if verdict.Allowed() {
		ev := event.Succeeded(verdict)
		g.finish(StateAllowed, abstract.AuthResult{UserID: verdict.UserID, Metadata: verdict.Metadata}, nil, &ev)
		return
	}

	ev := event.FailedAuth(verdict)
	g.finish(StateDenied, abstract.AuthResult{}, &DeniedError{
		StatusCode: verdict.StatusCode,
		StatusText: verdict.StatusText,
	}, &ev)
}

// Close cancels every pending gate and closes the transport. Subsequent
// calls to Begin fail with ErrClosed.
func (a *Authenticator) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	gates := make([]*Gate, 0, len(a.gates))
	for _, g := range a.gates {
		gates = append(gates, g)
	}
	a.mu.Unlock()

	for _, g := range gates {
		g.Cancel()
	}

	return a.transport.Close()
}

func (a *Authenticator) forget(g *Gate) {
	a.mu.Lock()
	if a.gates[g.route] == g {
		delete(a.gates, g.route)
	}
	a.mu.Unlock()
}

// Gate is the authentication state of one handshake.
type Gate struct {
	a      *Authenticator
	route  uint64
	peer   abstract.PeerInfo
	done   chan struct{}
	span   trace.Span
	logCtx context.Context

	mu     sync.Mutex
	state  State
	req    *zap.Request
	sent   time.Time
	timer  *time.Timer
	result abstract.AuthResult
	err    error
}

func (g *Gate) Route() uint64 {
	return g.route
}

func (g *Gate) Peer() abstract.PeerInfo {
	return g.peer
}

// RequestID returns the id of the request sent for this gate, or "" if none
// was sent.
func (g *Gate) RequestID() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.req == nil {
		return ""
	}
	return g.req.RequestID
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.state
}

// Done is closed when the gate reaches a terminal state.
func (g *Gate) Done() <-chan struct{} {
	return g.done
}

// Result returns the outcome. It is only meaningful once Done is closed.
func (g *Gate) Result() (abstract.AuthResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.result, g.err
}

// Wait blocks until the gate resolves or ctx is done, in which case the gate
// is cancelled.
func (g *Gate) Wait(ctx context.Context) (abstract.AuthResult, error) {
	select {
	case <-g.done:
	case <-ctx.Done():
		g.Cancel()
		// Whoever won the race resolves the gate.
		<-g.done
	}

	return g.Result()
}

// Cancel abandons the request. No event is emitted and a reply arriving
// later is dropped. Cancelling a resolved gate has no effect.
func (g *Gate) Cancel() {
	id := g.RequestID()
	if id == "" || !g.a.table.Release(id) {
		return
	}

	g.finish(StateCancelled, abstract.AuthResult{}, ErrCancelled, nil)
}

func (g *Gate) timeout() {
	id := g.RequestID()
	if id == "" || !g.a.table.Release(id) {
		return
	}

	ev := event.Event{Kind: event.HandshakeFailedTimeout, Time: time.Now()}
	g.finish(StateTimedOut, abstract.AuthResult{}, ErrTimedOut, &ev)
}

// finish moves the gate to a terminal state. Callers must have won the
// gate's table entry, so finish runs at most once per sent request.
func (g *Gate) finish(st State, res abstract.AuthResult, err error, ev *event.Event) {
	g.mu.Lock()
	if g.state.Terminal() {
		g.mu.Unlock()
		return
	}
	g.state = st
	g.result = res
	g.err = err
	if g.timer != nil {
		g.timer.Stop()
	}
	req, sent := g.req, g.sent
	g.mu.Unlock()

	// Waiters are released last so they observe the event and metrics.
	defer close(g.done)

	a := g.a
	a.forget(g)

	requestID := ""
	if req != nil {
		requestID = req.RequestID
		a.opts.Metrics.RecordOutcome(st.label(), time.Since(sent))
	} else {
		a.opts.Metrics.RecordFailure()
	}

	g.span.SetAttributes(attribute.String("zap.result", st.label()))
	if err != nil && st != StateCancelled {
		g.span.SetStatus(codes.Error, err.Error())
	}
	g.span.End()

	args := []any{
		logger.RequestID(requestID),
		logger.Route(g.route),
		logger.State(st.String()),
	}
	if lc := logger.FromContext(g.logCtx); lc != nil {
		args = append(args, logger.DurationMs(lc.DurationMs()))
	}
	switch st {
	case StateAllowed:
		logger.DebugCtx(g.logCtx, "ZAP request allowed", append(args, logger.UserID(res.UserID))...)
	case StateCancelled:
		logger.DebugCtx(g.logCtx, "ZAP request cancelled", args...)
	case StateDenied:
		var denied *DeniedError
		if errors.As(err, &denied) {
			args = append(args, logger.Status(denied.StatusCode), logger.StatusText(denied.StatusText))
		}
		logger.InfoCtx(g.logCtx, "ZAP request denied", args...)
	default:
		logger.InfoCtx(g.logCtx, "ZAP request failed", append(args, logger.Err(err))...)
	}

	if ev != nil {
		ev.Address = g.peer.Address
		ev.Mechanism = g.peer.Mechanism
		ev.RequestID = requestID
		ev.Route = g.route
		a.opts.Emitter.Emit(*ev)
	}
}
