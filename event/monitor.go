package event

import (
	"sync"
	"sync/atomic"

	"github.com/hlandau/parazap/internal/logger"
	"github.com/hlandau/parazap/metrics"
)

// Monitor buffers events on a channel for a consumer. When the buffer is
// full the event is dropped and counted rather than stalling the emitter.
type Monitor struct {
	ch      chan Event
	dropped atomic.Uint64
	metrics *metrics.ZAPMetrics

	mu     sync.RWMutex
	closed bool
}

// NewMonitor returns a Monitor buffering up to size events. m may be nil.
func NewMonitor(size int, m *metrics.ZAPMetrics) *Monitor {
	if size < 1 {
		size = 1
	}
	return &Monitor{
		ch:      make(chan Event, size),
		metrics: m,
	}
}

func (mon *Monitor) Emit(e Event) {
	mon.mu.RLock()
	defer mon.mu.RUnlock()

	if mon.closed {
		return
	}

	select {
	case mon.ch <- e:
	default:
		mon.dropped.Add(1)
		mon.metrics.RecordDroppedEvent()
	}
}

// Events returns the channel events are delivered on. It is closed by Close.
func (mon *Monitor) Events() <-chan Event {
	return mon.ch
}

// Dropped returns the number of events dropped so far.
func (mon *Monitor) Dropped() uint64 {
	return mon.dropped.Load()
}

// Close stops delivery. Events emitted afterwards are discarded.
func (mon *Monitor) Close() {
	mon.mu.Lock()
	defer mon.mu.Unlock()

	if !mon.closed {
		mon.closed = true
		close(mon.ch)
	}
}

// LogEmitter writes every event to the process logger.
type LogEmitter struct{}

func (LogEmitter) Emit(e Event) {
	args := []any{
		"event", e.Kind.String(),
		logger.KeyRequestID, e.RequestID,
		logger.KeyRoute, e.Route,
	}
	if e.Address != "" {
		args = append(args, logger.KeyAddress, e.Address)
	}
	if e.Mechanism != "" {
		args = append(args, logger.KeyMechanism, e.Mechanism)
	}

	switch e.Kind {
	case HandshakeSucceeded:
		logger.Info("Handshake succeeded", append(args, logger.KeyUserID, e.UserID)...)
	case HandshakeFailedAuth:
		logger.Warn("Handshake failed: authentication denied", append(args, logger.KeyStatus, e.Value)...)
	case HandshakeFailedProtocol:
		logger.Error("Handshake failed: ZAP protocol error", append(args, logger.KeyReason, e.Violation.String())...)
	case HandshakeFailedTimeout:
		logger.Warn("Handshake failed: authenticator timed out", args...)
	default:
		logger.Error("Handshake failed", args...)
	}
}
