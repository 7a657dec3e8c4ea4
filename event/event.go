// Package event defines the handshake outcome events produced by the ZAP
// gate and a few ways to consume them.
package event

import (
	"fmt"
	"time"

	"github.com/hlandau/parazap/zap"
)

// Kind is a handshake event type. Values match the socket monitor event
// numbers used by libzmq so monitoring tools can share constants.
type Kind int

const (
	HandshakeFailedNoDetail Kind = 0x0800

	// The authenticator allowed the peer. It is emitted when the ZAP reply
	// is accepted; the rest of the security handshake and the socket type
	// check can still fail afterwards, without a further event.
	HandshakeSucceeded Kind = 0x1000

	HandshakeFailedProtocol Kind = 0x2000
	HandshakeFailedAuth     Kind = 0x4000

	// Not a libzmq event; the authenticator did not answer in time.
	HandshakeFailedTimeout Kind = 0x10000
)

func (k Kind) String() string {
	switch k {
	case HandshakeFailedNoDetail:
		return "HANDSHAKE_FAILED_NO_DETAIL"
	case HandshakeSucceeded:
		return "HANDSHAKE_SUCCEEDED"
	case HandshakeFailedProtocol:
		return "HANDSHAKE_FAILED_PROTOCOL"
	case HandshakeFailedAuth:
		return "HANDSHAKE_FAILED_AUTH"
	case HandshakeFailedTimeout:
		return "HANDSHAKE_FAILED_TIMEOUT"
	default:
		return fmt.Sprintf("EVENT(%#x)", int(k))
	}
}

// Event is the outcome of one authenticated handshake.
//
// Value depends on Kind: the status code for HandshakeFailedAuth, the
// protocol error code for HandshakeFailedProtocol and zero otherwise.
type Event struct {
	Kind      Kind
	Value     int
	Violation zap.ViolationKind // HandshakeFailedProtocol only

	Address   string
	Mechanism string
	RequestID string
	Route     uint64

	// HandshakeSucceeded only.
	UserID   string
	Metadata map[string][]byte

	Time time.Time
}

// Succeeded builds the event for an allowed peer.
func Succeeded(v zap.Verdict) Event {
	return Event{
		Kind:      HandshakeSucceeded,
		RequestID: v.RequestID,
		UserID:    v.UserID,
		Metadata:  v.Metadata,
		Time:      time.Now(),
	}
}

// FailedAuth builds the event for a denied peer.
func FailedAuth(v zap.Verdict) Event {
	return Event{
		Kind:      HandshakeFailedAuth,
		Value:     v.StatusCode,
		RequestID: v.RequestID,
		Time:      time.Now(),
	}
}

// FailedProtocol builds the event for an unacceptable reply.
func FailedProtocol(kind zap.ViolationKind) Event {
	return Event{
		Kind:      HandshakeFailedProtocol,
		Value:     kind.Code(),
		Violation: kind,
		Time:      time.Now(),
	}
}

func (e Event) String() string {
	switch e.Kind {
	case HandshakeSucceeded:
		return fmt.Sprintf("%s user=%q", e.Kind, e.UserID)
	case HandshakeFailedAuth:
		return fmt.Sprintf("%s status=%d", e.Kind, e.Value)
	case HandshakeFailedProtocol:
		return fmt.Sprintf("%s %s", e.Kind, e.Violation)
	default:
		return e.Kind.String()
	}
}

// Emitter receives handshake events. Emit must not block.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(Event) {})

// Multi fans an event out to several emitters in order.
type Multi []Emitter

func (m Multi) Emit(e Event) {
	for _, em := range m {
		if em != nil {
			em.Emit(e)
		}
	}
}
