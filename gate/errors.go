package gate

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/hlandau/parazap/zap"
)

var (
	// ErrTimedOut is returned when the authenticator did not reply in time.
	ErrTimedOut = errors.New("zap: authenticator did not reply in time")

	// ErrCancelled is returned when the handshake was abandoned before a
	// reply arrived.
	ErrCancelled = errors.New("zap: authentication cancelled")

	// ErrClosed is returned once the Authenticator has been closed.
	ErrClosed = errors.New("zap: authenticator closed")
)

// DeniedError is returned for a well-formed reply with a status other
// than 200.
type DeniedError struct {
	StatusCode int
	StatusText string
}

func (e *DeniedError) Error() string {
	if e.StatusText == "" {
		return fmt.Sprintf("zap: authentication denied (%d)", e.StatusCode)
	}
	return fmt.Sprintf("zap: authentication denied (%d): %s", e.StatusCode, e.StatusText)
}

// Reason is the ERROR command reason sent to the peer: the status code.
func (e *DeniedError) Reason() string {
	return strconv.Itoa(e.StatusCode)
}

// ProtocolError is returned when the authenticator's reply was rejected.
// The peer is disconnected without an ERROR command.
type ProtocolError struct {
	Kind zap.ViolationKind
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("zap: protocol error: %s", e.Kind)
}

// SendError is returned when the request could not be handed to the
// transport.
type SendError struct {
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("zap: failed to send request: %v", e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
