package abstract

import (
	"context"
	"errors"
	"fmt"
)

// ErrPeerInterrupted is returned when the peer disconnected or sent a frame
// while its credentials were being checked.
var ErrPeerInterrupted = errors.New("peer interrupted authentication")

// What a server-side mechanism knows about the peer once the peer's
// credentials have been received.
type PeerInfo struct {
	Domain      string   // ZAP domain configured on the listening side
	Address     string   // remote transport address
	Identity    []byte   // routing identity of the local socket
	Mechanism   string   // "NULL", "PLAIN" or "CURVE"
	Credentials [][]byte // mechanism-specific credential frames
}

// Result of a successful authentication.
type AuthResult struct {
	UserID   string
	Metadata map[string][]byte
}

// An Authenticator decides whether a peer whose handshake has reached the
// authentication point may proceed. A nil error means the peer is allowed.
//
// Authenticate may block the calling handshake until a verdict arrives or
// ctx is done.
type Authenticator interface {
	Authenticate(ctx context.Context, peer PeerInfo) (AuthResult, error)
}

// Adapts an ordinary function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context, peer PeerInfo) (AuthResult, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, peer PeerInfo) (AuthResult, error) {
	return f(ctx, peer)
}

// Implemented by authentication errors that should be reported to the peer
// in an ERROR command before the connection is closed.
type Reasoner interface {
	Reason() string
}

// Returns the ERROR command reason carried by err, if any.
func ErrorReason(err error) (string, bool) {
	var r Reasoner
	if errors.As(err, &r) {
		return r.Reason(), true
	}
	return "", false
}

// Applies an authentication result to the remote metadata of a session: the
// user id becomes the "User-Id" property and the authenticator's metadata is
// merged in without overriding properties the peer sent itself.
func MergeAuthResult(md map[string]string, res AuthResult) map[string]string {
	if md == nil {
		md = map[string]string{}
	}

	for k, v := range res.Metadata {
		if _, ok := md[k]; !ok {
			md[k] = string(v)
		}
	}

	if res.UserID != "" {
		md["User-Id"] = res.UserID
	}

	return md
}

// Returns a copy of the template with the mechanism name and credential
// frames filled in.
func (p PeerInfo) With(mechanism string, credentials ...[]byte) PeerInfo {
	p.Mechanism = mechanism
	p.Credentials = credentials
	return p
}

// Sends the ERROR command owed to the peer after a failed authentication,
// when err carries a reason, and returns err. A failure to send the ERROR is
// ignored since the connection is about to be closed anyway.
func FCSendAuthError(fc FrameConn, err error) error {
	if reason, ok := ErrorReason(err); ok {
		FCSendErrorCommand(fc, reason)
	}
	return err
}

// Consults auth while watching fc for the peer going away. At every point
// where a mechanism authenticates, the client is waiting for the server and
// must not send anything, so a frame or a read error on fc abandons the
// request and ErrPeerInterrupted is returned.
//
// fc must not be read while AuthenticateWatching runs. The returned
// FrameConn replaces fc afterwards: it first yields whatever the watch read.
func AuthenticateWatching(ctx context.Context, fc FrameConn, auth Authenticator, peer PeerInfo) (FrameConn, AuthResult, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	pending := make(chan watchedFrame, 1)
	go func() {
		data, flags, err := fc.ReceiveFrame()
		pending <- watchedFrame{data, flags, err}

		if err != nil {
			cancel(fmt.Errorf("%w: %w", ErrPeerInterrupted, err))
		} else {
			cancel(fmt.Errorf("%w: received frame while awaiting authentication", ErrPeerInterrupted))
		}
	}()

	wc := &watchedConn{FrameConn: fc, pending: pending}

	res, err := auth.Authenticate(ctx, peer)
	if err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, ErrPeerInterrupted) {
			err = cause
		}
	}

	return wc, res, err
}

type watchedFrame struct {
	data  []byte
	flags ZMTPFlags
	err   error
}

type watchedConn struct {
	FrameConn
	pending <-chan watchedFrame
}

func (c *watchedConn) ReceiveFrame() ([]byte, ZMTPFlags, error) {
	if c.pending != nil {
		f := <-c.pending
		c.pending = nil
		return f.data, f.flags, f.err
	}

	return c.FrameConn.ReceiveFrame()
}
