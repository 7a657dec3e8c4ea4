package zap

import (
	"errors"
	"fmt"

	"github.com/hlandau/parazap/abstract"
	"github.com/hlandau/parazap/metadata"
)

// Minimum number of frames in a request; credential frames follow.
const requestHeaderFrames = 6

// ErrMalformedRequest is returned by DecodeRequest.
var ErrMalformedRequest = errors.New("zap: malformed request")

// Request is one authentication query. It is immutable once built.
type Request struct {
	Version     string
	RequestID   string
	Domain      string
	Address     string
	Identity    []byte
	Mechanism   string
	Credentials [][]byte
}

// Frames renders the request in wire order.
func (r *Request) Frames() [][]byte {
	frames := make([][]byte, 0, requestHeaderFrames+len(r.Credentials))
	frames = append(frames,
		[]byte(r.Version),
		[]byte(r.RequestID),
		[]byte(r.Domain),
		[]byte(r.Address),
		r.Identity,
		[]byte(r.Mechanism),
	)
	return append(frames, r.Credentials...)
}

// Peer returns the handshake context the request was built from.
func (r *Request) Peer() abstract.PeerInfo {
	return abstract.PeerInfo{
		Domain:      r.Domain,
		Address:     r.Address,
		Identity:    r.Identity,
		Mechanism:   r.Mechanism,
		Credentials: r.Credentials,
	}
}

// DecodeRequest parses a request message on the authenticator side. When the
// request is malformed but its id frame is present, the returned Request
// carries the id so that a 400 can still be addressed to it.
func DecodeRequest(frames [][]byte) (*Request, error) {
	if len(frames) < 2 {
		return nil, fmt.Errorf("%w: %d frames", ErrMalformedRequest, len(frames))
	}

	req := &Request{
		Version:   string(frames[0]),
		RequestID: string(frames[1]),
	}

	if req.Version != Version {
		return req, fmt.Errorf("%w: version %q", ErrMalformedRequest, req.Version)
	}

	if len(frames) < requestHeaderFrames {
		return req, fmt.Errorf("%w: %d frames", ErrMalformedRequest, len(frames))
	}

	req.Domain = string(frames[2])
	req.Address = string(frames[3])
	req.Identity = frames[4]
	req.Mechanism = string(frames[5])
	req.Credentials = frames[requestHeaderFrames:]

	if err := checkCredentials(req.Mechanism, len(req.Credentials)); err != nil {
		return req, err
	}

	return req, nil
}

func checkCredentials(mechanism string, n int) error {
	want := -1
	switch mechanism {
	case "NULL":
		want = 0
	case "PLAIN":
		want = 2
	case "CURVE":
		want = 1
	default:
		return fmt.Errorf("%w: unknown mechanism %q", ErrMalformedRequest, mechanism)
	}

	if n != want {
		return fmt.Errorf("%w: %s with %d credential frames", ErrMalformedRequest, mechanism, n)
	}
	return nil
}

// ReplyFrames renders a reply in wire order. It is used by authenticators.
func ReplyFrames(requestID string, code int, text, userID string, md map[string][]byte) ([][]byte, error) {
	mdBuf, err := metadata.Encode(md)
	if err != nil {
		return nil, err
	}

	return [][]byte{
		[]byte(Version),
		[]byte(requestID),
		FormatStatusCode(code),
		[]byte(text),
		[]byte(userID),
		mdBuf,
	}, nil
}
