// Package zap implements the ZeroMQ Authentication Protocol exchange between
// a connection's security handshake and an authenticator: request building,
// reply validation and the table of pending requests that ties them together.
package zap

import (
	"fmt"
	"strconv"
)

// Version is the protocol version literal carried in the first frame of
// every request and reply.
const Version = "1.0"

// Number of frames in a well-formed reply.
const ReplyFrameCount = 6

// Status codes with a defined meaning. Any other code in [100,599] is a
// denial.
const (
	StatusOK                 = 200
	StatusTemporaryFailure   = 300
	StatusAuthFailure        = 400
	StatusInternalError      = 500
	minStatusCode            = 100
	maxStatusCode            = 599
	statusCodeLen            = 3
	unspecifiedProtocolError = 0x20000000
)

// ViolationKind classifies a reply that cannot be accepted.
type ViolationKind int

const (
	MalformedFrameCount ViolationKind = iota + 1
	BadRequestID
	BadVersion
	InvalidStatusCode
	InvalidMetadata
)

var violationNames = map[ViolationKind]string{
	MalformedFrameCount: "PROTOCOL_ERROR_MALFORMED_REPLY",
	BadRequestID:        "PROTOCOL_ERROR_BAD_REQUEST_ID",
	BadVersion:          "PROTOCOL_ERROR_BAD_VERSION",
	InvalidStatusCode:   "PROTOCOL_ERROR_INVALID_STATUS_CODE",
	InvalidMetadata:     "PROTOCOL_ERROR_INVALID_METADATA",
}

func (k ViolationKind) String() string {
	if s, ok := violationNames[k]; ok {
		return s
	}
	return "PROTOCOL_ERROR_UNSPECIFIED"
}

// Code returns the numeric protocol error code reported in handshake
// failure events (ZMQ_PROTOCOL_ERROR_ZAP_*).
func (k ViolationKind) Code() int {
	if _, ok := violationNames[k]; !ok {
		return unspecifiedProtocolError
	}
	return unspecifiedProtocolError + int(k)
}

// Violation is returned by Validate for a reply that cannot be accepted. It
// keeps the offending reply for diagnostics.
type Violation struct {
	Kind  ViolationKind
	Reply [][]byte
}

func (v *Violation) Error() string {
	return fmt.Sprintf("zap: rejected reply (%d frames): %s", len(v.Reply), v.Kind)
}

// Verdict is the content of an accepted reply. Values are only produced by
// Validate.
type Verdict struct {
	RequestID  string
	StatusCode int
	StatusText string
	UserID     string
	Metadata   map[string][]byte

	// When the matched request was registered.
	Entry Entry
}

// Allowed reports whether the authenticator allowed the peer.
func (v Verdict) Allowed() bool {
	return v.StatusCode == StatusOK
}

// ParseStatusCode parses a status code frame: exactly three ASCII digits in
// [100,599].
func ParseStatusCode(b []byte) (int, bool) {
	if len(b) != statusCodeLen {
		return 0, false
	}

	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
	}

	n, err := strconv.Atoi(string(b))
	if err != nil || n < minStatusCode || n > maxStatusCode {
		return 0, false
	}

	return n, true
}

// FormatStatusCode renders a status code as its three-digit frame.
func FormatStatusCode(code int) []byte {
	return []byte(fmt.Sprintf("%03d", code))
}
