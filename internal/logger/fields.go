package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging.
const (
	// Distributed tracing
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// Connection
	KeyClientIP  = "client_ip"
	KeyAddress   = "address"
	KeyMechanism = "mechanism"
	KeyDomain    = "domain"
	KeyIdentity  = "identity"
	KeyRoute     = "route"

	// ZAP exchange
	KeyRequestID  = "request_id"
	KeyStatus     = "status"
	KeyStatusText = "status_text"
	KeyUserID     = "user_id"
	KeyReason     = "reason"
	KeyState      = "state"
	KeyFrames     = "frames"

	// Misc
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyListen     = "listen"
	KeyEndpoint   = "endpoint"
)

// ClientIP returns a slog.Attr for the remote address of a connection
func ClientIP(addr string) slog.Attr {
	return slog.String(KeyClientIP, addr)
}

// Mechanism returns a slog.Attr for the security mechanism name
func Mechanism(name string) slog.Attr {
	return slog.String(KeyMechanism, name)
}

func Domain(name string) slog.Attr {
	return slog.String(KeyDomain, name)
}

// Identity returns a slog.Attr for a routing identity (formatted as hex)
func Identity(id []byte) slog.Attr {
	return slog.String(KeyIdentity, fmt.Sprintf("%x", id))
}

func Route(r uint64) slog.Attr {
	return slog.Uint64(KeyRoute, r)
}

func RequestID(id string) slog.Attr {
	return slog.String(KeyRequestID, id)
}

func Status(code int) slog.Attr {
	return slog.Int(KeyStatus, code)
}

func StatusText(text string) slog.Attr {
	return slog.String(KeyStatusText, text)
}

func UserID(id string) slog.Attr {
	return slog.String(KeyUserID, id)
}

// Reason returns a slog.Attr for a protocol violation or failure reason
func Reason(r string) slog.Attr {
	return slog.String(KeyReason, r)
}

func State(s string) slog.Attr {
	return slog.String(KeyState, s)
}

func Frames(n int) slog.Attr {
	return slog.Int(KeyFrames, n)
}

func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error, or an empty string for nil
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
