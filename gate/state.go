package gate

// State is the position of a Gate in the handshake authentication
// lifecycle.
type State int

const (
	StateIdle State = iota
	StateAwaitingReply

	// Terminal states.
	StateAllowed
	StateDenied
	StateProtocolError
	StateTimedOut
	StateFailed    // the request could not be sent
	StateCancelled // the handshake was abandoned
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAwaitingReply:
		return "AwaitingReply"
	case StateAllowed:
		return "Allowed"
	case StateDenied:
		return "Denied"
	case StateProtocolError:
		return "ProtocolError"
	case StateTimedOut:
		return "TimedOut"
	case StateFailed:
		return "Failed"
	case StateCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s >= StateAllowed
}

// Metric label.
func (s State) label() string {
	switch s {
	case StateAllowed:
		return "allowed"
	case StateDenied:
		return "denied"
	case StateProtocolError:
		return "protocol_error"
	case StateTimedOut:
		return "timed_out"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}
