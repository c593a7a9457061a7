package chatline

// ConnectionState represents the current state of the WebSocket connection.
type ConnectionState int

const (
	// StateIdle means Connect has never been called.
	StateIdle ConnectionState = iota

	// StateConnecting means the handshake is in flight.
	StateConnecting

	// StateOpen means frames can flow in both directions.
	StateOpen

	// StateClosed means the connection is gone, either closed locally or
	// dropped by the transport. It is never reopened automatically.
	StateClosed
)

// String returns the string representation of a ConnectionState.
func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateEvent represents a state change event.
type StateEvent struct {
	OldState ConnectionState
	NewState ConnectionState
	Error    error // Optional error that caused the state change
}
