package gateway

// State is the protocol state of a Connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingHello
	StateIdentifying
	StateResuming
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateIdentifying:
		return "identifying"
	case StateResuming:
		return "resuming"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
