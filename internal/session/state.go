package session

// State is where the coordinator is in a session's lifecycle.
type State int

const (
	StateIdle State = iota
	StateArming
	StateWaiting
	StateSearching
	StateJoiningSpecific
	StateConnecting
	StateConnected
	StateEnding
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArming:
		return "arming"
	case StateWaiting:
		return "waiting"
	case StateSearching:
		return "searching"
	case StateJoiningSpecific:
		return "joining"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateEnding:
		return "ending"
	default:
		return "unknown"
	}
}

// Busy reports whether a session attempt is in flight. A new attempt can
// only start from Idle.
func (s State) Busy() bool {
	return s != StateIdle
}

// negotiating covers the states in which the room's age still matters.
func (s State) negotiating() bool {
	return s == StateWaiting || s == StateConnecting
}
