package session

// State is a ConnectionSession lifecycle state. Outbound sessions move
// Idle -> Connecting -> Connected -> Closed and end in Failed if the connect
// attempt errors; inbound sessions start Connected. Close moves any
// non-terminal state to Closed. Closed and Failed are terminal.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition can leave s.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Role tells which side opened the session.
type Role int

const (
	RoleOutbound Role = iota
	RoleInbound
)

func (r Role) String() string {
	if r == RoleInbound {
		return "inbound"
	}
	return "outbound"
}
