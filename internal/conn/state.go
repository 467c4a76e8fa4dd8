package conn

// State is the connection lifecycle state. It is owned exclusively by the
// Manager; observers learn of connectivity only through state transitions.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Credentials authenticate the connection. They are supplied by an external
// auth collaborator, held by reference for the life of the manager and reused
// on every reconnection attempt. Never persisted by this core.
type Credentials struct {
	Token    string `json:"token"`
	Identity string `json:"identity"`
	Role     string `json:"role"`
}

func (c *Credentials) equal(other *Credentials) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.Token == other.Token && c.Identity == other.Identity && c.Role == other.Role
}
