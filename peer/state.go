package peer

// State is the peer's position in the control-plane state machine.
type State int

const (
	StateDisconnected State = iota
	StateAnnounced
	StateIdle
	StateAwaitingLookup
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAnnounced:
		return "announced"
	case StateIdle:
		return "idle"
	case StateAwaitingLookup:
		return "awaiting-lookup"
	case StateShuttingDown:
		return "shutting-down"
	default:
		return "unknown"
	}
}
