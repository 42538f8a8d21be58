package cache

// ConnectionState tracks the coordinator's view of the Redis connection.
// Transitions are driven exclusively by the outcomes of connect and
// health-check calls so they can be tested without a network.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDegraded
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

type stateEvent int

const (
	eventConnectStart stateEvent = iota
	eventConnectOK
	eventConnectFailed
	eventProbeOK
	eventProbeFailed
	eventGiveUp
)

// transition is the single state-transition function. Unlisted combinations
// keep the current state.
func transition(s ConnectionState, ev stateEvent) ConnectionState {
	switch ev {
	case eventConnectStart:
		if s == StateDisconnected || s == StateDegraded {
			return StateConnecting
		}
	case eventConnectOK, eventProbeOK:
		return StateConnected
	case eventConnectFailed:
		if s == StateConnecting {
			return StateDisconnected
		}
	case eventProbeFailed:
		if s == StateConnected {
			return StateDegraded
		}
	case eventGiveUp:
		return StateDegraded
	}
	return s
}
