package channel

// State is the connection state of a Channel.
type State int32

const (
	StateAwaitingConfiguration State = iota
	StateReady
	StateConnecting
	StateConnected
	StateDisconnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateAwaitingConfiguration:
		return "awaiting-configuration"
	case StateReady:
		return "ready"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// observable reports whether a transition into s is announced to handlers.
// Ready and AwaitingConfiguration are internal.
func (s State) observable() bool {
	return s >= StateConnecting
}
