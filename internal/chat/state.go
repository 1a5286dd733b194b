package chat

// State is the lifecycle of one channel connection.
//
//	DISCONNECTED -> CONNECTING -> OPEN -> CLOSING -> DISCONNECTED
//	OPEN/CONNECTING -> RECONNECT_SCHEDULED -> CONNECTING   (unexpected close)
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateReconnectScheduled
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateReconnectScheduled:
		return "RECONNECT_SCHEDULED"
	}
	return "UNKNOWN"
}
