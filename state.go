package mmate

// State is the lifecycle state of a Connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateInterrupted
	StateReconnecting
	StateClosed
	StateConnectFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateInterrupted:
		return "interrupted"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	case StateConnectFailed:
		return "connect_failed"
	default:
		return "unknown"
	}
}

// ChannelState is the lifecycle state of a Channel.
type ChannelState int

const (
	// ChannelOpen accepts declarations.
	ChannelOpen ChannelState = iota
	// ChannelRecovering is replaying recorded state; declarations wait.
	ChannelRecovering
	// ChannelClosed was reset by an interruption or closed by the broker. It
	// keeps its number and its recorded state until recovered.
	ChannelClosed
	// ChannelReleased was closed by the application.
	ChannelReleased
)

func (s ChannelState) String() string {
	switch s {
	case ChannelOpen:
		return "open"
	case ChannelRecovering:
		return "recovering"
	case ChannelClosed:
		return "closed"
	case ChannelReleased:
		return "released"
	default:
		return "unknown"
	}
}
