package ble

// Phase is the connection state machine's current phase. Exactly one phase
// is active per link attempt.
type Phase int

const (
	Idle Phase = iota
	Scanning
	Connecting
	DiscoveringCapabilities
	EnablingNotifications
	Connected
	Disconnecting
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case Connecting:
		return "connecting"
	case DiscoveringCapabilities:
		return "discovering_capabilities"
	case EnablingNotifications:
		return "enabling_notifications"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}
