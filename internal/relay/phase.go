package relay

// Phase is the relay session's top-level operating mode. Stopped is the
// pre/post-session phase; the live machine cycles through the other four.
type Phase int

const (
	Stopped Phase = iota
	Dormant
	Scanning
	Connected
	Queuing
)

func (p Phase) String() string {
	switch p {
	case Stopped:
		return "stopped"
	case Dormant:
		return "dormant"
	case Scanning:
		return "scanning"
	case Connected:
		return "connected"
	case Queuing:
		return "queuing"
	default:
		return "unknown"
	}
}
