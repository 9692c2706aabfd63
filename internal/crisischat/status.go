package crisischat

// Status describes the session connection state.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusOpen
	StatusClosed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusClosed:
		return "closed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}
