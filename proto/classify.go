package proto

import "bytes"

// Priority orders commands in the server queue. Lower value is served
// first. Fixed at ingress, never changed afterward.
type Priority int

const (
	PriorityEmergency Priority = 0  // immediate stop, safety interlocks
	PriorityHigh      Priority = 1  // motion and actuation commands
	PriorityNormal    Priority = 5  // everything else
	PriorityLow       Priority = 10 // status queries
)

func (p Priority) String() string {
	switch p {
	case PriorityEmergency:
		return "emergency"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

var emergencyStop = []byte("M112")

// Classify derives a command's priority from its raw content. Pure and
// stateless so it is testable without the queue or transport.
//
// Emergency-stop content (M112, the '!' feed hold, or the 0x18
// immediate-stop byte) outranks everything, including commands that
// would otherwise look like status queries.
func Classify(command []byte) Priority {
	if bytes.Contains(command, emergencyStop) ||
		bytes.IndexByte(command, '!') >= 0 ||
		bytes.IndexByte(command, 0x18) >= 0 {
		return PriorityEmergency
	}
	trimmed := bytes.TrimSpace(command)
	if len(trimmed) == 0 {
		return PriorityNormal
	}
	switch trimmed[0] {
	case '?', '$':
		return PriorityLow
	case 'G', 'M':
		return PriorityHigh
	}
	return PriorityNormal
}
