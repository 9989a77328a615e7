package sched

import "errors"

// ErrUnsupported is returned by the thread controls on platforms without
// an implementation.
var ErrUnsupported = errors.New("sched: not supported on this platform")

// Priority is an abstract scheduling class for latency-sensitive threads.
type Priority int

const (
	// PriorityNone leaves the thread at the default time-sharing class.
	PriorityNone Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityMax
)

// Level returns the round-robin real-time priority for p, or 0 for
// PriorityNone.
func (p Priority) Level() int {
	switch p {
	case PriorityLow:
		return 10
	case PriorityMedium:
		return 50
	case PriorityHigh:
		return 80
	case PriorityMax:
		return 99
	default:
		return 0
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityNone:
		return "none"
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityMax:
		return "max"
	default:
		return "unknown"
	}
}

// ParsePriority maps a configuration name to a Priority.
func ParsePriority(s string) (Priority, error) {
	for p := PriorityNone; p <= PriorityMax; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	if s == "" {
		return PriorityNone, nil
	}
	return PriorityNone, errors.New("sched: unknown priority " + s)
}
