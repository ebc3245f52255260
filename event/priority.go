package event

import "fmt"

/* Priority orders events for retry dequeueing
 * Critical drains before High, High before Normal, Normal before Low
 * Derived from the source's event_type policy at ingestion time
 */
type Priority int

const (
	Critical Priority = iota + 1
	High
	Normal
	Low
)

// Priorities lists all priorities in dequeue order (highest first)
var Priorities = []Priority{Critical, High, Normal, Low}

// String returns the string representation of the priority
func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	default:
		return "unknown"
	}
}

// NewPriority creates a Priority from a string
func NewPriority(s string) Priority {
	switch s {
	case "critical":
		return Critical
	case "high":
		return High
	case "normal":
		return Normal
	case "low":
		return Low
	default:
		return Normal // default to Normal for safety
	}
}

// Validate checks if the priority is valid
func (p Priority) Validate() error {
	if p < Critical || p > Low {
		return fmt.Errorf("invalid priority: %d", p)
	}
	return nil
}
