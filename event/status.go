package event

import "fmt"

/* Status represents the current state of an event's pipeline
 * Lifecycle: Received -> Validated -> (RateLimited | CircuitOpen | Dispatching)
 *   -> (Completed | ScheduledForRetry -> Retrying -> Completed | DeadLettered)
 * Rejected is reserved for signature failures, which never enter the pipeline
 */
type Status int

const (
	Received Status = iota + 1
	Validated
	RateLimited
	CircuitOpen
	Dispatching
	Completed
	ScheduledForRetry
	Retrying
	DeadLettered
	Rejected
)

// String returns the string representation of the status
func (s Status) String() string {
	switch s {
	case Received:
		return "received"
	case Validated:
		return "validated"
	case RateLimited:
		return "rate_limited"
	case CircuitOpen:
		return "circuit_open"
	case Dispatching:
		return "dispatching"
	case Completed:
		return "completed"
	case ScheduledForRetry:
		return "scheduled_for_retry"
	case Retrying:
		return "retrying"
	case DeadLettered:
		return "dead_lettered"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// NewStatus creates a Status from a string
func NewStatus(str string) Status {
	switch str {
	case "received":
		return Received
	case "validated":
		return Validated
	case "rate_limited":
		return RateLimited
	case "circuit_open":
		return CircuitOpen
	case "dispatching":
		return Dispatching
	case "completed":
		return Completed
	case "scheduled_for_retry":
		return ScheduledForRetry
	case "retrying":
		return Retrying
	case "dead_lettered":
		return DeadLettered
	case "rejected":
		return Rejected
	default:
		return Received
	}
}

// Validate checks if the status is valid
func (s Status) Validate() error {
	if s < Received || s > Rejected {
		return fmt.Errorf("invalid status: %d", s)
	}
	return nil
}

// IsFinal returns true if the status is a terminal state
func (s Status) IsFinal() bool {
	return s == Completed || s == DeadLettered || s == Rejected
}
