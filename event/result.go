package event

import "fmt"

/* Result classifies the outcome of a single delivery attempt
 * This classification drives the whole recovery pipeline: transient failures
 * are retried with backoff, permanent failures go straight to dead letter
 */
type Result int

const (
	Success Result = iota + 1
	TransientFailure
	PermanentFailure
)

// String returns the string representation of the result
func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case TransientFailure:
		return "transient_failure"
	case PermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// NewResult creates a Result from a string
func NewResult(s string) Result {
	switch s {
	case "success":
		return Success
	case "transient_failure":
		return TransientFailure
	case "permanent_failure":
		return PermanentFailure
	default:
		return TransientFailure // unknown outcomes stay retryable
	}
}

// Validate checks if the result is valid
func (r Result) Validate() error {
	if r < Success || r > PermanentFailure {
		return fmt.Errorf("invalid result: %d", r)
	}
	return nil
}

// MarshalText implements encoding.TextMarshaler for JSON attempt records
func (r Result) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (r *Result) UnmarshalText(text []byte) error {
	*r = NewResult(string(text))
	return nil
}
