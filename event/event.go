package event

import "time"

/* Event represents one inbound webhook notification in the system
 * Uses value semantics as it represents data, not behavior
 * Immutable after creation: retries append Attempt records, they never
 * mutate the original event
 */
type Event struct {
	ID           string
	Source       string
	EventType    string
	Payload      []byte
	Headers      map[string]string
	Signature    string
	Priority     Priority
	Status       Status
	AttemptCount int
	ReceivedAt   time.Time
	UpdatedAt    time.Time
}

/* Attempt records a single try at dispatching an Event to its handler
 * Append-only audit trail: one record per invocation, never rewritten
 */
type Attempt struct {
	ID            string        `json:"id"`
	EventID       string        `json:"event_id"`
	AttemptNumber int           `json:"attempt_number"`
	StartedAt     time.Time     `json:"started_at"`
	Result        Result        `json:"result"`
	ErrorDetail   string        `json:"error_detail,omitempty"`
	Duration      time.Duration `json:"duration"`
}

/* RetryEntry is the pending-retry record for an event
 * Exists only while the event awaits redelivery; removed on success or
 * promotion to the dead letter store. An event has at most one entry
 * outstanding at any time
 */
type RetryEntry struct {
	EventID       string
	Source        string
	Priority      Priority
	AttemptCount  int
	NextAttemptAt time.Time
	Delay         time.Duration
}

/* DeadLetter is the terminal record for an event that exhausted automated
 * recovery. Deleted only by explicit operator reprocess or archive
 */
type DeadLetter struct {
	EventID    string
	Source     string
	EventType  string
	Reason     string
	FinalError string
	MovedAt    time.Time
	Archived   bool
}
