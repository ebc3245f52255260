package event

import (
	"context"
	"errors"
	"time"
)

/* Small, focused interfaces following "The Go Way"
 * Interfaces abstract behavior, not things
 * Written for users of the API, not just for testing
 */

// ErrNotFound is returned when a lookup misses
var ErrNotFound = errors.New("not found")

// Reader provides read operations for events
type Reader interface {
	/* Context is always the first parameter in functions that do I/O
	 * This allows for cancellation, timeouts, and shared values
	 */
	Get(ctx context.Context, id string) (Event, error)
	Attempts(ctx context.Context, id string) ([]Attempt, error)
}

// Writer provides write operations for events
type Writer interface {
	Store(ctx context.Context, ev Event) error
	UpdateStatus(ctx context.Context, id string, status Status) error
	/* AppendAttempt records one delivery attempt and bumps the stored
	 * attempt count in the same call
	 */
	AppendAttempt(ctx context.Context, at Attempt) error
	/* ResetAttempts zeroes the stored attempt count
	 * Used when an operator reprocesses a dead-lettered event with a fresh
	 * retry budget
	 */
	ResetAttempts(ctx context.Context, id string) error
	/* SetTTL sets an expiration time on an event record
	 * Used to automatically clean up completed events
	 */
	SetTTL(ctx context.Context, id string, ttl time.Duration) error
}

// RetryQueue provides the pending-retry queue, ordered by priority then
// scheduled time. Owned exclusively by the retry scheduler.
type RetryQueue interface {
	Enqueue(ctx context.Context, entry RetryEntry) error
	/* DequeueReady removes and returns entries whose NextAttemptAt is at or
	 * before now, highest priority first, oldest first within a priority
	 */
	DequeueReady(ctx context.Context, now time.Time, max int) ([]RetryEntry, error)
	RemoveRetry(ctx context.Context, eventID string) error
	/* PendingRetry reports whether an event has an outstanding entry
	 * Used for idempotent re-entry checks on duplicate notifications
	 */
	PendingRetry(ctx context.Context, eventID string) (bool, error)
	RetryDepth(ctx context.Context) (map[Priority]int64, error)
}

// DeadLetters provides terminal storage for exhausted events
type DeadLetters interface {
	MoveIn(ctx context.Context, dl DeadLetter) error
	GetDeadLetter(ctx context.Context, eventID string) (DeadLetter, error)
	ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]DeadLetter, error)
	RemoveDeadLetter(ctx context.Context, eventID string) error
	ArchiveDeadLetter(ctx context.Context, eventID string) error
	InDeadLetters(ctx context.Context, eventID string) (bool, error)
	DeadLetterCount(ctx context.Context) (int64, error)
}

// DeadLetterFilter narrows ListDeadLetters results; zero value matches all
type DeadLetterFilter struct {
	Source          string
	Reason          string
	IncludeArchived bool
	Limit           int
}

/* Interface composition - combining small interfaces into larger ones
 * This is preferred over large monolithic interfaces
 */
type Repository interface {
	Reader
	Writer
	RetryQueue
	DeadLetters
	Close(ctx context.Context) error
}
