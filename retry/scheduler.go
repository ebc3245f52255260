package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hookgate/hookgate/event"
	"github.com/hookgate/hookgate/sources"
)

/* Scheduler owns the pending-retry queue
 * Enqueue schedules a redelivery with exponential backoff; once attempts
 * exceed the source's max_retries the event is promoted to the dead letter
 * store instead of being requeued
 */

// ErrExhausted signals that an event has used up its retry budget
var ErrExhausted = errors.New("retry budget exhausted")

// Scheduler schedules and drains redeliveries
type Scheduler struct {
	repo   event.Repository
	loader *sources.Loader
	now    func() time.Time
}

// Option configures the scheduler
type Option func(*Scheduler)

// WithClock injects the time source, used by tests
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// NewScheduler creates a scheduler over the repository's retry queue
func NewScheduler(repo event.Repository, loader *sources.Loader, opts ...Option) *Scheduler {
	s := &Scheduler{
		repo:   repo,
		loader: loader,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

/* Enqueue schedules the next redelivery for an event
 * attemptCount is the number of attempts already made. Returns ErrExhausted
 * when the budget is spent, in which case the caller promotes to dead letter
 */
func (s *Scheduler) Enqueue(ctx context.Context, ev event.Event, attemptCount int) (event.RetryEntry, error) {
	policy := s.retryPolicy(ev.Source)
	if attemptCount > policy.MaxRetries {
		return event.RetryEntry{}, fmt.Errorf("event %s after %d attempts: %w", ev.ID, attemptCount, ErrExhausted)
	}

	delay := NewBackoff(policy).Delay(attemptCount)
	entry := event.RetryEntry{
		EventID:       ev.ID,
		Source:        ev.Source,
		Priority:      ev.Priority,
		AttemptCount:  attemptCount,
		Delay:         delay,
		NextAttemptAt: s.now().Add(delay),
	}

	if err := s.repo.Enqueue(ctx, entry); err != nil {
		return event.RetryEntry{}, fmt.Errorf("enqueueing retry: %w", err)
	}
	if err := s.repo.UpdateStatus(ctx, ev.ID, event.ScheduledForRetry); err != nil {
		return event.RetryEntry{}, fmt.Errorf("marking event scheduled: %w", err)
	}
	return entry, nil
}

/* Requeue puts a dequeued entry back without consuming retry budget
 * Used when a redelivery failed before producing a delivery outcome, such as
 * a storage error; the entry is pushed out by one base delay so a later
 * drain cycle picks it up again
 */
func (s *Scheduler) Requeue(ctx context.Context, entry event.RetryEntry) error {
	policy := s.retryPolicy(entry.Source)
	entry.NextAttemptAt = s.now().Add(policy.BaseDelay)
	if err := s.repo.Enqueue(ctx, entry); err != nil {
		return fmt.Errorf("requeueing retry: %w", err)
	}
	return nil
}

/* DequeueReady removes and returns entries due at or before now
 * Ordering: priority first (critical before low), then scheduled time
 * ascending within a priority. An older low-priority entry can starve behind
 * a backlog of ready high-priority entries; that tradeoff favors
 * latency-sensitive event types
 */
func (s *Scheduler) DequeueReady(ctx context.Context, now time.Time, max int) ([]event.RetryEntry, error) {
	entries, err := s.repo.DequeueReady(ctx, now, max)
	if err != nil {
		return nil, fmt.Errorf("dequeueing ready entries: %w", err)
	}
	return entries, nil
}

// AckSuccess clears the retry state after a successful redelivery
func (s *Scheduler) AckSuccess(ctx context.Context, eventID string) error {
	if err := s.repo.RemoveRetry(ctx, eventID); err != nil {
		return fmt.Errorf("removing retry entry: %w", err)
	}
	return nil
}

/* AckExhausted promotes an event to the dead letter store
 * The retry entry is removed first so the "at most one outstanding entry"
 * invariant holds even if the move fails and is re-driven later
 */
func (s *Scheduler) AckExhausted(ctx context.Context, ev event.Event, finalError string) (event.DeadLetter, error) {
	if err := s.repo.RemoveRetry(ctx, ev.ID); err != nil {
		return event.DeadLetter{}, fmt.Errorf("removing retry entry: %w", err)
	}

	dl := event.DeadLetter{
		EventID:    ev.ID,
		Source:     ev.Source,
		EventType:  ev.EventType,
		Reason:     "retry_exhausted",
		FinalError: finalError,
		MovedAt:    s.now(),
	}
	if err := s.repo.MoveIn(ctx, dl); err != nil {
		return event.DeadLetter{}, fmt.Errorf("moving to dead letters: %w", err)
	}
	if err := s.repo.UpdateStatus(ctx, ev.ID, event.DeadLettered); err != nil {
		return event.DeadLetter{}, fmt.Errorf("marking event dead-lettered: %w", err)
	}
	return dl, nil
}

// MaxRetries exposes the source's retry budget to the orchestrator
func (s *Scheduler) MaxRetries(source string) int {
	return s.retryPolicy(source).MaxRetries
}

func (s *Scheduler) retryPolicy(source string) sources.RetryPolicy {
	if src, err := s.loader.Get(source); err == nil {
		return src.Retry
	}
	return sources.RetryPolicy{
		MaxRetries:     sources.DefaultMaxRetries,
		BaseDelay:      sources.DefaultBaseDelay,
		MaxDelay:       sources.DefaultMaxDelay,
		JitterFraction: sources.DefaultJitterFraction,
	}
}
