package deadletter

import (
	"context"
	"fmt"
	"time"

	"github.com/hookgate/hookgate/event"
)

/* Operator-facing dead letter operations
 * The subsystem never auto-resurrects dead-lettered events - reprocessing is
 * explicit and operator-initiated only, to avoid infinite failure loops
 */

// UseCase defines the admin operations over the dead letter store
type UseCase interface {
	List(ctx context.Context, filter event.DeadLetterFilter) ([]event.DeadLetter, error)
	Reprocess(ctx context.Context, eventID string) (event.RetryEntry, error)
	Archive(ctx context.Context, eventID string) error
	BulkReprocess(ctx context.Context, filter event.DeadLetterFilter) (Report, error)
}

// Report summarizes a bulk reprocess run, item by item
type Report struct {
	Requeued []string          `json:"requeued"`
	Failed   map[string]string `json:"failed,omitempty"`
}

type Service struct {
	repo event.Repository
	now  func() time.Time
}

// Option configures the service
type Option func(*Service)

// WithClock injects the time source, used by tests
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a dead letter service over the repository
func NewService(repo event.Repository, opts ...Option) *Service {
	s := &Service{
		repo: repo,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List returns dead letters matching the filter
func (s *Service) List(ctx context.Context, filter event.DeadLetterFilter) ([]event.DeadLetter, error) {
	entries, err := s.repo.ListDeadLetters(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	return entries, nil
}

/* Reprocess resurrects a dead-lettered event: the attempt budget resets to
 * zero, a fresh retry entry is scheduled for immediate pickup, and the dead
 * letter record is removed
 */
func (s *Service) Reprocess(ctx context.Context, eventID string) (event.RetryEntry, error) {
	dl, err := s.repo.GetDeadLetter(ctx, eventID)
	if err != nil {
		return event.RetryEntry{}, fmt.Errorf("looking up dead letter: %w", err)
	}

	ev, err := s.repo.Get(ctx, eventID)
	if err != nil {
		return event.RetryEntry{}, fmt.Errorf("looking up event: %w", err)
	}

	// The stored count resets along with the entry's, so the event record
	// never reads beyond max_retries + 1
	if err := s.repo.ResetAttempts(ctx, eventID); err != nil {
		return event.RetryEntry{}, fmt.Errorf("resetting attempt count: %w", err)
	}

	entry := event.RetryEntry{
		EventID:       eventID,
		Source:        dl.Source,
		Priority:      ev.Priority,
		AttemptCount:  0,
		NextAttemptAt: s.now(),
	}
	if err := s.repo.Enqueue(ctx, entry); err != nil {
		return event.RetryEntry{}, fmt.Errorf("requeueing event: %w", err)
	}
	if err := s.repo.RemoveDeadLetter(ctx, eventID); err != nil {
		return event.RetryEntry{}, fmt.Errorf("removing dead letter: %w", err)
	}
	if err := s.repo.UpdateStatus(ctx, eventID, event.ScheduledForRetry); err != nil {
		return event.RetryEntry{}, fmt.Errorf("marking event scheduled: %w", err)
	}
	return entry, nil
}

// Archive flags a dead letter as handled without requeueing it
func (s *Service) Archive(ctx context.Context, eventID string) error {
	if err := s.repo.ArchiveDeadLetter(ctx, eventID); err != nil {
		return fmt.Errorf("archiving dead letter: %w", err)
	}
	return nil
}

/* BulkReprocess requeues every dead letter matching the filter
 * Failures on individual items do not abort the run; the report carries a
 * per-item verdict so the operator sees exactly what moved
 */
func (s *Service) BulkReprocess(ctx context.Context, filter event.DeadLetterFilter) (Report, error) {
	entries, err := s.repo.ListDeadLetters(ctx, filter)
	if err != nil {
		return Report{}, fmt.Errorf("listing dead letters: %w", err)
	}

	report := Report{
		Requeued: make([]string, 0, len(entries)),
		Failed:   make(map[string]string),
	}
	for _, dl := range entries {
		if _, err := s.Reprocess(ctx, dl.EventID); err != nil {
			report.Failed[dl.EventID] = err.Error()
			continue
		}
		report.Requeued = append(report.Requeued, dl.EventID)
	}
	return report, nil
}
