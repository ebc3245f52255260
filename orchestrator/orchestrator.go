package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hookgate/hookgate/breaker"
	"github.com/hookgate/hookgate/dispatch"
	"github.com/hookgate/hookgate/event"
	"github.com/hookgate/hookgate/health"
	"github.com/hookgate/hookgate/ratelimit"
	"github.com/hookgate/hookgate/retry"
	"github.com/hookgate/hookgate/signature"
	"github.com/hookgate/hookgate/sources"
	"github.com/rs/zerolog"
)

/* Orchestrator composes the pipeline:
 * verify -> dedupe -> rate limit -> circuit breaker gate -> dispatch ->
 * (success | retry schedule | dead letter), with exactly one health record
 * per terminal delivery outcome. The same gate serves both fresh ingestions
 * and background redeliveries, so the protection invariants hold everywhere
 */

// Taxonomy errors the HTTP layer maps onto status codes
var (
	ErrUnknownSource = errors.New("unknown source")
	ErrRateLimited   = errors.New("rate limited")
)

// Receipt is what the caller gets back for an accepted ingestion
type Receipt struct {
	EventID   string       `json:"event_id"`
	Status    event.Status `json:"status"`
	Duplicate bool         `json:"duplicate,omitempty"`
}

// RateLimitError carries the retry-after hint for 429 responses
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// Config bounds the orchestrator's terminal-state cleanup
type Config struct {
	CompletedTTL time.Duration // expiry for completed event records
}

type Orchestrator struct {
	repo      event.Repository
	loader    *sources.Loader
	limiter   *ratelimit.Limiter
	circuits  *breaker.Breaker
	scheduler *retry.Scheduler
	deliverer *dispatch.Dispatcher
	monitor   *health.Monitor
	logger    zerolog.Logger
	cfg       Config
	now       func() time.Time
}

// Option configures the orchestrator
type Option func(*Orchestrator)

// WithClock injects the time source, used by tests
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New wires the pipeline components together
func New(
	repo event.Repository,
	loader *sources.Loader,
	limiter *ratelimit.Limiter,
	circuits *breaker.Breaker,
	scheduler *retry.Scheduler,
	deliverer *dispatch.Dispatcher,
	monitor *health.Monitor,
	logger zerolog.Logger,
	cfg Config,
	opts ...Option,
) *Orchestrator {
	if cfg.CompletedTTL <= 0 {
		cfg.CompletedTTL = time.Hour
	}
	o := &Orchestrator{
		repo:      repo,
		loader:    loader,
		limiter:   limiter,
		circuits:  circuits,
		scheduler: scheduler,
		deliverer: deliverer,
		monitor:   monitor,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

/* Ingest runs the synchronous ingestion path for one inbound notification
 * Signature failures are rejected with no side effects. Rate-limited events
 * are dropped and the provider is expected to resend. Everything past
 * admission is persisted before dispatch so a crash cannot lose the event
 */
func (o *Orchestrator) Ingest(ctx context.Context, sourceName string, body []byte, headers map[string]string) (Receipt, error) {
	src, err := o.loader.Get(sourceName)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %s", ErrUnknownSource, sourceName)
	}

	digest, err := signature.Verify(src, body, headers)
	if err != nil {
		// Fails closed, never retried, never dead-lettered
		return Receipt{}, err
	}

	eventID := deriveEventID(sourceName, body, headers)

	// Idempotent re-entry: a provider resend of an event we are already
	// retrying (or have dead-lettered) must not spawn a second pipeline
	if dup, err := o.isDuplicate(ctx, eventID); err != nil {
		return Receipt{}, err
	} else if dup {
		status := event.ScheduledForRetry
		if stored, err := o.repo.Get(ctx, eventID); err == nil {
			status = stored.Status
		}
		return Receipt{EventID: eventID, Status: status, Duplicate: true}, nil
	}

	if decision := o.limiter.Admit(sourceName); !decision.Allowed {
		o.logger.Warn().
			Str("source", sourceName).
			Str("event_id", eventID).
			Dur("retry_after", decision.RetryAfter).
			Msg("rate limited, provider will resend")
		return Receipt{}, &RateLimitError{RetryAfter: decision.RetryAfter}
	}

	eventType := headers["X-Event-Type"]
	now := o.now()
	ev := event.Event{
		ID:         eventID,
		Source:     sourceName,
		EventType:  eventType,
		Payload:    body,
		Headers:    headers,
		Signature:  digest,
		Priority:   src.PriorityFor(eventType),
		Status:     event.Validated,
		ReceivedAt: now,
		UpdatedAt:  now,
	}
	if err := o.repo.Store(ctx, ev); err != nil {
		return Receipt{}, fmt.Errorf("persisting event: %w", err)
	}

	status, err := o.deliver(ctx, ev)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{EventID: eventID, Status: status}, nil
}

/* Redeliver is the retry worker's entry point for one ready queue entry
 * It re-runs the breaker-gated dispatch with the stored event
 */
func (o *Orchestrator) Redeliver(ctx context.Context, entry event.RetryEntry) error {
	ev, err := o.repo.Get(ctx, entry.EventID)
	if err != nil {
		return fmt.Errorf("loading event for redelivery: %w", err)
	}
	ev.AttemptCount = entry.AttemptCount

	if err := o.repo.UpdateStatus(ctx, ev.ID, event.Retrying); err != nil {
		return fmt.Errorf("marking event retrying: %w", err)
	}
	_, err = o.deliver(ctx, ev)
	return err
}

/* deliver runs the breaker-gated dispatch and settles the outcome
 * No per-source lock is held across the handler call: the breaker verdict is
 * taken before dispatch and the outcome recorded after
 */
func (o *Orchestrator) deliver(ctx context.Context, ev event.Event) (event.Status, error) {
	verdict := o.circuits.Allow(ev.Source)
	if verdict == breaker.RejectedOpen {
		// Fast-fail: no handler invocation, straight back to the queue
		if err := o.repo.UpdateStatus(ctx, ev.ID, event.CircuitOpen); err != nil {
			return 0, fmt.Errorf("marking event circuit-open: %w", err)
		}
		return o.scheduleRetry(ctx, ev, "circuit open")
	}

	// A probe slot admitted here must not leak if storage fails before the
	// outcome is fed back into the circuit
	outcomeRecorded := false
	if verdict == breaker.AdmittedProbe {
		defer func() {
			if !outcomeRecorded {
				o.circuits.ReleaseProbe(ev.Source)
			}
		}()
	}

	if err := o.repo.UpdateStatus(ctx, ev.ID, event.Dispatching); err != nil {
		return 0, fmt.Errorf("marking event dispatching: %w", err)
	}

	attempt := o.deliverer.Dispatch(ctx, ev)
	if err := o.repo.AppendAttempt(ctx, attempt); err != nil {
		return 0, fmt.Errorf("recording attempt: %w", err)
	}

	// Exactly one health record per delivery outcome
	o.monitor.Record(ev.Source, attempt.Result, attempt.Duration)
	outcomeRecorded = true

	switch attempt.Result {
	case event.Success:
		o.circuits.RecordSuccess(ev.Source)
		return o.complete(ctx, ev)
	case event.PermanentFailure:
		// Retrying a malformed payload never succeeds
		o.circuits.RecordFailure(ev.Source)
		return o.deadLetter(ctx, ev, "permanent_failure", attempt.ErrorDetail)
	default:
		o.circuits.RecordFailure(ev.Source)
		ev.AttemptCount = attempt.AttemptNumber
		return o.scheduleRetry(ctx, ev, attempt.ErrorDetail)
	}
}

func (o *Orchestrator) complete(ctx context.Context, ev event.Event) (event.Status, error) {
	if err := o.scheduler.AckSuccess(ctx, ev.ID); err != nil {
		return 0, err
	}
	if err := o.repo.UpdateStatus(ctx, ev.ID, event.Completed); err != nil {
		return 0, fmt.Errorf("marking event completed: %w", err)
	}
	if err := o.repo.SetTTL(ctx, ev.ID, o.cfg.CompletedTTL); err != nil {
		o.logger.Warn().Err(err).Str("event_id", ev.ID).Msg("setting completed TTL")
	}
	o.logger.Info().
		Str("event_id", ev.ID).
		Str("source", ev.Source).
		Str("event_type", ev.EventType).
		Msg("event completed")
	return event.Completed, nil
}

func (o *Orchestrator) scheduleRetry(ctx context.Context, ev event.Event, reason string) (event.Status, error) {
	_, err := o.scheduler.Enqueue(ctx, ev, ev.AttemptCount)
	if errors.Is(err, retry.ErrExhausted) {
		if _, err := o.scheduler.AckExhausted(ctx, ev, reason); err != nil {
			return 0, err
		}
		o.logger.Warn().
			Str("event_id", ev.ID).
			Str("source", ev.Source).
			Int("attempts", ev.AttemptCount).
			Msg("retry budget exhausted, dead-lettered")
		return event.DeadLettered, nil
	}
	if err != nil {
		return 0, err
	}
	return event.ScheduledForRetry, nil
}

func (o *Orchestrator) deadLetter(ctx context.Context, ev event.Event, reason, finalError string) (event.Status, error) {
	// Clear any pending retry first: a dead-lettered event must not hold an
	// outstanding retry entry
	if err := o.repo.RemoveRetry(ctx, ev.ID); err != nil {
		return 0, err
	}
	dl := event.DeadLetter{
		EventID:    ev.ID,
		Source:     ev.Source,
		EventType:  ev.EventType,
		Reason:     reason,
		FinalError: finalError,
		MovedAt:    o.now(),
	}
	if err := o.repo.MoveIn(ctx, dl); err != nil {
		return 0, fmt.Errorf("moving to dead letters: %w", err)
	}
	if err := o.repo.UpdateStatus(ctx, ev.ID, event.DeadLettered); err != nil {
		return 0, fmt.Errorf("marking event dead-lettered: %w", err)
	}
	o.logger.Warn().
		Str("event_id", ev.ID).
		Str("source", ev.Source).
		Str("reason", reason).
		Str("final_error", finalError).
		Msg("event dead-lettered")
	return event.DeadLettered, nil
}

func (o *Orchestrator) isDuplicate(ctx context.Context, eventID string) (bool, error) {
	pending, err := o.repo.PendingRetry(ctx, eventID)
	if err != nil {
		return false, fmt.Errorf("checking retry queue: %w", err)
	}
	if pending {
		return true, nil
	}
	dead, err := o.repo.InDeadLetters(ctx, eventID)
	if err != nil {
		return false, fmt.Errorf("checking dead letters: %w", err)
	}
	return dead, nil
}

/* deriveEventID prefers the provider-supplied event ID header
 * Without one, a deterministic UUID over source+body stands in, so a
 * provider double-send maps onto the same logical event
 */
func deriveEventID(source string, body []byte, headers map[string]string) string {
	for _, header := range []string{"X-Event-Id", "X-Webhook-Id", "Webhook-Id"} {
		if id, ok := headers[header]; ok && id != "" {
			return fmt.Sprintf("%s-%s", source, id)
		}
	}
	seed := append([]byte(source+":"), body...)
	return uuid.NewSHA1(uuid.NameSpaceOID, seed).String()
}
