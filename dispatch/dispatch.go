package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hookgate/hookgate/event"
)

/* Handler dispatch: routes a validated event to the registered business
 * handler and captures its outcome as an append-only Attempt record.
 * Classification is the most consequential judgment in the pipeline:
 * transient failures are retried with backoff, permanent failures go straight
 * to the dead letter store because retrying a malformed payload never succeeds
 */

// Outcome is what a handler reports back for one invocation
type Outcome struct {
	Result event.Result
	Reason string
}

// Success reports a completed delivery
func Success() Outcome {
	return Outcome{Result: event.Success}
}

// Transient reports a recoverable failure (timeouts, 5xx, network errors)
func Transient(reason string) Outcome {
	return Outcome{Result: event.TransientFailure, Reason: reason}
}

// Permanent reports a failure retrying cannot fix (malformed payload)
func Permanent(reason string) Outcome {
	return Outcome{Result: event.PermanentFailure, Reason: reason}
}

/* Handler is the contract business handlers implement
 * Handlers must be idempotent on redelivery: a dispatch that exceeds its
 * timeout is abandoned and the event redelivered later
 */
type Handler func(ctx context.Context, ev event.Event) Outcome

type registryKey struct {
	source    string
	eventType string
}

// Registry maps (source, event_type) pairs to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[registryKey]Handler
}

// NewRegistry creates an empty handler registry
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[registryKey]Handler),
	}
}

// Register binds a handler to a (source, event_type) pair
func (r *Registry) Register(source, eventType string, h Handler) error {
	if source == "" || eventType == "" {
		return fmt.Errorf("source and event type are required")
	}
	if h == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := registryKey{source: source, eventType: eventType}
	if _, exists := r.handlers[key]; exists {
		return fmt.Errorf("handler already registered for %s/%s", source, eventType)
	}
	r.handlers[key] = h
	return nil
}

// Lookup finds the handler for a (source, event_type) pair
func (r *Registry) Lookup(source, eventType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[registryKey{source: source, eventType: eventType}]
	return h, ok
}

// Dispatcher invokes handlers under a bounded timeout
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
	now      func() time.Time
}

// Option configures the dispatcher
type Option func(*Dispatcher)

// WithClock injects the time source, used by tests
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// NewDispatcher creates a dispatcher with the given handler timeout
func NewDispatcher(registry *Registry, timeout time.Duration, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		timeout:  timeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

/* Dispatch invokes the registered handler for the event and returns the
 * attempt record. The handler runs in its own goroutine so an overrunning
 * handler can be abandoned at the timeout without stalling the caller
 */
func (d *Dispatcher) Dispatch(ctx context.Context, ev event.Event) event.Attempt {
	started := d.now()
	attempt := event.Attempt{
		ID:            uuid.New().String(),
		EventID:       ev.ID,
		AttemptNumber: ev.AttemptCount + 1,
		StartedAt:     started,
	}

	handler, ok := d.registry.Lookup(ev.Source, ev.EventType)
	if !ok {
		attempt.Result = event.PermanentFailure
		attempt.ErrorDetail = "no handler registered"
		attempt.Duration = d.now().Sub(started)
		return attempt
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Transient(fmt.Sprintf("handler panic: %v", r))
			}
		}()
		done <- handler(ctx, ev)
	}()

	var outcome Outcome
	select {
	case outcome = <-done:
	case <-ctx.Done():
		// In-flight work is abandoned; handlers must tolerate redelivery
		outcome = Transient(fmt.Sprintf("handler timeout after %s", d.timeout))
	}

	attempt.Result = outcome.Result
	attempt.ErrorDetail = outcome.Reason
	attempt.Duration = d.now().Sub(started)
	if err := attempt.Result.Validate(); err != nil {
		attempt.Result = event.TransientFailure
		attempt.ErrorDetail = fmt.Sprintf("handler returned invalid outcome: %v", err)
	}
	return attempt
}
