package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/hookgate/hookgate/sources"
)

/* Per-source circuit breaker
 * Stops dispatching to a handler that is known to be failing so a backlog of
 * redeliveries does not amplify the outage. Each source has its own state
 * machine under its own lock; the lock is never held across a handler call
 */

// State is the circuit breaker state machine position
type State int

const (
	Closed State = iota + 1
	Open
	HalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Validate checks if the state is valid
func (s State) Validate() error {
	if s < Closed || s > HalfOpen {
		return fmt.Errorf("invalid state: %d", s)
	}
	return nil
}

// Verdict is the outcome of an admission check
type Verdict int

const (
	// Admitted: circuit closed, dispatch normally
	Admitted Verdict = iota + 1
	// AdmittedProbe: circuit half-open, this call is the single recovery probe
	AdmittedProbe
	// RejectedOpen: fast-fail, do not invoke the handler, route to retry queue
	RejectedOpen
)

// Snapshot is a read-only view of one source's breaker state for the admin API
type Snapshot struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitzero"`
	ProbeInFlight       bool      `json:"probe_in_flight"`
}

type circuit struct {
	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	firstFailureAt      time.Time
	openedAt            time.Time
	probeInFlight       bool
}

// Breaker tracks one circuit per source
type Breaker struct {
	loader *sources.Loader
	now    func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

// Option configures the breaker
type Option func(*Breaker)

// WithClock injects the time source, used by tests
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// NewBreaker creates a breaker reading per-source policies from the loader
func NewBreaker(loader *sources.Loader, opts ...Option) *Breaker {
	b := &Breaker{
		loader:   loader,
		now:      time.Now,
		circuits: make(map[string]*circuit),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

/* Allow decides whether a dispatch for the source may proceed
 * Closed admits everything. Open fast-fails until recovery_timeout has
 * elapsed, then flips to HalfOpen. HalfOpen admits exactly one probe at a
 * time; concurrent attempts are rejected and requeued
 */
func (b *Breaker) Allow(source string) Verdict {
	policy := b.policyFor(source)
	c := b.circuitFor(source)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := b.now()
	switch c.state {
	case Open:
		if now.Sub(c.openedAt) < policy.RecoveryTimeout {
			return RejectedOpen
		}
		c.state = HalfOpen
		c.probeInFlight = true
		return AdmittedProbe
	case HalfOpen:
		if c.probeInFlight {
			return RejectedOpen
		}
		c.probeInFlight = true
		return AdmittedProbe
	default:
		return Admitted
	}
}

// RecordSuccess feeds a successful delivery outcome back into the circuit
func (b *Breaker) RecordSuccess(source string) {
	c := b.circuitFor(source)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == HalfOpen {
		// Probe succeeded: downstream recovered
		c.state = Closed
		c.probeInFlight = false
	}
	c.consecutiveFailures = 0
	c.firstFailureAt = time.Time{}
}

/* ReleaseProbe returns an unused probe slot
 * Called when a probe admission never produced a delivery outcome, such as a
 * storage error before the handler ran. The circuit stays HalfOpen so the
 * next arrival can probe instead of waiting on a slot nobody will release
 */
func (b *Breaker) ReleaseProbe(source string) {
	c := b.circuitFor(source)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == HalfOpen {
		c.probeInFlight = false
	}
}

// RecordFailure feeds a failed delivery outcome back into the circuit
func (b *Breaker) RecordFailure(source string) {
	policy := b.policyFor(source)
	c := b.circuitFor(source)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := b.now()
	if c.state == HalfOpen {
		// Probe failed: reopen and restart the cooldown
		c.state = Open
		c.openedAt = now
		c.probeInFlight = false
		return
	}

	// Failures only count while they land inside the tracking window
	if c.consecutiveFailures == 0 || now.Sub(c.firstFailureAt) > policy.TrackingWindow {
		c.consecutiveFailures = 0
		c.firstFailureAt = now
	}
	c.consecutiveFailures++

	if c.state == Closed && c.consecutiveFailures >= policy.FailureThreshold {
		c.state = Open
		c.openedAt = now
	}
}

// Status returns a read-only view of the source's circuit
func (b *Breaker) Status(source string) Snapshot {
	c := b.circuitFor(source)

	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:               c.state,
		ConsecutiveFailures: c.consecutiveFailures,
		OpenedAt:            c.openedAt,
		ProbeInFlight:       c.probeInFlight,
	}
}

func (b *Breaker) policyFor(source string) sources.BreakerPolicy {
	if src, err := b.loader.Get(source); err == nil {
		return src.CircuitBreaker
	}
	return sources.BreakerPolicy{
		FailureThreshold: sources.DefaultFailureThreshold,
		TrackingWindow:   sources.DefaultTrackingWindow,
		RecoveryTimeout:  sources.DefaultRecoveryTimeout,
	}
}

func (b *Breaker) circuitFor(source string) *circuit {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, exists := b.circuits[source]
	if !exists {
		c = &circuit{state: Closed}
		b.circuits[source] = c
	}
	return c
}
