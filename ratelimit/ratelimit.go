package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/hookgate/hookgate/sources"
)

/* Per-source token bucket admission control
 * Refill is lazy: tokens are recomputed from elapsed time on each Admit call,
 * so an idle source costs nothing. Rejected events are never queued for retry
 * - webhook providers resend on their own schedule, and admitting their retry
 * storm would be self-inflicted overload
 */

// Decision is the outcome of an admission check
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // hint for the provider when rejected
	Remaining  float64       // tokens left after this decision
}

type bucket struct {
	mu       sync.Mutex
	tokens   float64
	lastFill time.Time
}

// Limiter tracks one token bucket per source
type Limiter struct {
	loader *sources.Loader
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

// Option configures the limiter
type Option func(*Limiter)

// WithClock injects the time source, used by tests
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// NewLimiter creates a limiter reading per-source policies from the loader
func NewLimiter(loader *sources.Loader, opts ...Option) *Limiter {
	l := &Limiter{
		loader:  loader,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit consumes one token for the source if available
func (l *Limiter) Admit(source string) Decision {
	policy := l.policyFor(source)
	b := l.bucketFor(source, policy)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	b.refill(now, policy)

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true, Remaining: b.tokens}
	}

	// Time until one full token accrues at the configured refill rate
	deficit := 1 - b.tokens
	retryAfter := time.Duration(deficit / policy.RefillRate * float64(time.Second))
	return Decision{Allowed: false, RetryAfter: retryAfter, Remaining: b.tokens}
}

// Tokens reports the current token count for a source without consuming
func (l *Limiter) Tokens(source string) float64 {
	policy := l.policyFor(source)
	b := l.bucketFor(source, policy)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(l.now(), policy)
	return b.tokens
}

func (b *bucket) refill(now time.Time, policy sources.RateLimitPolicy) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(float64(policy.Capacity), b.tokens+elapsed*policy.RefillRate)
		b.lastFill = now
	}
	// Runtime capacity reductions clamp immediately
	if b.tokens > float64(policy.Capacity) {
		b.tokens = float64(policy.Capacity)
	}
}

func (l *Limiter) policyFor(source string) sources.RateLimitPolicy {
	if src, err := l.loader.Get(source); err == nil {
		return src.RateLimit
	}
	return sources.RateLimitPolicy{
		Capacity:   sources.DefaultCapacity,
		RefillRate: sources.DefaultRefillRate,
	}
}

func (l *Limiter) bucketFor(source string, policy sources.RateLimitPolicy) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, exists := l.buckets[source]
	if !exists {
		b = &bucket{
			tokens:   float64(policy.Capacity),
			lastFill: l.now(),
		}
		l.buckets[source] = b
	}
	return b
}
