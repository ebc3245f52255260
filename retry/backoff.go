package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/hookgate/hookgate/sources"
)

/* Exponential backoff with jitter
 * delay = min(base * 2^attempt, max) +/- jitter_fraction
 * The jitter spreads redeliveries so a burst of failures does not come back
 * as a synchronized thundering herd
 */

// Backoff computes retry delays from a source's retry policy
type Backoff struct {
	policy sources.RetryPolicy
	rand   func() float64 // uniform in [0, 1)
}

// NewBackoff creates a backoff calculator for the policy
func NewBackoff(policy sources.RetryPolicy) Backoff {
	return Backoff{
		policy: policy,
		rand:   rand.Float64,
	}
}

// WithRand injects the randomness source, used by tests
func (b Backoff) WithRand(r func() float64) Backoff {
	b.rand = r
	return b
}

// Delay returns the backoff delay before attempt number attemptCount+1
func (b Backoff) Delay(attemptCount int) time.Duration {
	base := float64(b.policy.BaseDelay)
	capped := math.Min(base*math.Pow(2, float64(attemptCount)), float64(b.policy.MaxDelay))

	// Uniform jitter in [-f, +f] of the capped delay
	jitter := (b.rand()*2 - 1) * b.policy.JitterFraction * capped

	delay := time.Duration(capped + jitter)
	if delay < 0 {
		delay = 0
	}
	return delay
}
