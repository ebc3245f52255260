package sources

import (
	"fmt"
	"strings"
	"time"

	"github.com/hookgate/hookgate/event"
)

/* Source represents one external webhook provider and its admission,
 * protection, and retry policies. Loaded from sources.yaml and adjustable
 * at runtime through the admin API
 */
type Source struct {
	Name           string
	Secret         string
	Scheme         string // signature scheme, "hmac-sha256" unless the provider needs otherwise
	RateLimit      RateLimitPolicy
	CircuitBreaker BreakerPolicy
	Retry          RetryPolicy
	PriorityMap    map[string]event.Priority // event_type (exact or "prefix.*") -> priority
}

// RateLimitPolicy configures the per-source token bucket
type RateLimitPolicy struct {
	Capacity   int
	RefillRate float64 // tokens per second
}

// BreakerPolicy configures the per-source circuit breaker
type BreakerPolicy struct {
	FailureThreshold int
	TrackingWindow   time.Duration
	RecoveryTimeout  time.Duration
}

// RetryPolicy configures backoff for transient failures
type RetryPolicy struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64
}

// Defaults applied when sources.yaml omits a value
const (
	DefaultCapacity         = 60
	DefaultRefillRate       = 1.0
	DefaultFailureThreshold = 5
	DefaultTrackingWindow   = time.Minute
	DefaultRecoveryTimeout  = 30 * time.Second
	DefaultMaxRetries       = 5
	DefaultBaseDelay        = time.Second
	DefaultMaxDelay         = 5 * time.Minute
	DefaultJitterFraction   = 0.2
)

// Validate checks if the source configuration is valid
func (s *Source) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("source name cannot be empty")
	}
	if s.Secret == "" {
		return fmt.Errorf("secret cannot be empty for source %s", s.Name)
	}
	if s.RateLimit.Capacity < 1 {
		return fmt.Errorf("rate_limit.capacity must be at least 1 for source %s", s.Name)
	}
	if s.RateLimit.RefillRate <= 0 {
		return fmt.Errorf("rate_limit.refill_rate must be positive for source %s", s.Name)
	}
	if s.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be at least 1 for source %s", s.Name)
	}
	if s.CircuitBreaker.TrackingWindow <= 0 {
		return fmt.Errorf("circuit_breaker.tracking_window must be positive for source %s", s.Name)
	}
	if s.CircuitBreaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("circuit_breaker.recovery_timeout must be positive for source %s", s.Name)
	}
	if s.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries cannot be negative for source %s", s.Name)
	}
	if s.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry.base_delay must be positive for source %s", s.Name)
	}
	if s.Retry.MaxDelay < s.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay must be at least base_delay for source %s", s.Name)
	}
	if s.Retry.JitterFraction < 0 || s.Retry.JitterFraction >= 1 {
		return fmt.Errorf("retry.jitter_fraction must be in [0, 1) for source %s", s.Name)
	}
	for eventType, priority := range s.PriorityMap {
		if err := validateEventType(eventType); err != nil {
			return fmt.Errorf("invalid event_type %q for source %s: %w", eventType, s.Name, err)
		}
		if err := priority.Validate(); err != nil {
			return fmt.Errorf("invalid priority for event_type %q of source %s: %w", eventType, s.Name, err)
		}
	}
	return nil
}

/* PriorityFor resolves the priority of an event type against the source's
 * priority map. Exact entries win over wildcard entries ("invoice.*"),
 * unmapped event types default to Normal
 */
func (s *Source) PriorityFor(eventType string) event.Priority {
	if p, ok := s.PriorityMap[eventType]; ok {
		return p
	}
	for pattern, p := range s.PriorityMap {
		if matchesWildcard(pattern, eventType) {
			return p
		}
	}
	return event.Normal
}

// matchesWildcard reports whether eventType falls under a "prefix.*" pattern
func matchesWildcard(pattern, eventType string) bool {
	if !strings.HasSuffix(pattern, ".*") {
		return false
	}
	prefix := pattern[:len(pattern)-2]
	return len(eventType) > len(prefix)+1 &&
		strings.HasPrefix(eventType, prefix) &&
		eventType[len(prefix)] == '.'
}

func validateEventType(eventType string) error {
	if eventType == "" {
		return fmt.Errorf("event type cannot be empty")
	}
	check := eventType
	if strings.HasSuffix(check, ".*") {
		check = check[:len(check)-2]
	}
	for _, r := range check {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.':
		default:
			return fmt.Errorf("event type must contain only [a-zA-Z0-9_.]: %s", eventType)
		}
	}
	return nil
}
