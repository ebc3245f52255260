package sources

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hookgate/hookgate/event"
	"gopkg.in/yaml.v3"
)

/* Loader manages source configuration from sources.yaml
 * Provides in-memory lookup for fast access on the hot ingestion path
 * Guarded by a RWMutex because the admin API can adjust policies at runtime
 */

// Config represents the structure of sources.yaml
type Config struct {
	Sources []SourceConfig `yaml:"sources"`
}

// SourceConfig represents a single source in the YAML file
type SourceConfig struct {
	Name           string            `yaml:"name"`
	Secret         string            `yaml:"secret"`
	Scheme         string            `yaml:"scheme"`
	RateLimit      RateLimitConfig   `yaml:"rate_limit"`
	CircuitBreaker BreakerConfig     `yaml:"circuit_breaker"`
	Retry          RetryConfig       `yaml:"retry"`
	PriorityMap    map[string]string `yaml:"priority_map"`
}

type RateLimitConfig struct {
	Capacity   int     `yaml:"capacity"`
	RefillRate float64 `yaml:"refill_rate"`
}

type BreakerConfig struct {
	FailureThreshold int    `yaml:"failure_threshold"`
	TrackingWindow   string `yaml:"tracking_window"`  // e.g. "1m"
	RecoveryTimeout  string `yaml:"recovery_timeout"` // e.g. "30s"
}

type RetryConfig struct {
	MaxRetries     int     `yaml:"max_retries"`
	BaseDelay      string  `yaml:"base_delay"` // e.g. "1s"
	MaxDelay       string  `yaml:"max_delay"`  // e.g. "5m"
	JitterFraction float64 `yaml:"jitter_fraction"`
}

// Loader holds the loaded sources
type Loader struct {
	mu      sync.RWMutex
	sources map[string]*Source
}

// NewLoader creates a new source loader
func NewLoader() *Loader {
	return &Loader{
		sources: make(map[string]*Source),
	}
}

// Load reads and parses the sources.yaml file
func (l *Loader) Load(filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("reading sources file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("parsing sources YAML: %w", err)
	}

	loaded := make(map[string]*Source, len(config.Sources))
	for _, sc := range config.Sources {
		source, err := sc.toSource()
		if err != nil {
			return fmt.Errorf("building source %q: %w", sc.Name, err)
		}
		if err := source.Validate(); err != nil {
			return fmt.Errorf("validating source: %w", err)
		}
		loaded[source.Name] = source
	}

	l.mu.Lock()
	l.sources = loaded
	l.mu.Unlock()
	return nil
}

func (sc SourceConfig) toSource() (*Source, error) {
	scheme := sc.Scheme
	if scheme == "" {
		scheme = "hmac-sha256"
	}

	capacity := sc.RateLimit.Capacity
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	refillRate := sc.RateLimit.RefillRate
	if refillRate == 0 {
		refillRate = DefaultRefillRate
	}

	threshold := sc.CircuitBreaker.FailureThreshold
	if threshold == 0 {
		threshold = DefaultFailureThreshold
	}
	window, err := parseDuration(sc.CircuitBreaker.TrackingWindow, DefaultTrackingWindow)
	if err != nil {
		return nil, fmt.Errorf("parsing tracking_window: %w", err)
	}
	recovery, err := parseDuration(sc.CircuitBreaker.RecoveryTimeout, DefaultRecoveryTimeout)
	if err != nil {
		return nil, fmt.Errorf("parsing recovery_timeout: %w", err)
	}

	maxRetries := sc.Retry.MaxRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}
	baseDelay, err := parseDuration(sc.Retry.BaseDelay, DefaultBaseDelay)
	if err != nil {
		return nil, fmt.Errorf("parsing base_delay: %w", err)
	}
	maxDelay, err := parseDuration(sc.Retry.MaxDelay, DefaultMaxDelay)
	if err != nil {
		return nil, fmt.Errorf("parsing max_delay: %w", err)
	}
	jitter := sc.Retry.JitterFraction
	if jitter == 0 {
		jitter = DefaultJitterFraction
	}

	priorityMap := make(map[string]event.Priority, len(sc.PriorityMap))
	for eventType, name := range sc.PriorityMap {
		priorityMap[eventType] = event.NewPriority(name)
	}

	return &Source{
		Name:   sc.Name,
		Secret: sc.Secret,
		Scheme: scheme,
		RateLimit: RateLimitPolicy{
			Capacity:   capacity,
			RefillRate: refillRate,
		},
		CircuitBreaker: BreakerPolicy{
			FailureThreshold: threshold,
			TrackingWindow:   window,
			RecoveryTimeout:  recovery,
		},
		Retry: RetryPolicy{
			MaxRetries:     maxRetries,
			BaseDelay:      baseDelay,
			MaxDelay:       maxDelay,
			JitterFraction: jitter,
		},
		PriorityMap: priorityMap,
	}, nil
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// Get retrieves a source by name
func (l *Loader) Get(name string) (*Source, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	source, exists := l.sources[name]
	if !exists {
		return nil, fmt.Errorf("source not found: %s", name)
	}
	return source, nil
}

// List returns all loaded sources
func (l *Loader) List() []*Source {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sources := make([]*Source, 0, len(l.sources))
	for _, source := range l.sources {
		sources = append(sources, source)
	}
	return sources
}

// Exists checks if a source name exists
func (l *Loader) Exists(name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, exists := l.sources[name]
	return exists
}

/* Update replaces a source's policies at runtime
 * The replacement is validated before it becomes visible; admission
 * components pick up the new thresholds on their next lookup
 */
func (l *Loader) Update(updated *Source) error {
	if err := updated.Validate(); err != nil {
		return fmt.Errorf("validating source update: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.sources[updated.Name]; !exists {
		return fmt.Errorf("source not found: %s", updated.Name)
	}
	l.sources[updated.Name] = updated
	return nil
}
