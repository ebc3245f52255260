package health

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hookgate/hookgate/event"
)

/* Rolling per-source delivery statistics
 * Every delivery outcome lands here regardless of classification; the monitor
 * derives a health status per source and emits deduplicated alert intents for
 * an external notification transport to deliver
 */

// Level is the derived health of one source
type Level int

const (
	Healthy Level = iota + 1
	Degraded
	Critical
)

// String returns the string representation of the level
func (l Level) String() string {
	switch l {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// Validate checks if the level is valid
func (l Level) Validate() error {
	if l < Healthy || l > Critical {
		return fmt.Errorf("invalid level: %d", l)
	}
	return nil
}

// Snapshot is the rolling-window view of one source
type Snapshot struct {
	Source       string        `json:"source"`
	SuccessCount int           `json:"success_count"`
	FailureCount int           `json:"failure_count"`
	SuccessRate  float64       `json:"success_rate"`
	P95Latency   time.Duration `json:"p95_latency"`
	WindowStart  time.Time     `json:"window_start"`
	Level        Level         `json:"level"`
}

// AlertIntent is a structured alert record for external transport
type AlertIntent struct {
	Source      string    `json:"source"`
	Severity    Level     `json:"severity"`
	Message     string    `json:"message"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// Thresholds derive a Level from the rolling window
type Thresholds struct {
	Window              time.Duration // rolling window size
	DegradedSuccessRate float64       // below this is degraded
	CriticalSuccessRate float64       // below this is critical
	DegradedP95         time.Duration // above this is degraded
	MinSamples          int           // below this the source is healthy by default
}

// DefaultThresholds are reasonable production defaults
func DefaultThresholds() Thresholds {
	return Thresholds{
		Window:              5 * time.Minute,
		DegradedSuccessRate: 0.9,
		CriticalSuccessRate: 0.5,
		DegradedP95:         5 * time.Second,
		MinSamples:          5,
	}
}

type sample struct {
	at      time.Time
	success bool
	latency time.Duration
}

type window struct {
	mu      sync.Mutex
	samples []sample
}

// Monitor tracks rolling statistics per source
type Monitor struct {
	thresholds Thresholds
	now        func() time.Time

	mu      sync.Mutex
	windows map[string]*window

	alertMu sync.Mutex
	active  map[string]Level // currently firing alerts, for dedup
}

// Option configures the monitor
type Option func(*Monitor)

// WithClock injects the time source, used by tests
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// NewMonitor creates a monitor with the given thresholds
func NewMonitor(thresholds Thresholds, opts ...Option) *Monitor {
	m := &Monitor{
		thresholds: thresholds,
		now:        time.Now,
		windows:    make(map[string]*window),
		active:     make(map[string]Level),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Record feeds one delivery outcome into the source's rolling window
func (m *Monitor) Record(source string, result event.Result, latency time.Duration) {
	w := m.windowFor(source)

	w.mu.Lock()
	defer w.mu.Unlock()
	now := m.now()
	w.samples = append(w.samples, sample{
		at:      now,
		success: result == event.Success,
		latency: latency,
	})
	w.trim(now.Add(-m.thresholds.Window))
}

// Status derives the current health level for a source
func (m *Monitor) Status(source string) Level {
	return m.Snapshot(source).Level
}

// Snapshot returns the rolling-window view for a source
func (m *Monitor) Snapshot(source string) Snapshot {
	w := m.windowFor(source)

	w.mu.Lock()
	defer w.mu.Unlock()
	now := m.now()
	windowStart := now.Add(-m.thresholds.Window)
	w.trim(windowStart)

	snap := Snapshot{
		Source:      source,
		WindowStart: windowStart,
		Level:       Healthy,
	}
	latencies := make([]time.Duration, 0, len(w.samples))
	for _, s := range w.samples {
		if s.success {
			snap.SuccessCount++
		} else {
			snap.FailureCount++
		}
		latencies = append(latencies, s.latency)
	}

	total := snap.SuccessCount + snap.FailureCount
	if total == 0 {
		snap.SuccessRate = 1
		return snap
	}
	snap.SuccessRate = float64(snap.SuccessCount) / float64(total)
	snap.P95Latency = p95(latencies)

	if total < m.thresholds.MinSamples {
		return snap
	}
	switch {
	case snap.SuccessRate < m.thresholds.CriticalSuccessRate:
		snap.Level = Critical
	case snap.SuccessRate < m.thresholds.DegradedSuccessRate || snap.P95Latency > m.thresholds.DegradedP95:
		snap.Level = Degraded
	}
	return snap
}

/* AlertsDue returns the alert intents that should fire now
 * An alert that is already active for a source is not re-emitted until the
 * source clears (returns to healthy) and trips again
 */
func (m *Monitor) AlertsDue() []AlertIntent {
	m.mu.Lock()
	names := make([]string, 0, len(m.windows))
	for name := range m.windows {
		names = append(names, name)
	}
	m.mu.Unlock()
	sort.Strings(names)

	m.alertMu.Lock()
	defer m.alertMu.Unlock()

	var due []AlertIntent
	for _, source := range names {
		snap := m.Snapshot(source)
		if snap.Level == Healthy {
			delete(m.active, source)
			continue
		}
		if active, ok := m.active[source]; ok && active == snap.Level {
			continue
		}
		m.active[source] = snap.Level
		due = append(due, AlertIntent{
			Source:   source,
			Severity: snap.Level,
			Message: fmt.Sprintf("source %s is %s: success rate %.0f%%, p95 latency %s",
				source, snap.Level, snap.SuccessRate*100, snap.P95Latency),
			TriggeredAt: m.now(),
		})
	}
	return due
}

func (m *Monitor) windowFor(source string) *window {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, exists := m.windows[source]
	if !exists {
		w = &window{}
		m.windows[source] = w
	}
	return w
}

// trim drops samples older than the window start; caller holds w.mu
func (w *window) trim(cutoff time.Time) {
	firstValid := 0
	for firstValid < len(w.samples) && w.samples[firstValid].at.Before(cutoff) {
		firstValid++
	}
	if firstValid > 0 {
		w.samples = append(w.samples[:0], w.samples[firstValid:]...)
	}
}

func p95(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (len(sorted)*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}
