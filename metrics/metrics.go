package metrics

import (
	"context"
	"time"
)

// Metrics represents the current state of the ingestion subsystem.
type Metrics struct {
	// RetryDepths maps priority name to the number of pending retries
	RetryDepths map[string]int64 `json:"retry_depths"`

	// StatusCounts maps status name to count of events in that status
	StatusCounts map[string]int64 `json:"status_counts"`

	// DeadLetterCount is the number of events in the dead letter store
	DeadLetterCount int64 `json:"dead_letter_count"`

	// Throughput represents events completed per time window
	Throughput ThroughputMetrics `json:"throughput"`

	// Timestamp when metrics were collected
	Timestamp time.Time `json:"timestamp"`
}

// ThroughputMetrics represents events completed over different time windows.
type ThroughputMetrics struct {
	// LastMinute is events completed in the last 1 minute
	LastMinute int64 `json:"last_minute"`

	// LastFiveMinutes is events completed in the last 5 minutes
	LastFiveMinutes int64 `json:"last_five_minutes"`

	// LastFifteenMinutes is events completed in the last 15 minutes
	LastFifteenMinutes int64 `json:"last_fifteen_minutes"`
}

// Collector defines the interface for collecting metrics from the subsystem.
type Collector interface {
	// Collect gathers current metrics from the system
	Collect(ctx context.Context) (Metrics, error)

	// GetRetryDepths returns the number of pending retries per priority
	GetRetryDepths(ctx context.Context) (map[string]int64, error)

	// GetStatusCounts returns the count of events by status
	GetStatusCounts(ctx context.Context) (map[string]int64, error)

	// GetDeadLetterCount returns the size of the dead letter store
	GetDeadLetterCount(ctx context.Context) (int64, error)

	// GetThroughput returns events completed over time windows
	GetThroughput(ctx context.Context) (ThroughputMetrics, error)
}
