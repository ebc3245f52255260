package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hookgate/hookgate/event"
	"github.com/redis/go-redis/v9"
)

// RedisCollector implements the Collector interface over the Redis store
type RedisCollector struct {
	client *redis.Client
	repo   event.Repository
}

// NewRedisCollector creates a new Redis metrics collector
func NewRedisCollector(client *redis.Client, repo event.Repository) *RedisCollector {
	return &RedisCollector{
		client: client,
		repo:   repo,
	}
}

// Collect gathers all metrics from Redis
func (c *RedisCollector) Collect(ctx context.Context) (Metrics, error) {
	retryDepths, err := c.GetRetryDepths(ctx)
	if err != nil {
		return Metrics{}, fmt.Errorf("getting retry depths: %w", err)
	}

	statusCounts, err := c.GetStatusCounts(ctx)
	if err != nil {
		return Metrics{}, fmt.Errorf("getting status counts: %w", err)
	}

	deadLetters, err := c.GetDeadLetterCount(ctx)
	if err != nil {
		return Metrics{}, fmt.Errorf("getting dead letter count: %w", err)
	}

	throughput, err := c.GetThroughput(ctx)
	if err != nil {
		return Metrics{}, fmt.Errorf("getting throughput: %w", err)
	}

	return Metrics{
		RetryDepths:     retryDepths,
		StatusCounts:    statusCounts,
		DeadLetterCount: deadLetters,
		Throughput:      throughput,
		Timestamp:       time.Now(),
	}, nil
}

// GetRetryDepths returns the number of pending retries in each priority queue
func (c *RedisCollector) GetRetryDepths(ctx context.Context) (map[string]int64, error) {
	depths, err := c.repo.RetryDepth(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading retry depths: %w", err)
	}

	named := make(map[string]int64, len(depths))
	for priority, depth := range depths {
		named[priority.String()] = depth
	}
	return named, nil
}

// GetStatusCounts returns counts of events grouped by status
func (c *RedisCollector) GetStatusCounts(ctx context.Context) (map[string]int64, error) {
	statusCounts := map[string]int64{
		"validated":           0,
		"dispatching":         0,
		"completed":           0,
		"scheduled_for_retry": 0,
		"retrying":            0,
		"dead_lettered":       0,
	}

	eventKeys, err := c.scanEventKeys(ctx)
	if err != nil {
		return nil, err
	}
	if len(eventKeys) == 0 {
		return statusCounts, nil
	}

	// Pipeline the reads rather than one round trip per key
	pipe := c.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(eventKeys))
	for i, key := range eventKeys {
		cmds[i] = pipe.HMGet(ctx, key, "status")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("executing pipeline: %w", err)
	}

	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}
		status, ok := data[0].(string)
		if !ok {
			continue
		}
		if _, exists := statusCounts[status]; exists {
			statusCounts[status]++
		}
	}

	return statusCounts, nil
}

// GetDeadLetterCount returns the size of the dead letter store
func (c *RedisCollector) GetDeadLetterCount(ctx context.Context) (int64, error) {
	count, err := c.repo.DeadLetterCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading dead letter count: %w", err)
	}
	return count, nil
}

// GetThroughput calculates events completed over different time windows
func (c *RedisCollector) GetThroughput(ctx context.Context) (ThroughputMetrics, error) {
	now := time.Now()
	oneMinuteAgo := now.Add(-1 * time.Minute).UnixNano()
	fiveMinutesAgo := now.Add(-5 * time.Minute).UnixNano()
	fifteenMinutesAgo := now.Add(-15 * time.Minute).UnixNano()

	var lastMinute, lastFiveMinutes, lastFifteenMinutes int64

	eventKeys, err := c.scanEventKeys(ctx)
	if err != nil {
		return ThroughputMetrics{}, err
	}

	for _, key := range eventKeys {
		data, err := c.client.HMGet(ctx, key, "status", "updated_at").Result()
		if err != nil || len(data) < 2 {
			continue
		}

		status, ok1 := data[0].(string)
		updatedAtStr, ok2 := data[1].(string)
		if !ok1 || !ok2 || status != event.Completed.String() {
			continue
		}

		var updatedAt int64
		fmt.Sscanf(updatedAtStr, "%d", &updatedAt)

		if updatedAt >= fifteenMinutesAgo {
			lastFifteenMinutes++
			if updatedAt >= fiveMinutesAgo {
				lastFiveMinutes++
				if updatedAt >= oneMinuteAgo {
					lastMinute++
				}
			}
		}
	}

	return ThroughputMetrics{
		LastMinute:         lastMinute,
		LastFiveMinutes:    lastFiveMinutes,
		LastFifteenMinutes: lastFifteenMinutes,
	}, nil
}

// scanEventKeys returns all event:* hash keys, skipping attempt lists
func (c *RedisCollector) scanEventKeys(ctx context.Context) ([]string, error) {
	var cursor uint64
	var keys []string

	for {
		scanKeys, nextCursor, err := c.client.Scan(ctx, cursor, "event:*", 1000).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning event keys: %w", err)
		}

		for _, key := range scanKeys {
			if strings.HasSuffix(key, ":attempts") {
				continue
			}
			keys = append(keys, key)
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	return keys, nil
}
