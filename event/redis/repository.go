package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/hookgate/hookgate/event"
	"github.com/redis/go-redis/v9"
)

/* Redis implementation of event.Repository
 * Uses Redis Hashes for event metadata and dead letter records,
 * Lists for the append-only attempt trail, and one Sorted Set per priority
 * for the retry queue, scored by the scheduled redelivery time.
 * A secondary hash indexes retry entries by event_id for idempotency checks
 */

const (
	eventPrefix      = "event"        // Hash: event:{event_id}
	attemptsSuffix   = "attempts"     // List: event:{event_id}:attempts
	retryQueuePrefix = "retryq"       // ZSET per priority: retryq:{priority}
	retryIndexKey    = "retryq:index" // Hash: event_id -> retry entry JSON
	deadLetterPrefix = "deadletter"   // Hash: deadletter:{event_id}
	deadLetterSetKey = "deadletters"  // Set of dead-lettered event IDs
)

type Repository struct {
	client *redis.Client
}

// NewRepository creates a new Redis repository
func NewRepository(addr, password string, db int) (*Repository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to Redis: %w", err)
	}

	return &Repository{client: client}, nil
}

// NewRepositoryWithClient wraps an existing client, used by tests
func NewRepositoryWithClient(client *redis.Client) *Repository {
	return &Repository{client: client}
}

// Store persists event metadata in a hash
func (r *Repository) Store(ctx context.Context, ev event.Event) error {
	headersJSON, err := json.Marshal(ev.Headers)
	if err != nil {
		return fmt.Errorf("marshaling headers: %w", err)
	}

	err = r.client.HSet(ctx, eventKey(ev.ID), map[string]interface{}{
		"id":            ev.ID,
		"source":        ev.Source,
		"event_type":    ev.EventType,
		"payload":       ev.Payload,
		"headers":       string(headersJSON),
		"signature":     ev.Signature,
		"priority":      ev.Priority.String(),
		"status":        ev.Status.String(),
		"attempt_count": ev.AttemptCount,
		"received_at":   ev.ReceivedAt.UnixNano(),
		"updated_at":    ev.UpdatedAt.UnixNano(),
	}).Err()
	if err != nil {
		return fmt.Errorf("storing event: %w", err)
	}
	return nil
}

// Get retrieves an event by ID
func (r *Repository) Get(ctx context.Context, id string) (event.Event, error) {
	data, err := r.client.HGetAll(ctx, eventKey(id)).Result()
	if err != nil {
		return event.Event{}, fmt.Errorf("getting event: %w", err)
	}
	if len(data) == 0 {
		return event.Event{}, fmt.Errorf("event %s: %w", id, event.ErrNotFound)
	}

	headers := make(map[string]string)
	if headersStr, ok := data["headers"]; ok && headersStr != "" {
		if err := json.Unmarshal([]byte(headersStr), &headers); err != nil {
			return event.Event{}, fmt.Errorf("unmarshaling headers: %w", err)
		}
	}

	return event.Event{
		ID:           data["id"],
		Source:       data["source"],
		EventType:    data["event_type"],
		Payload:      []byte(data["payload"]),
		Headers:      headers,
		Signature:    data["signature"],
		Priority:     event.NewPriority(data["priority"]),
		Status:       event.NewStatus(data["status"]),
		AttemptCount: int(parseInt64(data["attempt_count"])),
		ReceivedAt:   time.Unix(0, parseInt64(data["received_at"])),
		UpdatedAt:    time.Unix(0, parseInt64(data["updated_at"])),
	}, nil
}

// UpdateStatus updates the status of an event
func (r *Repository) UpdateStatus(ctx context.Context, id string, status event.Status) error {
	err := r.client.HSet(ctx, eventKey(id), map[string]interface{}{
		"status":     status.String(),
		"updated_at": time.Now().UnixNano(),
	}).Err()
	if err != nil {
		return fmt.Errorf("updating status: %w", err)
	}
	return nil
}

// AppendAttempt records one delivery attempt and bumps the attempt count
func (r *Repository) AppendAttempt(ctx context.Context, at event.Attempt) error {
	data, err := json.Marshal(at)
	if err != nil {
		return fmt.Errorf("marshaling attempt: %w", err)
	}

	if err := r.client.RPush(ctx, attemptsKey(at.EventID), data).Err(); err != nil {
		return fmt.Errorf("appending attempt: %w", err)
	}
	if err := r.client.HIncrBy(ctx, eventKey(at.EventID), "attempt_count", 1).Err(); err != nil {
		return fmt.Errorf("incrementing attempt count: %w", err)
	}
	return nil
}

// ResetAttempts zeroes the stored attempt count
func (r *Repository) ResetAttempts(ctx context.Context, id string) error {
	err := r.client.HSet(ctx, eventKey(id), map[string]interface{}{
		"attempt_count": 0,
		"updated_at":    time.Now().UnixNano(),
	}).Err()
	if err != nil {
		return fmt.Errorf("resetting attempt count: %w", err)
	}
	return nil
}

// Attempts returns the full delivery attempt trail for an event
func (r *Repository) Attempts(ctx context.Context, id string) ([]event.Attempt, error) {
	raw, err := r.client.LRange(ctx, attemptsKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing attempts: %w", err)
	}

	attempts := make([]event.Attempt, 0, len(raw))
	for _, item := range raw {
		var at event.Attempt
		if err := json.Unmarshal([]byte(item), &at); err != nil {
			return nil, fmt.Errorf("unmarshaling attempt: %w", err)
		}
		attempts = append(attempts, at)
	}
	return attempts, nil
}

// SetTTL sets an expiration on an event and its attempt trail
func (r *Repository) SetTTL(ctx context.Context, id string, ttl time.Duration) error {
	if err := r.client.Expire(ctx, eventKey(id), ttl).Err(); err != nil {
		return fmt.Errorf("setting TTL on event: %w", err)
	}
	r.client.Expire(ctx, attemptsKey(id), ttl)
	return nil
}

/* Enqueue adds a retry entry to its priority queue
 * The index hash is written first so PendingRetry never misses an entry the
 * queue already holds
 */
func (r *Repository) Enqueue(ctx context.Context, entry event.RetryEntry) error {
	data, err := json.Marshal(retryRecord{
		EventID:      entry.EventID,
		Source:       entry.Source,
		Priority:     entry.Priority.String(),
		AttemptCount: entry.AttemptCount,
		Delay:        entry.Delay,
	})
	if err != nil {
		return fmt.Errorf("marshaling retry entry: %w", err)
	}

	if err := r.client.HSet(ctx, retryIndexKey, entry.EventID, data).Err(); err != nil {
		return fmt.Errorf("indexing retry entry: %w", err)
	}
	err = r.client.ZAdd(ctx, retryQueueKey(entry.Priority), redis.Z{
		Score:  float64(entry.NextAttemptAt.UnixNano()),
		Member: entry.EventID,
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueueing retry entry: %w", err)
	}
	return nil
}

/* DequeueReady removes and returns entries due at or before now
 * Priorities are scanned critical first; within one priority the sorted set
 * yields entries in scheduled-time order
 */
func (r *Repository) DequeueReady(ctx context.Context, now time.Time, max int) ([]event.RetryEntry, error) {
	var ready []event.RetryEntry
	maxScore := strconv.FormatInt(now.UnixNano(), 10)

	for _, priority := range event.Priorities {
		if len(ready) >= max {
			break
		}
		key := retryQueueKey(priority)

		members, err := r.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   maxScore,
			Count: int64(max - len(ready)),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning %s retry queue: %w", priority, err)
		}

		for _, member := range members {
			eventID, ok := member.Member.(string)
			if !ok {
				continue
			}
			// Remove before handing out; a crash here means the entry is
			// redelivered by the provider, not lost silently by us
			removed, err := r.client.ZRem(ctx, key, eventID).Result()
			if err != nil {
				return nil, fmt.Errorf("removing ready entry: %w", err)
			}
			if removed == 0 {
				// Claimed by a concurrent drain cycle
				continue
			}

			entry, err := r.lookupRetryRecord(ctx, eventID)
			if err != nil {
				return nil, err
			}
			entry.NextAttemptAt = time.Unix(0, int64(member.Score))
			r.client.HDel(ctx, retryIndexKey, eventID)
			ready = append(ready, entry)
		}
	}
	return ready, nil
}

// RemoveRetry removes an event's retry entry from all priority queues
func (r *Repository) RemoveRetry(ctx context.Context, eventID string) error {
	for _, priority := range event.Priorities {
		if err := r.client.ZRem(ctx, retryQueueKey(priority), eventID).Err(); err != nil {
			return fmt.Errorf("removing retry entry: %w", err)
		}
	}
	if err := r.client.HDel(ctx, retryIndexKey, eventID).Err(); err != nil {
		return fmt.Errorf("removing retry index: %w", err)
	}
	return nil
}

// PendingRetry reports whether an event has an outstanding retry entry
func (r *Repository) PendingRetry(ctx context.Context, eventID string) (bool, error) {
	exists, err := r.client.HExists(ctx, retryIndexKey, eventID).Result()
	if err != nil {
		return false, fmt.Errorf("checking retry index: %w", err)
	}
	return exists, nil
}

// RetryDepth returns the number of pending entries per priority
func (r *Repository) RetryDepth(ctx context.Context) (map[event.Priority]int64, error) {
	depth := make(map[event.Priority]int64, len(event.Priorities))
	for _, priority := range event.Priorities {
		count, err := r.client.ZCard(ctx, retryQueueKey(priority)).Result()
		if err != nil {
			return nil, fmt.Errorf("counting %s retry queue: %w", priority, err)
		}
		depth[priority] = count
	}
	return depth, nil
}

// MoveIn stores a dead letter record
func (r *Repository) MoveIn(ctx context.Context, dl event.DeadLetter) error {
	err := r.client.HSet(ctx, deadLetterKey(dl.EventID), map[string]interface{}{
		"event_id":    dl.EventID,
		"source":      dl.Source,
		"event_type":  dl.EventType,
		"reason":      dl.Reason,
		"final_error": dl.FinalError,
		"moved_at":    dl.MovedAt.UnixNano(),
		"archived":    strconv.FormatBool(dl.Archived),
	}).Err()
	if err != nil {
		return fmt.Errorf("storing dead letter: %w", err)
	}
	if err := r.client.SAdd(ctx, deadLetterSetKey, dl.EventID).Err(); err != nil {
		return fmt.Errorf("indexing dead letter: %w", err)
	}
	return nil
}

// GetDeadLetter retrieves a dead letter record by event ID
func (r *Repository) GetDeadLetter(ctx context.Context, eventID string) (event.DeadLetter, error) {
	data, err := r.client.HGetAll(ctx, deadLetterKey(eventID)).Result()
	if err != nil {
		return event.DeadLetter{}, fmt.Errorf("getting dead letter: %w", err)
	}
	if len(data) == 0 {
		return event.DeadLetter{}, fmt.Errorf("dead letter %s: %w", eventID, event.ErrNotFound)
	}
	return decodeDeadLetter(data), nil
}

// ListDeadLetters returns dead letters matching the filter, newest first
func (r *Repository) ListDeadLetters(ctx context.Context, filter event.DeadLetterFilter) ([]event.DeadLetter, error) {
	ids, err := r.client.SMembers(ctx, deadLetterSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}

	entries := make([]event.DeadLetter, 0, len(ids))
	for _, id := range ids {
		data, err := r.client.HGetAll(ctx, deadLetterKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("getting dead letter %s: %w", id, err)
		}
		if len(data) == 0 {
			continue
		}
		dl := decodeDeadLetter(data)
		if filter.Source != "" && dl.Source != filter.Source {
			continue
		}
		if filter.Reason != "" && dl.Reason != filter.Reason {
			continue
		}
		if !filter.IncludeArchived && dl.Archived {
			continue
		}
		entries = append(entries, dl)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].MovedAt.After(entries[j].MovedAt)
	})
	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}
	return entries, nil
}

// RemoveDeadLetter deletes a dead letter record and its index entry
func (r *Repository) RemoveDeadLetter(ctx context.Context, eventID string) error {
	if err := r.client.Del(ctx, deadLetterKey(eventID)).Err(); err != nil {
		return fmt.Errorf("deleting dead letter: %w", err)
	}
	if err := r.client.SRem(ctx, deadLetterSetKey, eventID).Err(); err != nil {
		return fmt.Errorf("unindexing dead letter: %w", err)
	}
	return nil
}

// ArchiveDeadLetter flags a dead letter as handled
func (r *Repository) ArchiveDeadLetter(ctx context.Context, eventID string) error {
	exists, err := r.client.Exists(ctx, deadLetterKey(eventID)).Result()
	if err != nil {
		return fmt.Errorf("checking dead letter: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("dead letter %s: %w", eventID, event.ErrNotFound)
	}
	if err := r.client.HSet(ctx, deadLetterKey(eventID), "archived", "true").Err(); err != nil {
		return fmt.Errorf("archiving dead letter: %w", err)
	}
	return nil
}

// InDeadLetters reports whether an event has a dead letter record
func (r *Repository) InDeadLetters(ctx context.Context, eventID string) (bool, error) {
	exists, err := r.client.SIsMember(ctx, deadLetterSetKey, eventID).Result()
	if err != nil {
		return false, fmt.Errorf("checking dead letters: %w", err)
	}
	return exists, nil
}

// DeadLetterCount returns the total number of dead letter records
func (r *Repository) DeadLetterCount(ctx context.Context) (int64, error) {
	count, err := r.client.SCard(ctx, deadLetterSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("counting dead letters: %w", err)
	}
	return count, nil
}

// Close closes the Redis connection
func (r *Repository) Close(ctx context.Context) error {
	return r.client.Close()
}

// GetClient returns the underlying Redis client for advanced operations
func (r *Repository) GetClient() *redis.Client {
	return r.client
}

// Helper functions

// retryRecord is the index-hash encoding of a retry entry
type retryRecord struct {
	EventID      string        `json:"event_id"`
	Source       string        `json:"source"`
	Priority     string        `json:"priority"`
	AttemptCount int           `json:"attempt_count"`
	Delay        time.Duration `json:"delay"`
}

func (r *Repository) lookupRetryRecord(ctx context.Context, eventID string) (event.RetryEntry, error) {
	raw, err := r.client.HGet(ctx, retryIndexKey, eventID).Result()
	if err == redis.Nil {
		// Queue member without index: treat as a normal-priority orphan
		return event.RetryEntry{EventID: eventID, Priority: event.Normal}, nil
	}
	if err != nil {
		return event.RetryEntry{}, fmt.Errorf("reading retry index: %w", err)
	}

	var rec retryRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return event.RetryEntry{}, fmt.Errorf("unmarshaling retry entry: %w", err)
	}
	return event.RetryEntry{
		EventID:      rec.EventID,
		Source:       rec.Source,
		Priority:     event.NewPriority(rec.Priority),
		AttemptCount: rec.AttemptCount,
		Delay:        rec.Delay,
	}, nil
}

func decodeDeadLetter(data map[string]string) event.DeadLetter {
	return event.DeadLetter{
		EventID:    data["event_id"],
		Source:     data["source"],
		EventType:  data["event_type"],
		Reason:     data["reason"],
		FinalError: data["final_error"],
		MovedAt:    time.Unix(0, parseInt64(data["moved_at"])),
		Archived:   data["archived"] == "true",
	}
}

func eventKey(id string) string {
	return fmt.Sprintf("%s:%s", eventPrefix, id)
}

func attemptsKey(id string) string {
	return fmt.Sprintf("%s:%s:%s", eventPrefix, id, attemptsSuffix)
}

func retryQueueKey(p event.Priority) string {
	return fmt.Sprintf("%s:%s", retryQueuePrefix, p.String())
}

func deadLetterKey(id string) string {
	return fmt.Sprintf("%s:%s", deadLetterPrefix, id)
}

func parseInt64(s string) int64 {
	var result int64
	fmt.Sscanf(s, "%d", &result)
	return result
}
