package redis_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hookgate/hookgate/event"
	eventredis "github.com/hookgate/hookgate/event/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRepository(t *testing.T) *eventredis.Repository {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return eventredis.NewRepositoryWithClient(client)
}

func testEvent(id string) event.Event {
	return event.Event{
		ID:           id,
		Source:       "stripe",
		EventType:    "invoice.paid",
		Payload:      []byte(`{"id":"in_123"}`),
		Headers:      map[string]string{"Content-Type": "application/json"},
		Signature:    "sha256=abc",
		Priority:     event.High,
		Status:       event.Validated,
		AttemptCount: 0,
		ReceivedAt:   time.Unix(1700000000, 0),
		UpdatedAt:    time.Unix(1700000000, 0),
	}
}

func TestRepository_Events(t *testing.T) {
	ctx := context.Background()

	t.Run("store and get round-trip", func(t *testing.T) {
		repo := setupRepository(t)

		require.NoError(t, repo.Store(ctx, testEvent("evt-1")))

		got, err := repo.Get(ctx, "evt-1")
		require.NoError(t, err)
		assert.Equal(t, "stripe", got.Source)
		assert.Equal(t, "invoice.paid", got.EventType)
		assert.Equal(t, []byte(`{"id":"in_123"}`), got.Payload)
		assert.Equal(t, "application/json", got.Headers["Content-Type"])
		assert.Equal(t, event.High, got.Priority)
		assert.Equal(t, event.Validated, got.Status)
		assert.True(t, got.ReceivedAt.Equal(time.Unix(1700000000, 0)))
	})

	t.Run("get missing event", func(t *testing.T) {
		repo := setupRepository(t)

		_, err := repo.Get(ctx, "nope")
		require.Error(t, err)
		assert.True(t, errors.Is(err, event.ErrNotFound))
	})

	t.Run("update status", func(t *testing.T) {
		repo := setupRepository(t)
		require.NoError(t, repo.Store(ctx, testEvent("evt-1")))

		require.NoError(t, repo.UpdateStatus(ctx, "evt-1", event.Completed))

		got, err := repo.Get(ctx, "evt-1")
		require.NoError(t, err)
		assert.Equal(t, event.Completed, got.Status)
	})

	t.Run("append attempt bumps count", func(t *testing.T) {
		repo := setupRepository(t)
		require.NoError(t, repo.Store(ctx, testEvent("evt-1")))

		require.NoError(t, repo.AppendAttempt(ctx, event.Attempt{
			ID:            "att-1",
			EventID:       "evt-1",
			AttemptNumber: 1,
			StartedAt:     time.Unix(1700000000, 0),
			Result:        event.TransientFailure,
			ErrorDetail:   "downstream 503",
			Duration:      50 * time.Millisecond,
		}))
		require.NoError(t, repo.AppendAttempt(ctx, event.Attempt{
			ID:            "att-2",
			EventID:       "evt-1",
			AttemptNumber: 2,
			Result:        event.Success,
		}))

		attempts, err := repo.Attempts(ctx, "evt-1")
		require.NoError(t, err)
		require.Len(t, attempts, 2)
		assert.Equal(t, event.TransientFailure, attempts[0].Result)
		assert.Equal(t, "downstream 503", attempts[0].ErrorDetail)
		assert.Equal(t, event.Success, attempts[1].Result)

		got, err := repo.Get(ctx, "evt-1")
		require.NoError(t, err)
		assert.Equal(t, 2, got.AttemptCount)
	})

	t.Run("reset attempts zeroes the stored count", func(t *testing.T) {
		repo := setupRepository(t)
		require.NoError(t, repo.Store(ctx, testEvent("evt-1")))

		for i := 1; i <= 3; i++ {
			require.NoError(t, repo.AppendAttempt(ctx, event.Attempt{
				ID:            "att",
				EventID:       "evt-1",
				AttemptNumber: i,
				Result:        event.TransientFailure,
			}))
		}

		require.NoError(t, repo.ResetAttempts(ctx, "evt-1"))

		got, err := repo.Get(ctx, "evt-1")
		require.NoError(t, err)
		assert.Equal(t, 0, got.AttemptCount)
	})

	t.Run("ttl expires the event", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		repo := eventredis.NewRepositoryWithClient(client)

		require.NoError(t, repo.Store(ctx, testEvent("evt-1")))
		require.NoError(t, repo.SetTTL(ctx, "evt-1", time.Hour))

		mr.FastForward(2 * time.Hour)

		_, err := repo.Get(ctx, "evt-1")
		assert.True(t, errors.Is(err, event.ErrNotFound))
	})
}

func TestRepository_RetryQueue(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	entry := func(id string, p event.Priority, at time.Time) event.RetryEntry {
		return event.RetryEntry{
			EventID:       id,
			Source:        "stripe",
			Priority:      p,
			AttemptCount:  1,
			NextAttemptAt: at,
		}
	}

	t.Run("dequeue respects priority then scheduled time", func(t *testing.T) {
		repo := setupRepository(t)

		require.NoError(t, repo.Enqueue(ctx, entry("evt-low", event.Low, now.Add(-3*time.Minute))))
		require.NoError(t, repo.Enqueue(ctx, entry("evt-crit", event.Critical, now.Add(-time.Minute))))
		require.NoError(t, repo.Enqueue(ctx, entry("evt-high-old", event.High, now.Add(-2*time.Minute))))
		require.NoError(t, repo.Enqueue(ctx, entry("evt-high-new", event.High, now.Add(-time.Second))))
		require.NoError(t, repo.Enqueue(ctx, entry("evt-future", event.Critical, now.Add(time.Hour))))

		ready, err := repo.DequeueReady(ctx, now, 10)
		require.NoError(t, err)

		ids := make([]string, len(ready))
		for i, e := range ready {
			ids[i] = e.EventID
		}
		assert.Equal(t, []string{"evt-crit", "evt-high-old", "evt-high-new", "evt-low"}, ids)
	})

	t.Run("dequeue removes what it returns", func(t *testing.T) {
		repo := setupRepository(t)
		require.NoError(t, repo.Enqueue(ctx, entry("evt-1", event.Normal, now.Add(-time.Minute))))

		ready, err := repo.DequeueReady(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, ready, 1)

		again, err := repo.DequeueReady(ctx, now, 10)
		require.NoError(t, err)
		assert.Empty(t, again)

		pending, err := repo.PendingRetry(ctx, "evt-1")
		require.NoError(t, err)
		assert.False(t, pending)
	})

	t.Run("dequeue honors the batch limit", func(t *testing.T) {
		repo := setupRepository(t)
		require.NoError(t, repo.Enqueue(ctx, entry("evt-1", event.Critical, now.Add(-3*time.Second))))
		require.NoError(t, repo.Enqueue(ctx, entry("evt-2", event.Critical, now.Add(-2*time.Second))))
		require.NoError(t, repo.Enqueue(ctx, entry("evt-3", event.Normal, now.Add(-time.Second))))

		ready, err := repo.DequeueReady(ctx, now, 2)
		require.NoError(t, err)
		assert.Len(t, ready, 2)
	})

	t.Run("pending retry reflects the index", func(t *testing.T) {
		repo := setupRepository(t)
		require.NoError(t, repo.Enqueue(ctx, entry("evt-1", event.Normal, now)))

		pending, err := repo.PendingRetry(ctx, "evt-1")
		require.NoError(t, err)
		assert.True(t, pending)

		require.NoError(t, repo.RemoveRetry(ctx, "evt-1"))

		pending, err = repo.PendingRetry(ctx, "evt-1")
		require.NoError(t, err)
		assert.False(t, pending)
	})

	t.Run("retry depth per priority", func(t *testing.T) {
		repo := setupRepository(t)
		require.NoError(t, repo.Enqueue(ctx, entry("evt-1", event.Critical, now)))
		require.NoError(t, repo.Enqueue(ctx, entry("evt-2", event.Critical, now)))
		require.NoError(t, repo.Enqueue(ctx, entry("evt-3", event.Low, now)))

		depth, err := repo.RetryDepth(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), depth[event.Critical])
		assert.Equal(t, int64(0), depth[event.High])
		assert.Equal(t, int64(1), depth[event.Low])
	})
}

func TestRepository_DeadLetters(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	deadLetter := func(id, source, reason string, movedAt time.Time) event.DeadLetter {
		return event.DeadLetter{
			EventID:    id,
			Source:     source,
			EventType:  "invoice.paid",
			Reason:     reason,
			FinalError: "downstream 503",
			MovedAt:    movedAt,
		}
	}

	t.Run("move in and get", func(t *testing.T) {
		repo := setupRepository(t)

		require.NoError(t, repo.MoveIn(ctx, deadLetter("evt-1", "stripe", "retry_exhausted", now)))

		dl, err := repo.GetDeadLetter(ctx, "evt-1")
		require.NoError(t, err)
		assert.Equal(t, "retry_exhausted", dl.Reason)
		assert.Equal(t, "downstream 503", dl.FinalError)
		assert.False(t, dl.Archived)

		in, err := repo.InDeadLetters(ctx, "evt-1")
		require.NoError(t, err)
		assert.True(t, in)
	})

	t.Run("list filters and orders newest first", func(t *testing.T) {
		repo := setupRepository(t)
		require.NoError(t, repo.MoveIn(ctx, deadLetter("evt-1", "stripe", "retry_exhausted", now)))
		require.NoError(t, repo.MoveIn(ctx, deadLetter("evt-2", "stripe", "permanent_failure", now.Add(time.Minute))))
		require.NoError(t, repo.MoveIn(ctx, deadLetter("evt-3", "sendgrid", "retry_exhausted", now.Add(2*time.Minute))))

		all, err := repo.ListDeadLetters(ctx, event.DeadLetterFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "evt-3", all[0].EventID)

		stripeOnly, err := repo.ListDeadLetters(ctx, event.DeadLetterFilter{Source: "stripe"})
		require.NoError(t, err)
		assert.Len(t, stripeOnly, 2)

		exhausted, err := repo.ListDeadLetters(ctx, event.DeadLetterFilter{Reason: "retry_exhausted"})
		require.NoError(t, err)
		assert.Len(t, exhausted, 2)

		limited, err := repo.ListDeadLetters(ctx, event.DeadLetterFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("archive hides from default listing", func(t *testing.T) {
		repo := setupRepository(t)
		require.NoError(t, repo.MoveIn(ctx, deadLetter("evt-1", "stripe", "retry_exhausted", now)))

		require.NoError(t, repo.ArchiveDeadLetter(ctx, "evt-1"))

		visible, err := repo.ListDeadLetters(ctx, event.DeadLetterFilter{})
		require.NoError(t, err)
		assert.Empty(t, visible)

		all, err := repo.ListDeadLetters(ctx, event.DeadLetterFilter{IncludeArchived: true})
		require.NoError(t, err)
		assert.Len(t, all, 1)
		assert.True(t, all[0].Archived)
	})

	t.Run("archive missing entry fails", func(t *testing.T) {
		repo := setupRepository(t)
		err := repo.ArchiveDeadLetter(ctx, "nope")
		assert.True(t, errors.Is(err, event.ErrNotFound))
	})

	t.Run("remove clears record and index", func(t *testing.T) {
		repo := setupRepository(t)
		require.NoError(t, repo.MoveIn(ctx, deadLetter("evt-1", "stripe", "retry_exhausted", now)))

		require.NoError(t, repo.RemoveDeadLetter(ctx, "evt-1"))

		_, err := repo.GetDeadLetter(ctx, "evt-1")
		assert.True(t, errors.Is(err, event.ErrNotFound))

		count, err := repo.DeadLetterCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), count)
	})
}
