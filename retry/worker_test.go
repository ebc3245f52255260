package retry_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hookgate/hookgate/event"
	"github.com/hookgate/hookgate/event/mocks"
	"github.com/hookgate/hookgate/retry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type recordingRedeliverer struct {
	mu      sync.Mutex
	entries []event.RetryEntry
	err     error
}

func (r *recordingRedeliverer) Redeliver(ctx context.Context, entry event.RetryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return r.err
}

func (r *recordingRedeliverer) seen() []event.RetryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.RetryEntry(nil), r.entries...)
}

func TestWorker_Drain(t *testing.T) {
	ctx := context.Background()

	t.Run("redelivers every ready entry", func(t *testing.T) {
		repo := mocks.NewRepository(t)
		ready := []event.RetryEntry{
			{EventID: "evt-1", Source: "stripe", Priority: event.Critical},
			{EventID: "evt-2", Source: "stripe", Priority: event.Normal},
			{EventID: "evt-3", Source: "sendgrid", Priority: event.Low},
		}
		repo.On("DequeueReady", ctx, mock.AnythingOfType("time.Time"), 100).Return(ready, nil)

		redeliverer := &recordingRedeliverer{}
		worker := retry.NewWorker(
			retry.NewScheduler(repo, testLoader(t)),
			redeliverer,
			retry.WorkerConfig{Concurrency: 2},
			zerolog.Nop(),
		)

		worker.Drain(ctx)

		assert.Len(t, redeliverer.seen(), 3)
	})

	t.Run("empty queue is a no-op", func(t *testing.T) {
		repo := mocks.NewRepository(t)
		repo.On("DequeueReady", ctx, mock.AnythingOfType("time.Time"), 100).Return([]event.RetryEntry{}, nil)

		redeliverer := &recordingRedeliverer{}
		worker := retry.NewWorker(retry.NewScheduler(repo, testLoader(t)), redeliverer, retry.WorkerConfig{}, zerolog.Nop())

		worker.Drain(ctx)

		assert.Empty(t, redeliverer.seen())
	})

	t.Run("redelivery errors do not abort the cycle", func(t *testing.T) {
		repo := mocks.NewRepository(t)
		ready := []event.RetryEntry{
			{EventID: "evt-1", Source: "stripe"},
			{EventID: "evt-2", Source: "stripe"},
		}
		repo.On("DequeueReady", ctx, mock.AnythingOfType("time.Time"), 100).Return(ready, nil)
		repo.On("Enqueue", ctx, mock.AnythingOfType("event.RetryEntry")).Return(nil)

		redeliverer := &recordingRedeliverer{err: errors.New("still failing")}
		worker := retry.NewWorker(retry.NewScheduler(repo, testLoader(t)), redeliverer, retry.WorkerConfig{}, zerolog.Nop())

		worker.Drain(ctx)

		assert.Len(t, redeliverer.seen(), 2)
	})

	t.Run("failed redelivery goes back on the queue", func(t *testing.T) {
		repo := mocks.NewRepository(t)
		ready := []event.RetryEntry{
			{EventID: "evt-1", Source: "stripe", Priority: event.Critical, AttemptCount: 1},
		}
		repo.On("DequeueReady", ctx, mock.AnythingOfType("time.Time"), 100).Return(ready, nil)
		// Requeued as-is: same attempt count, pushed into the future
		repo.On("Enqueue", ctx, event.MatchEntry(func(e event.RetryEntry) bool {
			return e.EventID == "evt-1" &&
				e.AttemptCount == 1 &&
				e.Priority == event.Critical &&
				e.NextAttemptAt.After(time.Now())
		})).Return(nil).Once()

		redeliverer := &recordingRedeliverer{err: errors.New("redis: connection reset")}
		worker := retry.NewWorker(retry.NewScheduler(repo, testLoader(t)), redeliverer, retry.WorkerConfig{}, zerolog.Nop())

		worker.Drain(ctx)
	})

	t.Run("entry for a missing event is dropped", func(t *testing.T) {
		repo := mocks.NewRepository(t)
		ready := []event.RetryEntry{{EventID: "evt-ghost", Source: "stripe"}}
		repo.On("DequeueReady", ctx, mock.AnythingOfType("time.Time"), 100).Return(ready, nil)

		redeliverer := &recordingRedeliverer{err: fmt.Errorf("loading event: %w", event.ErrNotFound)}
		worker := retry.NewWorker(retry.NewScheduler(repo, testLoader(t)), redeliverer, retry.WorkerConfig{}, zerolog.Nop())

		// No Enqueue expectation: the ghost entry must not be requeued
		worker.Drain(ctx)
	})

	t.Run("start and stop", func(t *testing.T) {
		repo := mocks.NewRepository(t)
		repo.On("DequeueReady", mock.Anything, mock.AnythingOfType("time.Time"), 100).
			Return([]event.RetryEntry{}, nil).Maybe()

		redeliverer := &recordingRedeliverer{}
		worker := retry.NewWorker(
			retry.NewScheduler(repo, testLoader(t)),
			redeliverer,
			retry.WorkerConfig{Interval: 5 * time.Millisecond},
			zerolog.Nop(),
		)

		worker.Start(ctx)
		time.Sleep(20 * time.Millisecond)
		worker.Stop()
	})
}
