package retry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hookgate/hookgate/event"
	"github.com/rs/zerolog"
)

/* Worker drains the retry queue on a fixed interval
 * A single background goroutine runs the drain loop; within one cycle the
 * ready entries are redelivered concurrently, bounded by a semaphore. Each
 * redelivery still funnels through the orchestrator's circuit breaker and
 * rate limiter, so the protection invariants hold for retries too
 */

// Redeliverer is the callback the worker hands ready entries to.
// Implemented by the orchestrator's redelivery path.
type Redeliverer interface {
	Redeliver(ctx context.Context, entry event.RetryEntry) error
}

// Worker runs the background drain loop
type Worker struct {
	scheduler   *Scheduler
	redeliverer Redeliverer
	interval    time.Duration
	batch       int
	concurrency int
	logger      zerolog.Logger

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// WorkerConfig bounds the drain loop
type WorkerConfig struct {
	Interval    time.Duration // time between drain cycles
	Batch       int           // max entries per cycle
	Concurrency int           // concurrent redeliveries within a cycle
}

// NewWorker creates a drain worker; zero config fields get sane bounds
func NewWorker(scheduler *Scheduler, redeliverer Redeliverer, cfg WorkerConfig, logger zerolog.Logger) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Worker{
		scheduler:   scheduler,
		redeliverer: redeliverer,
		interval:    cfg.Interval,
		batch:       cfg.Batch,
		concurrency: cfg.Concurrency,
		logger:      logger,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches the drain loop; it runs until Stop or context cancellation
func (w *Worker) Start(ctx context.Context) {
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-ticker.C:
				w.Drain(ctx)
			}
		}
	}()
}

// Stop halts the drain loop and waits for the current cycle to finish
func (w *Worker) Stop() {
	w.once.Do(func() { close(w.stop) })
	<-w.done
}

/* Drain runs one cycle: dequeue everything due, redeliver concurrently
 * Exported so tests and the admin API can force a cycle
 */
func (w *Worker) Drain(ctx context.Context) {
	entries, err := w.scheduler.DequeueReady(ctx, time.Now(), w.batch)
	if err != nil {
		w.logger.Error().Err(err).Msg("draining retry queue")
		return
	}
	if len(entries) == 0 {
		return
	}

	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup
	for _, entry := range entries {
		sem <- struct{}{}
		wg.Add(1)
		go func(entry event.RetryEntry) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := w.redeliverer.Redeliver(ctx, entry); err != nil {
				w.logger.Error().
					Err(err).
					Str("event_id", entry.EventID).
					Str("source", entry.Source).
					Int("attempt_count", entry.AttemptCount).
					Msg("redelivering event")
				// An entry pointing at a deleted event can never succeed;
				// everything else was already dequeued and goes back so an
				// infrastructure error cannot strand the event with no
				// retry record
				if errors.Is(err, event.ErrNotFound) {
					return
				}
				if rqErr := w.scheduler.Requeue(ctx, entry); rqErr != nil {
					w.logger.Error().
						Err(rqErr).
						Str("event_id", entry.EventID).
						Msg("requeueing after failed redelivery")
				}
			}
		}(entry)
	}
	wg.Wait()
}
