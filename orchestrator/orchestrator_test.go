package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hookgate/hookgate/breaker"
	"github.com/hookgate/hookgate/deadletter"
	"github.com/hookgate/hookgate/dispatch"
	"github.com/hookgate/hookgate/event"
	eventredis "github.com/hookgate/hookgate/event/redis"
	"github.com/hookgate/hookgate/health"
	"github.com/hookgate/hookgate/orchestrator"
	"github.com/hookgate/hookgate/ratelimit"
	"github.com/hookgate/hookgate/retry"
	"github.com/hookgate/hookgate/signature"
	"github.com/hookgate/hookgate/sources"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sourcesYAML = `
sources:
  - name: stripe
    secret: whsec_test
    rate_limit:
      capacity: 3
      refill_rate: 0.001
    circuit_breaker:
      failure_threshold: 2
      tracking_window: 1m
      recovery_timeout: 30s
    retry:
      max_retries: 2
      base_delay: 1s
      max_delay: 1m
    priority_map:
      payment.failed: critical
`

type pipeline struct {
	orch     *orchestrator.Orchestrator
	repo     *eventredis.Repository
	registry *dispatch.Registry
	breaker  *breaker.Breaker
	monitor  *health.Monitor
	clock    *fakeClock
}

type fakeClock struct {
	current time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.current
}

func (c *fakeClock) Advance(d time.Duration) {
	c.current = c.current.Add(d)
}

/* flakyStatusRepo fails a bounded number of Dispatching status writes,
 * standing in for a transient storage outage mid-pipeline
 */
type flakyStatusRepo struct {
	event.Repository
	failures int
}

func (r *flakyStatusRepo) UpdateStatus(ctx context.Context, id string, status event.Status) error {
	if status == event.Dispatching && r.failures > 0 {
		r.failures--
		return errors.New("redis: connection reset")
	}
	return r.Repository.UpdateStatus(ctx, id, status)
}

func setupPipeline(t *testing.T) *pipeline {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	repo := eventredis.NewRepositoryWithClient(client)

	path := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sourcesYAML), 0o644))
	loader := sources.NewLoader()
	require.NoError(t, loader.Load(path))

	clock := &fakeClock{current: time.Unix(1700000000, 0)}
	limiter := ratelimit.NewLimiter(loader, ratelimit.WithClock(clock.Now))
	circuits := breaker.NewBreaker(loader, breaker.WithClock(clock.Now))
	scheduler := retry.NewScheduler(repo, loader, retry.WithClock(clock.Now))
	registry := dispatch.NewRegistry()
	deliverer := dispatch.NewDispatcher(registry, time.Second)
	monitor := health.NewMonitor(health.DefaultThresholds(), health.WithClock(clock.Now))

	orch := orchestrator.New(
		repo, loader, limiter, circuits, scheduler, deliverer, monitor,
		zerolog.Nop(),
		orchestrator.Config{CompletedTTL: time.Hour},
		orchestrator.WithClock(clock.Now),
	)
	return &pipeline{
		orch:     orch,
		repo:     repo,
		registry: registry,
		breaker:  circuits,
		monitor:  monitor,
		clock:    clock,
	}
}

func signedHeaders(body []byte, eventID, eventType string) map[string]string {
	return map[string]string{
		"X-Webhook-Signature": signature.SignHex("whsec_test", body),
		"X-Event-Id":          eventID,
		"X-Event-Type":        eventType,
	}
}

func TestOrchestrator_Ingest(t *testing.T) {
	ctx := context.Background()

	t.Run("successful delivery completes the event", func(t *testing.T) {
		p := setupPipeline(t)
		handled := 0
		p.registry.Register("stripe", "invoice.paid", func(ctx context.Context, ev event.Event) dispatch.Outcome {
			handled++
			return dispatch.Success()
		})

		body := []byte(`{"id":"in_1"}`)
		receipt, err := p.orch.Ingest(ctx, "stripe", body, signedHeaders(body, "wh_1", "invoice.paid"))
		require.NoError(t, err)

		assert.Equal(t, "stripe-wh_1", receipt.EventID)
		assert.Equal(t, event.Completed, receipt.Status)
		assert.False(t, receipt.Duplicate)
		assert.Equal(t, 1, handled)

		stored, err := p.repo.Get(ctx, receipt.EventID)
		require.NoError(t, err)
		assert.Equal(t, event.Completed, stored.Status)
		assert.Equal(t, 1, stored.AttemptCount)

		attempts, err := p.repo.Attempts(ctx, receipt.EventID)
		require.NoError(t, err)
		require.Len(t, attempts, 1)
		assert.Equal(t, event.Success, attempts[0].Result)
	})

	t.Run("invalid signature is rejected with no side effects", func(t *testing.T) {
		p := setupPipeline(t)

		body := []byte(`{"id":"in_2"}`)
		headers := signedHeaders(body, "wh_2", "invoice.paid")
		headers["X-Webhook-Signature"] = signature.SignHex("wrong-secret", body)

		_, err := p.orch.Ingest(ctx, "stripe", body, headers)
		require.ErrorIs(t, err, signature.ErrSignature)

		_, err = p.repo.Get(ctx, "stripe-wh_2")
		assert.ErrorIs(t, err, event.ErrNotFound)
	})

	t.Run("unknown source is rejected", func(t *testing.T) {
		p := setupPipeline(t)

		_, err := p.orch.Ingest(ctx, "github", []byte(`{}`), nil)
		require.ErrorIs(t, err, orchestrator.ErrUnknownSource)
	})

	t.Run("rate limited events are refused with a retry hint", func(t *testing.T) {
		p := setupPipeline(t)
		p.registry.Register("stripe", "invoice.paid", func(ctx context.Context, ev event.Event) dispatch.Outcome {
			return dispatch.Success()
		})

		// Capacity is 3 and refill is negligible within the test
		for i := 0; i < 3; i++ {
			body := []byte(fmt.Sprintf(`{"n":%d}`, i))
			_, err := p.orch.Ingest(ctx, "stripe", body, signedHeaders(body, fmt.Sprintf("wh_ok_%d", i), "invoice.paid"))
			require.NoError(t, err)
		}

		body := []byte(`{"n":3}`)
		_, err := p.orch.Ingest(ctx, "stripe", body, signedHeaders(body, "wh_limited", "invoice.paid"))
		require.ErrorIs(t, err, orchestrator.ErrRateLimited)

		var rateErr *orchestrator.RateLimitError
		require.ErrorAs(t, err, &rateErr)
		assert.Greater(t, rateErr.RetryAfter, time.Duration(0))

		// The refused event left no record behind
		_, err = p.repo.Get(ctx, "stripe-wh_limited")
		assert.ErrorIs(t, err, event.ErrNotFound)
	})

	t.Run("transient failure schedules a retry", func(t *testing.T) {
		p := setupPipeline(t)
		p.registry.Register("stripe", "invoice.paid", func(ctx context.Context, ev event.Event) dispatch.Outcome {
			return dispatch.Transient("endpoint timeout")
		})

		body := []byte(`{"id":"in_3"}`)
		receipt, err := p.orch.Ingest(ctx, "stripe", body, signedHeaders(body, "wh_3", "invoice.paid"))
		require.NoError(t, err)
		assert.Equal(t, event.ScheduledForRetry, receipt.Status)

		pending, err := p.repo.PendingRetry(ctx, receipt.EventID)
		require.NoError(t, err)
		assert.True(t, pending)
	})

	t.Run("permanent failure goes straight to dead letters", func(t *testing.T) {
		p := setupPipeline(t)
		p.registry.Register("stripe", "invoice.paid", func(ctx context.Context, ev event.Event) dispatch.Outcome {
			return dispatch.Permanent("malformed payload")
		})

		body := []byte(`{"id":"in_4"}`)
		receipt, err := p.orch.Ingest(ctx, "stripe", body, signedHeaders(body, "wh_4", "invoice.paid"))
		require.NoError(t, err)
		assert.Equal(t, event.DeadLettered, receipt.Status)

		dl, err := p.repo.GetDeadLetter(ctx, receipt.EventID)
		require.NoError(t, err)
		assert.Equal(t, "permanent_failure", dl.Reason)
		assert.Contains(t, dl.FinalError, "malformed payload")

		pending, err := p.repo.PendingRetry(ctx, receipt.EventID)
		require.NoError(t, err)
		assert.False(t, pending)
	})

	t.Run("missing handler dead-letters rather than retries", func(t *testing.T) {
		p := setupPipeline(t)

		body := []byte(`{"id":"in_5"}`)
		receipt, err := p.orch.Ingest(ctx, "stripe", body, signedHeaders(body, "wh_5", "invoice.created"))
		require.NoError(t, err)
		assert.Equal(t, event.DeadLettered, receipt.Status)
	})

	t.Run("duplicate of a pending retry is acknowledged without a new pipeline", func(t *testing.T) {
		p := setupPipeline(t)
		calls := 0
		p.registry.Register("stripe", "invoice.paid", func(ctx context.Context, ev event.Event) dispatch.Outcome {
			calls++
			return dispatch.Transient("flaky endpoint")
		})

		body := []byte(`{"id":"in_6"}`)
		headers := signedHeaders(body, "wh_6", "invoice.paid")
		_, err := p.orch.Ingest(ctx, "stripe", body, headers)
		require.NoError(t, err)
		require.Equal(t, 1, calls)

		receipt, err := p.orch.Ingest(ctx, "stripe", body, headers)
		require.NoError(t, err)
		assert.True(t, receipt.Duplicate)
		assert.Equal(t, 1, calls, "duplicate must not invoke the handler")
	})

	t.Run("open circuit skips the handler and queues for retry", func(t *testing.T) {
		p := setupPipeline(t)
		calls := 0
		p.registry.Register("stripe", "invoice.paid", func(ctx context.Context, ev event.Event) dispatch.Outcome {
			calls++
			return dispatch.Transient("endpoint down")
		})

		// Threshold is 2: two transient failures open the circuit
		for i := 0; i < 2; i++ {
			body := []byte(fmt.Sprintf(`{"fail":%d}`, i))
			_, err := p.orch.Ingest(ctx, "stripe", body, signedHeaders(body, fmt.Sprintf("wh_fail_%d", i), "invoice.paid"))
			require.NoError(t, err)
		}
		require.Equal(t, breaker.Open, p.breaker.Status("stripe").State)
		require.Equal(t, 2, calls)

		body := []byte(`{"fail":"gated"}`)
		receipt, err := p.orch.Ingest(ctx, "stripe", body, signedHeaders(body, "wh_gated", "invoice.paid"))
		require.NoError(t, err)
		assert.Equal(t, event.ScheduledForRetry, receipt.Status)
		assert.Equal(t, 2, calls, "open circuit must not invoke the handler")

		stored, err := p.repo.Get(ctx, receipt.EventID)
		require.NoError(t, err)
		assert.Equal(t, event.ScheduledForRetry, stored.Status)
	})

	t.Run("priority map assigns the stored priority", func(t *testing.T) {
		p := setupPipeline(t)
		p.registry.Register("stripe", "payment.failed", func(ctx context.Context, ev event.Event) dispatch.Outcome {
			return dispatch.Success()
		})

		body := []byte(`{"id":"pm_1"}`)
		receipt, err := p.orch.Ingest(ctx, "stripe", body, signedHeaders(body, "wh_pm", "payment.failed"))
		require.NoError(t, err)

		stored, err := p.repo.Get(ctx, receipt.EventID)
		require.NoError(t, err)
		assert.Equal(t, event.Critical, stored.Priority)
	})

	t.Run("missing provider event id derives a deterministic one", func(t *testing.T) {
		p := setupPipeline(t)
		p.registry.Register("stripe", "invoice.paid", func(ctx context.Context, ev event.Event) dispatch.Outcome {
			return dispatch.Success()
		})

		body := []byte(`{"id":"in_7"}`)
		headers := map[string]string{
			"X-Webhook-Signature": signature.SignHex("whsec_test", body),
			"X-Event-Type":        "invoice.paid",
		}
		first, err := p.orch.Ingest(ctx, "stripe", body, headers)
		require.NoError(t, err)

		second, err := p.orch.Ingest(ctx, "stripe", body, headers)
		require.NoError(t, err)
		assert.Equal(t, first.EventID, second.EventID)
	})
}

func TestOrchestrator_Redeliver(t *testing.T) {
	ctx := context.Background()

	t.Run("successful redelivery completes the event", func(t *testing.T) {
		p := setupPipeline(t)
		attempts := 0
		p.registry.Register("stripe", "invoice.paid", func(ctx context.Context, ev event.Event) dispatch.Outcome {
			attempts++
			if attempts == 1 {
				return dispatch.Transient("cold start")
			}
			return dispatch.Success()
		})

		body := []byte(`{"id":"in_8"}`)
		receipt, err := p.orch.Ingest(ctx, "stripe", body, signedHeaders(body, "wh_8", "invoice.paid"))
		require.NoError(t, err)
		require.Equal(t, event.ScheduledForRetry, receipt.Status)

		// Wait out the backoff, then drain the queue the way the worker does
		p.clock.Advance(time.Hour)
		entries, err := p.repo.DequeueReady(ctx, p.clock.Now(), 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)

		require.NoError(t, p.orch.Redeliver(ctx, entries[0]))
		assert.Equal(t, 2, attempts)

		stored, err := p.repo.Get(ctx, receipt.EventID)
		require.NoError(t, err)
		assert.Equal(t, event.Completed, stored.Status)
		assert.Equal(t, 2, stored.AttemptCount)
	})

	t.Run("exhausted budget promotes to dead letters", func(t *testing.T) {
		p := setupPipeline(t)
		p.registry.Register("stripe", "invoice.paid", func(ctx context.Context, ev event.Event) dispatch.Outcome {
			return dispatch.Transient("still down")
		})

		body := []byte(`{"id":"in_9"}`)
		receipt, err := p.orch.Ingest(ctx, "stripe", body, signedHeaders(body, "wh_9", "invoice.paid"))
		require.NoError(t, err)

		// max_retries is 2: drive redeliveries until the budget runs out
		for i := 0; i < 3; i++ {
			p.clock.Advance(time.Hour)
			entries, err := p.repo.DequeueReady(ctx, p.clock.Now(), 10)
			require.NoError(t, err)
			if len(entries) == 0 {
				break
			}
			require.NoError(t, p.orch.Redeliver(ctx, entries[0]))
		}

		stored, err := p.repo.Get(ctx, receipt.EventID)
		require.NoError(t, err)
		assert.Equal(t, event.DeadLettered, stored.Status)

		dl, err := p.repo.GetDeadLetter(ctx, receipt.EventID)
		require.NoError(t, err)
		assert.Equal(t, "retry_exhausted", dl.Reason)

		pending, err := p.repo.PendingRetry(ctx, receipt.EventID)
		require.NoError(t, err)
		assert.False(t, pending)
	})

	t.Run("reprocessed dead letter carries a fresh attempt budget", func(t *testing.T) {
		p := setupPipeline(t)
		p.registry.Register("stripe", "invoice.paid", func(ctx context.Context, ev event.Event) dispatch.Outcome {
			return dispatch.Transient("still down")
		})

		body := []byte(`{"id":"in_10"}`)
		receipt, err := p.orch.Ingest(ctx, "stripe", body, signedHeaders(body, "wh_10", "invoice.paid"))
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			p.clock.Advance(time.Hour)
			entries, err := p.repo.DequeueReady(ctx, p.clock.Now(), 10)
			require.NoError(t, err)
			if len(entries) == 0 {
				break
			}
			require.NoError(t, p.orch.Redeliver(ctx, entries[0]))
		}

		// max_retries is 2: exhaustion leaves max_retries + 1 attempts
		stored, err := p.repo.Get(ctx, receipt.EventID)
		require.NoError(t, err)
		require.Equal(t, event.DeadLettered, stored.Status)
		require.Equal(t, 3, stored.AttemptCount)

		svc := deadletter.NewService(p.repo, deadletter.WithClock(p.clock.Now))
		_, err = svc.Reprocess(ctx, receipt.EventID)
		require.NoError(t, err)

		stored, err = p.repo.Get(ctx, receipt.EventID)
		require.NoError(t, err)
		assert.Equal(t, 0, stored.AttemptCount)

		p.clock.Advance(time.Minute)
		entries, err := p.repo.DequeueReady(ctx, p.clock.Now(), 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.NoError(t, p.orch.Redeliver(ctx, entries[0]))

		stored, err = p.repo.Get(ctx, receipt.EventID)
		require.NoError(t, err)
		assert.Equal(t, 1, stored.AttemptCount)
	})

	t.Run("redelivery of a missing event errors", func(t *testing.T) {
		p := setupPipeline(t)

		err := p.orch.Redeliver(ctx, event.RetryEntry{EventID: "evt-ghost", Source: "stripe"})
		require.ErrorIs(t, err, event.ErrNotFound)
	})
}

/* A storage error during the half-open recovery probe must release the probe
 * slot; otherwise the circuit stays wedged and the source never recovers
 */
func TestOrchestrator_ProbeSlotReleasedOnStorageError(t *testing.T) {
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	repo := &flakyStatusRepo{Repository: eventredis.NewRepositoryWithClient(client)}

	path := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sourcesYAML), 0o644))
	loader := sources.NewLoader()
	require.NoError(t, loader.Load(path))

	clock := &fakeClock{current: time.Unix(1700000000, 0)}
	limiter := ratelimit.NewLimiter(loader, ratelimit.WithClock(clock.Now))
	circuits := breaker.NewBreaker(loader, breaker.WithClock(clock.Now))
	scheduler := retry.NewScheduler(repo, loader, retry.WithClock(clock.Now))
	registry := dispatch.NewRegistry()
	deliverer := dispatch.NewDispatcher(registry, time.Second)
	monitor := health.NewMonitor(health.DefaultThresholds(), health.WithClock(clock.Now))
	orch := orchestrator.New(
		repo, loader, limiter, circuits, scheduler, deliverer, monitor,
		zerolog.Nop(),
		orchestrator.Config{CompletedTTL: time.Hour},
		orchestrator.WithClock(clock.Now),
	)

	healthy := false
	calls := 0
	registry.Register("stripe", "invoice.paid", func(ctx context.Context, ev event.Event) dispatch.Outcome {
		calls++
		if !healthy {
			return dispatch.Transient("connection refused")
		}
		return dispatch.Success()
	})

	// Two transient failures open the circuit (failure_threshold is 2)
	for i, id := range []string{"wh_p1", "wh_p2"} {
		body := []byte(fmt.Sprintf(`{"n":%d}`, i))
		_, err := orch.Ingest(ctx, "stripe", body, signedHeaders(body, id, "invoice.paid"))
		require.NoError(t, err)
	}
	require.Equal(t, breaker.Open, circuits.Status("stripe").State)

	// Recovery timeout elapses; the probe admission hits a storage error
	// before the handler can run
	clock.Advance(31 * time.Second)
	repo.failures = 1
	body := []byte(`{"n":3}`)
	_, err := orch.Ingest(ctx, "stripe", body, signedHeaders(body, "wh_p3", "invoice.paid"))
	require.Error(t, err)
	require.Equal(t, 2, calls)

	snap := circuits.Status("stripe")
	require.Equal(t, breaker.HalfOpen, snap.State)
	require.False(t, snap.ProbeInFlight)

	// The endpoint recovers; the next ready redelivery takes the probe slot
	healthy = true
	entries, err := repo.DequeueReady(ctx, clock.Now(), 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	require.NoError(t, orch.Redeliver(ctx, entries[0]))

	assert.Equal(t, breaker.Closed, circuits.Status("stripe").State)
	assert.Equal(t, 3, calls)

	stored, err := repo.Get(ctx, entries[0].EventID)
	require.NoError(t, err)
	assert.Equal(t, event.Completed, stored.Status)
}
