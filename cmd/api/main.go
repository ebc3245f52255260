package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hookgate/hookgate/breaker"
	"github.com/hookgate/hookgate/config"
	"github.com/hookgate/hookgate/deadletter"
	"github.com/hookgate/hookgate/dispatch"
	"github.com/hookgate/hookgate/event/redis"
	"github.com/hookgate/hookgate/health"
	chihttp "github.com/hookgate/hookgate/internal/http/chi"
	"github.com/hookgate/hookgate/metrics"
	"github.com/hookgate/hookgate/orchestrator"
	"github.com/hookgate/hookgate/ratelimit"
	"github.com/hookgate/hookgate/retry"
	"github.com/hookgate/hookgate/sources"
	"github.com/rs/zerolog"
)

const TIMEOUT = 30 * time.Second

/* main is where the wiring happens: configuration, the Redis store, the
 * admission and protection components, the retry worker, and the HTTP
 * surface. Imports flow one direction only: the binary imports the business
 * layers, which import the storage layer
 */
func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "hookgate").Logger()

	cfg, err := config.GetConfig()
	if err != nil {
		logger.Error().Err(err).Msg("loading configuration")
		return
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT,
	)
	defer stop()

	repo, err := redis.NewRepository(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Error().Err(err).Msg("connecting to redis")
		return
	}
	defer repo.Close(ctx)

	loader := sources.NewLoader()
	if err := loader.Load(cfg.SourcesFile); err != nil {
		logger.Error().Err(err).Str("file", cfg.SourcesFile).Msg("loading sources")
		return
	}

	registry := dispatch.NewRegistry()
	// Business handlers register here, keyed by (source, event_type)

	limiter := ratelimit.NewLimiter(loader)
	circuits := breaker.NewBreaker(loader)
	scheduler := retry.NewScheduler(repo, loader)
	deliverer := dispatch.NewDispatcher(registry, cfg.HandlerTimeout)
	monitor := health.NewMonitor(health.DefaultThresholds())

	orch := orchestrator.New(
		repo, loader, limiter, circuits, scheduler, deliverer, monitor,
		logger.With().Str("component", "orchestrator").Logger(),
		orchestrator.Config{CompletedTTL: cfg.CompletedTTL},
	)

	worker := retry.NewWorker(scheduler, orch, retry.WorkerConfig{
		Interval: cfg.DrainInterval,
		Batch:    cfg.DrainBatch,
	}, logger.With().Str("component", "retry-worker").Logger())
	worker.Start(ctx)
	defer worker.Stop()

	collector := metrics.NewRedisCollector(repo.GetClient(), repo)
	exporter, err := metrics.NewOTelExporter(collector)
	if err != nil {
		logger.Error().Err(err).Msg("setting up metrics exporter")
		return
	}
	defer exporter.Shutdown(ctx)

	r := chihttp.Handlers(ctx, chihttp.Deps{
		Ingestor:    orch,
		Sources:     loader,
		Limiter:     limiter,
		Circuits:    circuits,
		Monitor:     monitor,
		DeadLetters: deadletter.NewService(repo),
		Metrics:     exporter.ServeHTTP(),
	})

	srv := &http.Server{
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		Addr:         ":" + cfg.Port,
		Handler:      r,
	}

	errShutdown := make(chan error, 1)
	go shutdown(srv, ctx, errShutdown)
	logger.Info().Str("port", cfg.Port).Msg("listening")
	err = srv.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("server error")
		return
	}
	if err := <-errShutdown; err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}

func shutdown(server *http.Server, ctxShutdown context.Context, errShutdown chan error) {
	<-ctxShutdown.Done()

	ctxTimeout, stop := context.WithTimeout(context.Background(), TIMEOUT)
	defer stop()

	err := server.Shutdown(ctxTimeout)
	switch err {
	case nil:
		errShutdown <- nil
	default:
		errShutdown <- fmt.Errorf("forcing the server closed: %w", err)
	}
}
