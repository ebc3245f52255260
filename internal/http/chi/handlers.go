package chi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog"
	"github.com/hookgate/hookgate/breaker"
	"github.com/hookgate/hookgate/deadletter"
	"github.com/hookgate/hookgate/health"
	"github.com/hookgate/hookgate/orchestrator"
	"github.com/hookgate/hookgate/ratelimit"
	"github.com/hookgate/hookgate/sources"
)

// Deps carries the services the HTTP layer routes into
type Deps struct {
	Ingestor    *orchestrator.Orchestrator
	Sources     *sources.Loader
	Limiter     *ratelimit.Limiter
	Circuits    *breaker.Breaker
	Monitor     *health.Monitor
	DeadLetters deadletter.UseCase
	Metrics     http.Handler
}

// Handlers sets up the ingestion and admin API routes
func Handlers(ctx context.Context, deps Deps) *chi.Mux {
	logger := httplog.NewLogger("hookgate-api", httplog.Options{
		JSON: true,
	})

	r := chi.NewRouter()
	r.Use(httplog.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		// Provider-facing ingestion endpoint
		r.Post("/sources/{source}/events", postEvent(deps.Ingestor).ServeHTTP)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/deadletters", getDeadLetters(deps.DeadLetters).ServeHTTP)
			r.Post("/deadletters/reprocess", bulkReprocessDeadLetters(deps.DeadLetters).ServeHTTP)
			r.Post("/deadletters/{event_id}/reprocess", reprocessDeadLetter(deps.DeadLetters).ServeHTTP)
			r.Post("/deadletters/{event_id}/archive", archiveDeadLetter(deps.DeadLetters).ServeHTTP)

			r.Get("/sources/{source}/status", getSourceStatus(deps).ServeHTTP)
			r.Put("/sources/{source}/config", putSourceConfig(deps.Sources).ServeHTTP)

			r.Get("/alerts", getAlerts(deps.Monitor).ServeHTTP)
		})
	})

	return r
}
