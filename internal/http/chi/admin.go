package chi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hookgate/hookgate/breaker"
	"github.com/hookgate/hookgate/deadletter"
	"github.com/hookgate/hookgate/event"
	"github.com/hookgate/hookgate/health"
	"github.com/hookgate/hookgate/sources"
)

/* Admin API DTOs
 * Durations cross the wire as strings ("30s", "5m") to match sources.yaml
 */

// deadLetterResponse represents a dead letter in the API
type deadLetterResponse struct {
	EventID    string    `json:"event_id"`
	Source     string    `json:"source"`
	EventType  string    `json:"event_type"`
	Reason     string    `json:"reason"`
	FinalError string    `json:"final_error,omitempty"`
	MovedAt    time.Time `json:"moved_at"`
	Archived   bool      `json:"archived,omitempty"`
}

// reprocessResponse represents a single requeued event
type reprocessResponse struct {
	EventID       string    `json:"event_id"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
}

// sourceStatusResponse aggregates one source's runtime state
type sourceStatusResponse struct {
	Source          string           `json:"source"`
	Health          string           `json:"health"`
	Circuit         breaker.Snapshot `json:"circuit"`
	Delivery        health.Snapshot  `json:"delivery"`
	TokensRemaining float64          `json:"tokens_remaining"`
}

// sourceConfigRequest is the runtime policy update payload
type sourceConfigRequest struct {
	Secret         *string            `json:"secret,omitempty"`
	RateLimit      *rateLimitConfig   `json:"rate_limit,omitempty"`
	CircuitBreaker *breakerConfig     `json:"circuit_breaker,omitempty"`
	Retry          *retryConfig       `json:"retry,omitempty"`
	PriorityMap    *map[string]string `json:"priority_map,omitempty"`
}

type rateLimitConfig struct {
	Capacity   int     `json:"capacity"`
	RefillRate float64 `json:"refill_rate"`
}

type breakerConfig struct {
	FailureThreshold int    `json:"failure_threshold"`
	TrackingWindow   string `json:"tracking_window"`
	RecoveryTimeout  string `json:"recovery_timeout"`
}

type retryConfig struct {
	MaxRetries     int     `json:"max_retries"`
	BaseDelay      string  `json:"base_delay"`
	MaxDelay       string  `json:"max_delay"`
	JitterFraction float64 `json:"jitter_fraction"`
}

// getDeadLetters handles GET /v1/admin/deadletters
func getDeadLetters(service deadletter.UseCase) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		filter, err := deadLetterFilterFromQuery(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		entries, err := service.List(r.Context(), filter)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		responses := make([]deadLetterResponse, 0, len(entries))
		for _, dl := range entries {
			responses = append(responses, deadLetterResponse{
				EventID:    dl.EventID,
				Source:     dl.Source,
				EventType:  dl.EventType,
				Reason:     dl.Reason,
				FinalError: dl.FinalError,
				MovedAt:    dl.MovedAt,
				Archived:   dl.Archived,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(responses); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

// reprocessDeadLetter handles POST /v1/admin/deadletters/:event_id/reprocess
func reprocessDeadLetter(service deadletter.UseCase) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		eventID := chi.URLParam(r, "event_id")
		if eventID == "" {
			http.Error(w, "event_id is required", http.StatusBadRequest)
			return
		}

		entry, err := service.Reprocess(r.Context(), eventID)
		if err != nil {
			status := http.StatusInternalServerError
			if errorsIsNotFound(err) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(reprocessResponse{
			EventID:       entry.EventID,
			NextAttemptAt: entry.NextAttemptAt,
		}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

// bulkReprocessDeadLetters handles POST /v1/admin/deadletters/reprocess
func bulkReprocessDeadLetters(service deadletter.UseCase) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		filter, err := deadLetterFilterFromQuery(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		report, err := service.BulkReprocess(r.Context(), filter)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(report); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

// archiveDeadLetter handles POST /v1/admin/deadletters/:event_id/archive
func archiveDeadLetter(service deadletter.UseCase) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		eventID := chi.URLParam(r, "event_id")
		if eventID == "" {
			http.Error(w, "event_id is required", http.StatusBadRequest)
			return
		}

		if err := service.Archive(r.Context(), eventID); err != nil {
			status := http.StatusInternalServerError
			if errorsIsNotFound(err) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// getSourceStatus handles GET /v1/admin/sources/:source/status
func getSourceStatus(deps Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "source")
		if !deps.Sources.Exists(name) {
			http.Error(w, "source not found: "+name, http.StatusNotFound)
			return
		}

		response := sourceStatusResponse{
			Source:          name,
			Health:          deps.Monitor.Status(name).String(),
			Circuit:         deps.Circuits.Status(name),
			Delivery:        deps.Monitor.Snapshot(name),
			TokensRemaining: deps.Limiter.Tokens(name),
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(response); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

/* putSourceConfig handles PUT /v1/admin/sources/:source/config
 * Only the sections present in the payload change; omitted sections keep the
 * running values. The update is validated as a whole before it takes effect
 */
func putSourceConfig(loader *sources.Loader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "source")
		current, err := loader.Get(name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}

		var req sourceConfigRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON payload: "+err.Error(), http.StatusBadRequest)
			return
		}

		updated, err := applyConfig(*current, req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := loader.Update(&updated); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// getAlerts handles GET /v1/admin/alerts, draining pending alert intents
func getAlerts(monitor *health.Monitor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		alerts := monitor.AlertsDue()
		if alerts == nil {
			alerts = []health.AlertIntent{}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(alerts); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

func deadLetterFilterFromQuery(r *http.Request) (event.DeadLetterFilter, error) {
	filter := event.DeadLetterFilter{
		Source: r.URL.Query().Get("source"),
		Reason: r.URL.Query().Get("reason"),
	}
	if v := r.URL.Query().Get("include_archived"); v != "" {
		includeArchived, err := strconv.ParseBool(v)
		if err != nil {
			return event.DeadLetterFilter{}, err
		}
		filter.IncludeArchived = includeArchived
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return event.DeadLetterFilter{}, err
		}
		if limit < 0 {
			return event.DeadLetterFilter{}, errors.New("limit cannot be negative")
		}
		filter.Limit = limit
	}
	return filter, nil
}

func applyConfig(src sources.Source, req sourceConfigRequest) (sources.Source, error) {
	if req.Secret != nil {
		src.Secret = *req.Secret
	}
	if req.RateLimit != nil {
		src.RateLimit = sources.RateLimitPolicy{
			Capacity:   req.RateLimit.Capacity,
			RefillRate: req.RateLimit.RefillRate,
		}
	}
	if req.CircuitBreaker != nil {
		window, err := time.ParseDuration(req.CircuitBreaker.TrackingWindow)
		if err != nil {
			return sources.Source{}, err
		}
		recovery, err := time.ParseDuration(req.CircuitBreaker.RecoveryTimeout)
		if err != nil {
			return sources.Source{}, err
		}
		src.CircuitBreaker = sources.BreakerPolicy{
			FailureThreshold: req.CircuitBreaker.FailureThreshold,
			TrackingWindow:   window,
			RecoveryTimeout:  recovery,
		}
	}
	if req.Retry != nil {
		baseDelay, err := time.ParseDuration(req.Retry.BaseDelay)
		if err != nil {
			return sources.Source{}, err
		}
		maxDelay, err := time.ParseDuration(req.Retry.MaxDelay)
		if err != nil {
			return sources.Source{}, err
		}
		src.Retry = sources.RetryPolicy{
			MaxRetries:     req.Retry.MaxRetries,
			BaseDelay:      baseDelay,
			MaxDelay:       maxDelay,
			JitterFraction: req.Retry.JitterFraction,
		}
	}
	if req.PriorityMap != nil {
		priorityMap := make(map[string]event.Priority, len(*req.PriorityMap))
		for eventType, name := range *req.PriorityMap {
			priorityMap[eventType] = event.NewPriority(name)
		}
		src.PriorityMap = priorityMap
	}
	return src, nil
}

func errorsIsNotFound(err error) bool {
	return errors.Is(err, event.ErrNotFound)
}
