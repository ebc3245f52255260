package chi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/hookgate/hookgate/orchestrator"
	"github.com/hookgate/hookgate/signature"
)

/* HTTP layer DTOs for the ingestion API
 * Separate from domain entities to avoid leaking internal structure
 */

// eventResponse represents the API response when accepting an event
type eventResponse struct {
	EventID   string `json:"event_id"`
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// postEvent handles POST /v1/sources/:source/events
func postEvent(ingestor *orchestrator.Orchestrator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		source := chi.URLParam(r, "source")
		if source == "" {
			http.Error(w, "source is required", http.StatusBadRequest)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		headers := make(map[string]string)
		for key, values := range r.Header {
			if len(values) > 0 {
				headers[key] = values[0]
			}
		}

		receipt, err := ingestor.Ingest(r.Context(), source, body, headers)
		if err != nil {
			writeIngestError(w, err)
			return
		}

		// 202: accepted for processing, whatever the delivery outcome was
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		response := eventResponse{
			EventID:   receipt.EventID,
			Status:    receipt.Status.String(),
			Duplicate: receipt.Duplicate,
		}
		if err := json.NewEncoder(w).Encode(response); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

/* writeIngestError maps pipeline errors onto HTTP status codes
 * Signature failures get 401 with no detail, so a probing caller learns
 * nothing about why verification failed
 */
func writeIngestError(w http.ResponseWriter, err error) {
	var rateErr *orchestrator.RateLimitError

	switch {
	case errors.Is(err, orchestrator.ErrUnknownSource):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, signature.ErrSignature):
		http.Error(w, "signature verification failed", http.StatusUnauthorized)
	case errors.As(err, &rateErr):
		seconds := int(math.Ceil(rateErr.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
