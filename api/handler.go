// Package api exposes flowgate's state over HTTP: a rate-limit check
// endpoint, queue state introspection, and a metrics snapshot.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/yourusername/flowgate/metrics"
	"github.com/yourusername/flowgate/pkg/flowgate"
)

// Handler handles rate limit check and queue introspection requests
type Handler struct {
	limiter *flowgate.Limiter
}

// NewHandler creates a new API handler
func NewHandler(limiter *flowgate.Limiter) *Handler {
	return &Handler{limiter: limiter}
}

// CheckRequest represents the incoming rate limit check request
type CheckRequest struct {
	Queue string   `json:"queue"`          // Required: bucket name (e.g. "messages", "ai")
	Cost  *float64 `json:"cost,omitempty"` // Optional: tokens to consume, default 1
}

// CheckResponse represents the rate limit check response
type CheckResponse struct {
	Allowed      bool    `json:"allowed"`                  // Whether the tokens were granted
	Remaining    float64 `json:"remaining"`                // Tokens remaining
	Limit        float64 `json:"limit"`                    // Total capacity
	RetryAfterMs int64   `json:"retry_after_ms,omitempty"` // Milliseconds until retry (if blocked)
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// CheckRateLimit handles POST /check requests. It consumes tokens from the
// named queue's bucket, bypassing the queue itself, so callers outside the
// process share the same budget as queued operations. Only configured
// bucket names are accepted: queues are created lazily and never reaped,
// and this endpoint takes client-supplied names.
func (h *Handler) CheckRateLimit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.sendError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST requests are allowed")
		return
	}

	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	if req.Queue == "" {
		h.sendError(w, http.StatusBadRequest, "missing_queue", "queue is required")
		return
	}

	cost := 1.0
	if req.Cost != nil {
		cost = *req.Cost
	}
	if cost <= 0 {
		h.sendError(w, http.StatusBadRequest, "invalid_cost", "cost must be positive")
		return
	}

	if !h.limiter.HasBucket(req.Queue) {
		h.sendError(w, http.StatusNotFound, "unknown_queue", "no bucket configured for "+req.Queue)
		return
	}

	queue, err := h.limiter.Queue(req.Queue)
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, "queue_unavailable", err.Error())
		return
	}
	bucket := queue.Bucket()

	allowed := bucket.TryConsumeN(cost)
	response := CheckResponse{
		Allowed:   allowed,
		Remaining: bucket.Remaining(),
		Limit:     bucket.Capacity(),
	}

	statusCode := http.StatusOK
	if !allowed {
		statusCode = http.StatusTooManyRequests
		response.RetryAfterMs = bucket.WaitTimeN(cost).Milliseconds()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

// QueueStates handles GET /queues requests, returning a snapshot of every
// live queue keyed by bucket name.
func (h *Handler) QueueStates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.sendError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET requests are allowed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.limiter.States())
}

func (h *Handler) sendError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}

// MetricsProvider defines the interface for getting metrics
type MetricsProvider interface {
	GetSnapshot() *metrics.Snapshot
}

// MetricsHandler handles GET /stats requests
type MetricsHandler struct {
	provider MetricsProvider
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(provider MetricsProvider) *MetricsHandler {
	return &MetricsHandler{provider: provider}
}

// ServeHTTP handles the metrics snapshot endpoint
func (h *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshot := h.provider.GetSnapshot()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*") // Allow dashboard to fetch
	json.NewEncoder(w).Encode(snapshot)
}
