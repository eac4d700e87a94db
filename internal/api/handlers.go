package api

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/neverinfamous/postgresql-mcp/internal/codemode"
)

// Handler contains all HTTP handlers.
type Handler struct {
	service *codemode.Service
	logger  zerolog.Logger
}

// NewHandler creates a new handler.
func NewHandler(service *codemode.Service, logger zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

// HealthCheck handles health check requests.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "postgresql-mcp",
	})
}

// PoolStats reports sandbox pool occupancy.
func (h *Handler) PoolStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.service.Stats())
}

// ExecuteCode handles direct execution requests. The caller identity for
// rate limiting and audit comes from the X-Caller-ID header.
func (h *Handler) ExecuteCode(w http.ResponseWriter, r *http.Request) {
	var req codemode.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.CallerID = r.Header.Get("X-Caller-ID")

	resp := h.service.Execute(r.Context(), req)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error().Err(err).Msg("failed to write execution response")
	}
}

// errorResponse writes a JSON error response.
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
