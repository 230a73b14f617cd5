package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"trialguard/internal/license"
)

// StatusReader reports the trial state without changing it.
type StatusReader interface {
	Status(ctx context.Context) (*license.Status, error)
}

// HealthResponse is the body of every health endpoint.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version,omitempty"`
	TrialState string `json:"trial_state,omitempty"`
	Error      string `json:"error,omitempty"`
	Uptime     string `json:"uptime,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	trial   StatusReader
	version string
	started time.Time
	logger  *slog.Logger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(trial StatusReader, version string, logger *slog.Logger) *HealthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthHandler{
		trial:   trial,
		version: version,
		started: time.Now(),
		logger:  logger.With(slog.String("handler", "health")),
	}
}

// Routes mounts /, /ready and /live.
func (h *HealthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.HealthCheck)
	r.Get("/ready", h.ReadinessCheck)
	r.Get("/live", h.LivenessCheck)
	return r
}

// HealthCheck handles GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, HealthResponse{
		Status:    "ok",
		Version:   h.version,
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// ReadinessCheck handles GET /api/health/ready. The service is ready once
// the trial storage can be read; the trial state itself does not matter.
func (h *HealthHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{Timestamp: time.Now().UTC().Format(time.RFC3339)}

	status, err := h.trial.Status(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "Readiness check failed", slog.String("error", err.Error()))
		resp.Status = "not_ready"
		resp.Error = err.Error()
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, resp)
		return
	}

	resp.Status = "ready"
	resp.TrialState = status.State.String()
	render.JSON(w, r, resp)
}

// LivenessCheck handles GET /api/health/live
func (h *HealthHandler) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, HealthResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
