package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "trialguard/internal/errors"
	"trialguard/internal/license"
	"trialguard/internal/middleware"
)

// TrialService is the part of the guard exposed over HTTP.
type TrialService interface {
	Status(ctx context.Context) (*license.Status, error)
	Activate(ctx context.Context, consent bool) (*license.Status, error)
}

// ActivateRequest is the body of POST /api/trial/activate.
type ActivateRequest struct {
	Consent *bool `json:"consent" validate:"required"`
}

// TrialHandler serves trial status and activation.
type TrialHandler struct {
	service   TrialService
	validator *middleware.ValidationMiddleware
	limiter   *middleware.RateLimiter
	errors    *apperrors.ErrorHandler
	logger    *slog.Logger
	timeout   time.Duration
}

// NewTrialHandler creates a trial handler. limiter may be nil to leave
// activation unthrottled.
func NewTrialHandler(service TrialService, limiter *middleware.RateLimiter, logger *slog.Logger) *TrialHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TrialHandler{
		service:   service,
		validator: middleware.NewValidationMiddleware(logger),
		limiter:   limiter,
		errors:    apperrors.NewErrorHandler(logger, false),
		logger:    logger.With(slog.String("handler", "trial")),
		timeout:   10 * time.Second,
	}
}

// Routes returns a router for the trial endpoints
func (h *TrialHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Get("/status", h.GetStatus)
	r.Group(func(r chi.Router) {
		if h.limiter != nil {
			r.Use(h.limiter.Handler)
		}
		r.Use(middleware.ContentTypeValidator("application/json"))
		r.Post("/activate", h.Activate)
	})

	return r
}

// GetStatus handles GET /api/trial/status
func (h *TrialHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("trial-handler").Start(r.Context(), "trial_handler.get_status")
	defer span.End()

	reqID := middleware.GetRequestID(ctx)

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	status, err := h.service.Status(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "Failed to read trial status",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		span.RecordError(err)
		h.errors.HandleError(w, r, err)
		return
	}

	span.SetAttributes(
		attribute.String("trial.state", status.State.String()),
		attribute.Float64("trial.days_remaining", status.DaysRemaining),
	)

	h.logger.DebugContext(ctx, "Trial status served",
		slog.String("request_id", reqID),
		slog.String("state", status.State.String()),
	)

	render.JSON(w, r, status)
}

// Activate handles POST /api/trial/activate
func (h *TrialHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("trial-handler").Start(r.Context(), "trial_handler.activate",
		trace.WithAttributes(attribute.String("client.address", middleware.GetRealIP(r))),
	)
	defer span.End()

	reqID := middleware.GetRequestID(ctx)

	var req ActivateRequest
	if err := h.validator.DecodeAndValidate(r, &req); err != nil {
		h.logger.WarnContext(ctx, "Invalid activation request",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		h.errors.HandleError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	status, err := h.service.Activate(ctx, *req.Consent)
	if err != nil {
		h.logger.WarnContext(ctx, "Trial activation rejected",
			slog.String("request_id", reqID),
			slog.Bool("consent", *req.Consent),
			slog.String("error", err.Error()),
		)
		span.RecordError(err)
		h.errors.HandleError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "Trial activated over HTTP",
		slog.String("request_id", reqID),
		slog.String("state", status.State.String()),
	)

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, status)
}
