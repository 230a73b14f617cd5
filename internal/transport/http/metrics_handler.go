package http

import (
	"net/http"

	"github.com/go-chi/render"

	apperrors "trialguard/internal/errors"
)

// MetricsHandler exposes the Prometheus registry fed by the OTel exporter.
type MetricsHandler struct {
	exporter http.Handler
}

// NewMetricsHandler wraps the exporter handler. A nil exporter means metrics
// export is disabled and the endpoint answers 404.
func NewMetricsHandler(exporter http.Handler) *MetricsHandler {
	return &MetricsHandler{exporter: exporter}
}

// ServeHTTP handles GET /metrics
func (h *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.exporter == nil {
		problem := apperrors.NewProblemDetails(
			http.StatusNotFound,
			apperrors.TypeNotFound,
			"Metrics Disabled",
			"Metric export is not enabled",
			r.URL.Path,
		)
		_ = render.Render(w, r, problem)
		return
	}
	h.exporter.ServeHTTP(w, r)
}
