package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	apperrors "trialguard/internal/errors"
	"trialguard/internal/license"
)

// TrialChecker runs a full trial check. *license.Guard satisfies it.
type TrialChecker interface {
	Check(ctx context.Context) (*license.Status, error)
}

// DefaultGateCacheTTL bounds how long an active result is reused.
const DefaultGateCacheTTL = 30 * time.Second

// TrialGate rejects requests unless the trial is active.
type TrialGate struct {
	checker         TrialChecker
	logger          *slog.Logger
	cache           *gateCache
	excludePaths    []string
	excludePrefixes []string
	metrics         *GateMetrics

	// serializes checks on a cache miss
	checkMu sync.Mutex
}

// gateCache holds the last active result. Non-active results are never
// cached so an expiry or tamper is reported on the next request. An entry
// never outlives the trial's own expiry.
type gateCache struct {
	mu         sync.RWMutex
	status     *license.Status
	validUntil time.Time
	ttl        time.Duration
	clock      license.Clock
}

// GateMetrics holds OpenTelemetry metrics for the trial gate
type GateMetrics struct {
	Requests    metric.Int64Counter
	Rejections  metric.Int64Counter
	CacheHits   metric.Int64Counter
	CheckLength metric.Float64Histogram
}

// NewGateMetrics creates the gate instruments on meter
func NewGateMetrics(meter metric.Meter) (*GateMetrics, error) {
	m := &GateMetrics{}
	var err error

	if m.Requests, err = meter.Int64Counter("trial_gate_requests_total",
		metric.WithDescription("Requests seen by the trial gate")); err != nil {
		return nil, fmt.Errorf("failed to create gate requests counter: %w", err)
	}
	if m.Rejections, err = meter.Int64Counter("trial_gate_rejections_total",
		metric.WithDescription("Requests rejected by the trial gate by state")); err != nil {
		return nil, fmt.Errorf("failed to create gate rejections counter: %w", err)
	}
	if m.CacheHits, err = meter.Int64Counter("trial_gate_cache_hits_total",
		metric.WithDescription("Requests admitted from the cached trial result")); err != nil {
		return nil, fmt.Errorf("failed to create gate cache counter: %w", err)
	}
	if m.CheckLength, err = meter.Float64Histogram("trial_gate_check_duration_seconds",
		metric.WithDescription("Trial check duration on a gate cache miss"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create gate duration histogram: %w", err)
	}
	return m, nil
}

// NewTrialGate creates a gate over checker.
func NewTrialGate(checker TrialChecker, logger *slog.Logger) *TrialGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &TrialGate{
		checker: checker,
		logger:  logger.With(slog.String("component", "trial_gate")),
		cache:   &gateCache{ttl: DefaultGateCacheTTL, clock: license.SystemClock{}},
		excludePaths: []string{
			"/api/trial/status",
			"/api/trial/activate",
			"/api/health",
			"/api/health/ready",
			"/api/health/live",
			"/metrics",
			"/ws",
		},
	}
}

// Handler returns the middleware handler function
func (g *TrialGate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otel.Tracer("trialguard-middleware").Start(r.Context(), "trial_gate.check",
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
			),
		)
		defer span.End()
		r = r.WithContext(ctx)

		if g.metrics != nil {
			g.metrics.Requests.Add(ctx, 1)
		}

		if g.shouldExcludePath(r.URL.Path) {
			span.SetAttributes(attribute.String("trial.gate", "excluded"))
			next.ServeHTTP(w, r)
			return
		}

		if g.cached() {
			span.SetAttributes(attribute.String("trial.gate", "cached"))
			if g.metrics != nil {
				g.metrics.CacheHits.Add(ctx, 1)
			}
			next.ServeHTTP(w, r)
			return
		}

		status, err := g.check(ctx)
		if err != nil {
			span.RecordError(err)
			g.logger.ErrorContext(ctx, "trial check failed",
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
			)
			g.reject(w, r, "error", err)
			return
		}

		span.SetAttributes(attribute.String("trial.state", status.State.String()))
		if !status.Active {
			g.logger.WarnContext(ctx, "request blocked by trial state",
				slog.String("path", r.URL.Path),
				slog.String("state", status.State.String()),
			)
			g.reject(w, r, status.State.String(), status.Err())
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (g *TrialGate) check(ctx context.Context) (*license.Status, error) {
	g.checkMu.Lock()
	defer g.checkMu.Unlock()

	if g.cached() {
		g.cache.mu.RLock()
		defer g.cache.mu.RUnlock()
		return g.cache.status, nil
	}

	start := time.Now()
	status, err := g.checker.Check(ctx)
	if g.metrics != nil {
		g.metrics.CheckLength.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		g.InvalidateCache()
		return nil, err
	}

	g.cache.mu.Lock()
	if status.Active {
		until := g.cache.clock.Now().Add(g.cache.ttl)
		if status.ExpiresAt != nil && status.ExpiresAt.Before(until) {
			until = *status.ExpiresAt
		}
		g.cache.status = status
		g.cache.validUntil = until
	} else {
		g.cache.status = nil
		g.cache.validUntil = time.Time{}
	}
	g.cache.mu.Unlock()

	return status, nil
}

func (g *TrialGate) reject(w http.ResponseWriter, r *http.Request, reason string, err error) {
	if g.metrics != nil {
		g.metrics.Rejections.Add(r.Context(), 1, metric.WithAttributes(attribute.String("state", reason)))
	}
	problem := apperrors.MapTrialError(err, r.URL.Path, GetRequestID(r.Context()))
	_ = render.Render(w, r, problem)
}

func (g *TrialGate) shouldExcludePath(path string) bool {
	for _, excluded := range g.excludePaths {
		if path == excluded {
			return true
		}
	}
	for _, prefix := range g.excludePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (g *TrialGate) cached() bool {
	g.cache.mu.RLock()
	defer g.cache.mu.RUnlock()
	return g.cache.status != nil && g.cache.clock.Now().Before(g.cache.validUntil)
}

// AddExcludePath adds a path that bypasses the gate
func (g *TrialGate) AddExcludePath(path string) {
	g.excludePaths = append(g.excludePaths, path)
}

// AddExcludePrefix adds a path prefix that bypasses the gate
func (g *TrialGate) AddExcludePrefix(prefix string) {
	g.excludePrefixes = append(g.excludePrefixes, prefix)
}

// SetCacheTTL sets how long an active result is reused. Zero disables caching.
func (g *TrialGate) SetCacheTTL(ttl time.Duration) {
	g.cache.mu.Lock()
	defer g.cache.mu.Unlock()
	g.cache.ttl = ttl
}

// InvalidateCache drops the cached result, used after a state transition.
func (g *TrialGate) InvalidateCache() {
	g.cache.mu.Lock()
	defer g.cache.mu.Unlock()
	g.cache.status = nil
	g.cache.validUntil = time.Time{}
}

// SetClock sets the clock cache entries are timed against. It should be the
// clock the trial is evaluated with.
func (g *TrialGate) SetClock(c license.Clock) {
	if c == nil {
		return
	}
	g.cache.mu.Lock()
	defer g.cache.mu.Unlock()
	g.cache.clock = c
}

// SetMetrics sets the OpenTelemetry metrics for the gate
func (g *TrialGate) SetMetrics(metrics *GateMetrics) {
	g.metrics = metrics
}
