package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"trialguard/internal/config"
	apperrors "trialguard/internal/errors"
	"trialguard/internal/infrastructure"
	"trialguard/internal/license"
	customMiddleware "trialguard/internal/middleware"
	handlers "trialguard/internal/transport/http"
	ws "trialguard/internal/websocket"
)

// VERSION is reported by /api/health and the CLI.
const VERSION = infrastructure.ServiceVersion

// Application wires the trial guard to its HTTP surface.
type Application struct {
	Config        *config.Config
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
	Guard         *license.Guard
	Gate          *customMiddleware.TrialGate
	WebSocketHub  *ws.Hub
	Router        *chi.Mux
	Server        *http.Server

	listener net.Listener
	stopOnce sync.Once
}

// NewApplication loads configuration from the environment and builds the
// application.
func NewApplication(guardOpts ...license.Option) (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return New(cfg, logger, guardOpts...)
}

// New builds the application from an explicit configuration. guardOpts are
// appended after the defaults so callers can override the clock, hardware
// sources or prompter.
func New(cfg *config.Config, logger *slog.Logger, guardOpts ...license.Option) (*Application, error) {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}

	providers, err := infrastructure.InitializeOTel(infrastructure.OTelConfigFromTelemetry(cfg.Telemetry), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	a := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: providers,
	}

	if err := a.initializeServices(guardOpts); err != nil {
		_ = providers.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	a.setupRouter()
	a.createServer()

	return a, nil
}

func (a *Application) initializeServices(guardOpts []license.Option) error {
	trialMetrics, err := license.NewTrialMetrics(a.OTelProviders.Meter)
	if err != nil {
		return err
	}

	opts := append([]license.Option{
		license.WithLogger(a.Logger),
		license.WithMetrics(trialMetrics),
	}, guardOpts...)

	guard, err := license.NewGuard(a.Config.Trial, opts...)
	if err != nil {
		return fmt.Errorf("failed to initialize trial guard: %w", err)
	}
	a.Guard = guard

	gateMetrics, err := customMiddleware.NewGateMetrics(a.OTelProviders.Meter)
	if err != nil {
		return err
	}
	a.Gate = customMiddleware.NewTrialGate(guard, a.Logger)
	a.Gate.SetMetrics(gateMetrics)
	a.Gate.SetClock(guard.Clock())

	hubMetrics, err := ws.NewHubMetrics(a.OTelProviders.Meter)
	if err != nil {
		return err
	}
	a.WebSocketHub = ws.NewHub(a.Logger, hubMetrics)

	guard.OnTransition(func(ctx context.Context, t license.Transition) {
		a.Gate.InvalidateCache()
		a.WebSocketHub.BroadcastTransition(ctx, t)
	})

	return nil
}

// setupRouter configures the HTTP router with all routes
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	// RequestID → RealIP → OTel → Logger → Recoverer
	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)

	// the upgrade must not see wrapped response writers
	r.Handle("/ws", ws.NewHandler(a.WebSocketHub, a.Guard.Status, a.Logger))

	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", handlers.NewMetricsHandler(a.OTelProviders.PrometheusHTTP))
	}

	errorHandler := apperrors.NewErrorHandler(a.Logger, false)
	r.NotFound(errorHandler.NotFound)
	r.MethodNotAllowed(errorHandler.MethodNotAllowed)

	r.Group(func(r chi.Router) {
		otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders)
		if err != nil {
			a.Logger.Error("Failed to create OpenTelemetry middleware", slog.String("error", err.Error()))
		} else {
			r.Use(otelMiddleware.Handler)
		}
		r.Use(customMiddleware.StructuredLogger(a.Logger))
		r.Use(customMiddleware.Recoverer(a.Logger))
		r.Use(customMiddleware.SecurityHeaders)

		a.setupAPIRoutes(r)
	})

	a.Router = r
}

// setupAPIRoutes configures API endpoints
func (a *Application) setupAPIRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Mount("/health", handlers.NewHealthHandler(a.Guard, VERSION, a.Logger).Routes())

		limiter := customMiddleware.NewRateLimiter(
			a.Config.Server.ActivationRPS,
			a.Config.Server.ActivationBurst,
			a.Logger,
		)
		r.Mount("/trial", handlers.NewTrialHandler(a.Guard, limiter, a.Logger).Routes())

		r.Route("/app", func(r chi.Router) {
			r.Use(a.Gate.Handler)
			r.Get("/info", a.handleAppInfo)
		})
	})
}

// AppInfo is served behind the trial gate.
type AppInfo struct {
	AppName         string  `json:"app_name"`
	Version         string  `json:"version"`
	DaysRemaining   float64 `json:"days_remaining"`
	PurchaseContact string  `json:"purchase_contact"`
}

func (a *Application) handleAppInfo(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, AppInfo{
		AppName:         a.Config.Trial.AppName,
		Version:         VERSION,
		DaysRemaining:   a.Guard.DaysRemaining(r.Context()),
		PurchaseContact: a.Config.Trial.PurchaseContact,
	})
}

func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         a.Config.Server.Addr(),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Start binds the listener and serves in the background. cancel is called
// when the server fails after startup.
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	status, err := a.Guard.Status(ctx)
	if err != nil {
		return fmt.Errorf("trial storage unavailable: %w", err)
	}

	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.Server.Addr, err)
	}
	a.listener = ln

	a.WebSocketHub.Start()

	go func() {
		err := a.Server.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.ErrorContext(ctx, "Server error", slog.String("error", err.Error()))
			if cancel != nil {
				cancel()
			}
		}
	}()

	a.Logger.InfoContext(ctx, "Application started",
		slog.String("app", a.Config.Trial.AppName),
		slog.String("version", VERSION),
		slog.String("address", ln.Addr().String()),
		slog.String("trial_state", status.State.String()),
		slog.Float64("days_remaining", status.DaysRemaining))

	return nil
}

// Addr returns the bound address once Start has succeeded.
func (a *Application) Addr() string {
	if a.listener == nil {
		return a.Server.Addr
	}
	return a.listener.Addr().String()
}

// Stop shuts the server down gracefully. It is safe to call more than once.
func (a *Application) Stop(ctx context.Context) error {
	var stopErr error
	a.stopOnce.Do(func() {
		a.Logger.InfoContext(ctx, "Shutting down application")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Config.Server.ShutdownTimeout)
		defer cancel()

		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			stopErr = fmt.Errorf("server shutdown error: %w", err)
		}

		a.WebSocketHub.Stop()
		a.Guard.Close()

		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}

		a.Logger.InfoContext(ctx, "Application shutdown complete")
	})
	return stopErr
}

// Run serves until SIGINT, SIGTERM or a server failure.
func (a *Application) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := a.Start(ctx, cancel); err != nil {
		return err
	}

	<-ctx.Done()
	a.Logger.InfoContext(ctx, "Received shutdown signal")

	return a.Stop(ctx)
}
