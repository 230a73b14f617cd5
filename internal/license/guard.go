package license

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"time"

	"trialguard/internal/config"
	apperrors "trialguard/internal/errors"
	"trialguard/internal/infrastructure"
	"trialguard/internal/security"
)

// Status is a read-only snapshot of the trial.
type Status struct {
	State           State      `json:"state"`
	Active          bool       `json:"active"`
	DaysRemaining   float64    `json:"days_remaining"`
	HoursRemaining  float64    `json:"hours_remaining"`
	ActivatedAt     *time.Time `json:"activated_at,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	ExpiredAt       *time.Time `json:"expired_at,omitempty"`
	TamperFlags     []string   `json:"tamper_flags"`
	Message         string     `json:"message"`
	AppName         string     `json:"app_name"`
	PurchaseContact string     `json:"purchase_contact"`
	TrialDays       int        `json:"trial_days"`
	CheckedAt       time.Time  `json:"checked_at"`
}

// Err returns the domain error matching a non-active state, nil when active.
func (s *Status) Err() error {
	switch s.State {
	case StateActive:
		return nil
	case StateExpired:
		return apperrors.ErrTrialExpired
	case StateTampered:
		return &apperrors.TamperDetectedError{Flags: s.TamperFlags}
	default:
		return apperrors.ErrTrialNotActivated
	}
}

type guardOptions struct {
	clock       Clock
	sources     []security.HardwareSource
	prompter    Prompter
	out         io.Writer
	exit        func(int)
	logger      *slog.Logger
	metrics     *TrialMetrics
	fingerprint *security.FingerprintService
}

// Option configures a Guard
type Option func(*guardOptions)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(o *guardOptions) { o.clock = c }
}

// WithHardwareSources replaces the platform hardware sources.
func WithHardwareSources(sources ...security.HardwareSource) Option {
	return func(o *guardOptions) { o.sources = sources }
}

// WithFingerprintService shares an existing fingerprint service.
func WithFingerprintService(svc *security.FingerprintService) Option {
	return func(o *guardOptions) { o.fingerprint = svc }
}

// WithPrompter sets how activation consent is requested.
func WithPrompter(p Prompter) Option {
	return func(o *guardOptions) { o.prompter = p }
}

// WithConsent answers the activation prompt without asking.
func WithConsent(consent bool) Option {
	return func(o *guardOptions) { o.prompter = StaticConsent(consent) }
}

// WithOutput sets where views are printed.
func WithOutput(w io.Writer) Option {
	return func(o *guardOptions) { o.out = w }
}

// WithExitFunc replaces os.Exit for RequireValidTrial with autoExit.
func WithExitFunc(fn func(int)) Option {
	return func(o *guardOptions) { o.exit = fn }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *guardOptions) { o.logger = l }
}

// WithMetrics records trial metrics
func WithMetrics(m *TrialMetrics) Option {
	return func(o *guardOptions) { o.metrics = m }
}

// Guard is the entry point applications use to protect themselves with a
// trial. It is safe for concurrent use.
type Guard struct {
	cfg       config.TrialConfig
	machine   *StateMachine
	store     *EncryptedStore
	fp        *security.Fingerprint
	keys      *security.TrialKeys
	clock     Clock
	presenter *Presenter
	prompter  Prompter
	exit      func(int)
	logger    *slog.Logger
	metrics   *TrialMetrics
}

// NewGuard builds a guard for cfg. It fails when the machine cannot be
// identified or no storage location exists.
func NewGuard(cfg config.TrialConfig, opts ...Option) (*Guard, error) {
	o := guardOptions{
		clock:    SystemClock{},
		prompter: HuhPrompter{},
		out:      os.Stdout,
		exit:     os.Exit,
		logger:   infrastructure.GetLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if cfg.AppName == "" {
		return nil, errors.New("trial app name is required")
	}
	if cfg.Duration <= 0 {
		return nil, errors.New("trial duration must be positive")
	}
	if cfg.KDF.N == 0 {
		cfg.KDF = config.DefaultTrialConfig().KDF
	}

	logger := o.logger.With(slog.String("component", "trial_guard"), slog.String("app", cfg.AppName))

	svc := o.fingerprint
	if svc == nil {
		fpOpts := []security.FingerprintOption{
			security.WithMinSources(cfg.MinHardwareSources),
			security.WithFingerprintLogger(o.logger),
		}
		if len(o.sources) > 0 {
			fpOpts = append(fpOpts, security.WithSources(o.sources...))
		}
		svc = security.NewFingerprintService(fpOpts...)
	}

	fp, err := svc.Compute()
	if err != nil {
		return nil, fmt.Errorf("failed to identify machine: %w", err)
	}

	encCfg := security.DefaultEncryptionConfig()
	encCfg.SCryptN, encCfg.SCryptR, encCfg.SCryptP = cfg.KDF.N, cfg.KDF.R, cfg.KDF.P
	keys, err := security.DeriveKeys(fp.ID, cfg.AppName, encCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to derive trial keys: %w", err)
	}

	locations, err := config.ResolveStorageLocations(cfg.StorageDirs)
	if err != nil {
		keys.Clear()
		return nil, &apperrors.StorageWriteError{Causes: []error{err}}
	}

	store := NewEncryptedStore(cfg.AppName, locations, fp, keys, cfg.ReadPolicy, o.logger)
	machine := NewStateMachine(cfg.AppName, cfg.Duration, o.clock, store,
		NewTamperDetector(cfg.ClockSkewTolerance), fp, keys, o.logger)

	g := &Guard{
		cfg:       cfg,
		machine:   machine,
		store:     store,
		fp:        fp,
		keys:      keys,
		clock:     o.clock,
		presenter: NewPresenter(o.out),
		prompter:  o.prompter,
		exit:      o.exit,
		logger:    logger,
		metrics:   o.metrics,
	}
	if o.metrics != nil {
		machine.OnTransition(o.metrics.recordTransition)
	}

	logger.Debug("Trial guard ready",
		slog.String("fingerprint", fp.ShortID()),
		slog.Bool("reduced_entropy", fp.ReducedEntropy),
		slog.Int("locations", len(locations)),
	)
	return g, nil
}

// OnTransition registers an observer for trial state changes.
func (g *Guard) OnTransition(fn TransitionObserver) {
	g.machine.OnTransition(fn)
}

// StoragePaths returns the redundant copy paths.
func (g *Guard) StoragePaths() []string {
	return g.store.Paths()
}

// Fingerprint returns the machine fingerprint the guard is bound to.
func (g *Guard) Fingerprint() security.Fingerprint {
	return *g.fp
}

// Clock returns the clock trial state is evaluated with.
func (g *Guard) Clock() Clock {
	return g.clock
}

// Close wipes the derived keys. The guard is unusable afterwards.
func (g *Guard) Close() {
	g.keys.Clear()
}

func (g *Guard) check(ctx context.Context) (*Evaluation, error) {
	return g.traceEvaluation(ctx, "check", g.machine.Check)
}

func (g *Guard) activate(ctx context.Context, consent bool) (*Evaluation, error) {
	return g.traceEvaluation(ctx, "activate", func(ctx context.Context) (*Evaluation, error) {
		return g.machine.Activate(ctx, consent)
	})
}

// RequireValidTrial checks the trial and, when none exists, asks for consent
// and activates one. It returns true only for an active trial. On any other
// outcome the matching view is printed and, with autoExit, the process exits
// with status 1.
func (g *Guard) RequireValidTrial(ctx context.Context, autoExit bool) (bool, error) {
	ctx = infrastructure.EnsureTraceID(ctx)

	eval, err := g.check(ctx)
	if err != nil {
		return false, g.fail(ctx, autoExit, err)
	}

	prompted := false
	if eval.State == StateUninitialized {
		prompted = true
		if eval, err = g.promptAndActivate(ctx, eval); err != nil {
			return false, g.fail(ctx, autoExit, err)
		}
	}

	if eval.State == StateActive {
		return true, nil
	}

	if !(prompted && eval.State == StateUninitialized) {
		if err := g.presenter.Message(g.status(eval)); err != nil {
			g.logWarn(ctx, "show_message", "Failed to print trial message", slog.String("error", err.Error()))
		}
	}

	g.logInfo(ctx, "require_trial", "Trial not valid", slog.String("state", eval.State.String()))
	if autoExit {
		g.exit(1)
	}
	return false, nil
}

func (g *Guard) promptAndActivate(ctx context.Context, eval *Evaluation) (*Evaluation, error) {
	status := g.status(eval)
	if err := g.presenter.Message(status); err != nil {
		return nil, err
	}

	consent, err := g.prompter.Confirm(ctx,
		fmt.Sprintf("Start your free %d-day trial of %s?", status.TrialDays, g.cfg.AppName),
		"The trial is bound to this machine and cannot be restarted.")
	if err != nil {
		g.logWarn(ctx, "activation_prompt", "Activation prompt failed", slog.String("error", err.Error()))
		consent = false
	}

	activated, err := g.activate(ctx, consent)
	switch {
	case errors.Is(err, apperrors.ErrActivationDeclined):
		g.logInfo(ctx, "activation", "Trial activation declined")
		_ = g.presenter.Declined(g.status(activated))
		return activated, nil
	case errors.Is(err, apperrors.ErrAlreadyActivated):
		// another guard activated first; fall through to the re-check
	case err != nil:
		return nil, err
	default:
		_ = g.presenter.Activated(g.status(activated))
	}

	return g.check(ctx)
}

func (g *Guard) fail(ctx context.Context, autoExit bool, err error) error {
	g.logError(ctx, "require_trial", "Trial check failed", slog.String("error", err.Error()))
	if autoExit {
		g.exit(1)
	}
	return err
}

// IsValid runs a full check, refreshing the last-seen time, and reports
// whether the trial is active.
func (g *Guard) IsValid(ctx context.Context) (bool, error) {
	eval, err := g.check(infrastructure.EnsureTraceID(ctx))
	if err != nil {
		return false, err
	}
	return eval.State == StateActive, nil
}

// Check runs a full check and returns the resulting status.
func (g *Guard) Check(ctx context.Context) (*Status, error) {
	eval, err := g.check(infrastructure.EnsureTraceID(ctx))
	if err != nil {
		return nil, err
	}
	return g.status(eval), nil
}

// Status returns a snapshot without writing anything.
func (g *Guard) Status(ctx context.Context) (*Status, error) {
	eval, err := g.machine.Evaluate(infrastructure.EnsureTraceID(ctx))
	if err != nil {
		return nil, err
	}
	return g.status(eval), nil
}

// DaysRemaining returns the fractional days left, 0 unless active.
func (g *Guard) DaysRemaining(ctx context.Context) float64 {
	s, err := g.Status(ctx)
	if err != nil {
		return 0
	}
	return s.DaysRemaining
}

// Activate starts a trial without prompting. ErrActivationDeclined and
// ErrAlreadyActivated are returned together with the current status.
func (g *Guard) Activate(ctx context.Context, consent bool) (*Status, error) {
	eval, err := g.activate(infrastructure.EnsureTraceID(ctx), consent)
	if eval == nil {
		return nil, err
	}
	return g.status(eval), err
}

// ShowTrialInfoBanner prints a short reminder when the trial is active and
// fewer than the configured threshold remains.
func (g *Guard) ShowTrialInfoBanner(ctx context.Context) error {
	s, err := g.Status(ctx)
	if err != nil {
		return err
	}
	if s.State != StateActive {
		return nil
	}
	if s.HoursRemaining*float64(time.Hour) >= float64(g.bannerThreshold()) {
		return nil
	}
	return g.presenter.Banner(s)
}

func (g *Guard) bannerThreshold() time.Duration {
	if g.cfg.BannerThreshold > 0 {
		return g.cfg.BannerThreshold
	}
	return config.DefaultBannerThreshold
}

// ShowTrialMessage prints the full view for the current state.
func (g *Guard) ShowTrialMessage(ctx context.Context) error {
	s, err := g.Status(ctx)
	if err != nil {
		return err
	}
	return g.presenter.Message(s)
}

// RequireTrial wraps fn so it only runs with an active trial. Without one the
// wrapper returns the state's domain error instead.
func (g *Guard) RequireTrial(fn func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ok, err := g.RequireValidTrial(ctx, false)
		if err != nil {
			return err
		}
		if !ok {
			s, err := g.Status(ctx)
			if err != nil {
				return err
			}
			return s.Err()
		}
		return fn(ctx)
	}
}

// status converts an evaluation into the public snapshot.
func (g *Guard) status(eval *Evaluation) *Status {
	s := &Status{
		State:           eval.State,
		Active:          eval.State == StateActive,
		TamperFlags:     eval.Flags.Strings(),
		AppName:         g.cfg.AppName,
		PurchaseContact: g.cfg.PurchaseContact,
		TrialDays:       int(math.Round(g.cfg.Duration.Hours() / 24)),
		CheckedAt:       eval.Now,
	}

	if rec := eval.Record; rec != nil {
		activated, expires := rec.ActivatedAt, rec.ExpiresAt
		s.ActivatedAt, s.ExpiresAt = &activated, &expires
		if !rec.ExpiredAt.IsZero() {
			expired := rec.ExpiredAt
			s.ExpiredAt = &expired
		}
	}

	if s.Active {
		remaining := eval.Record.Remaining(eval.Now)
		s.HoursRemaining = remaining.Hours()
		s.DaysRemaining = remaining.Hours() / 24
	}

	s.Message = statusMessage(s, eval)
	return s
}

func statusMessage(s *Status, eval *Evaluation) string {
	switch s.State {
	case StateUninitialized:
		return fmt.Sprintf("No trial found. Start your free %d-day trial!", s.TrialDays)
	case StateActive:
		return fmt.Sprintf("Trial active - %.1f days remaining", s.DaysRemaining)
	case StateExpired:
		if eval.Record != nil {
			ago := eval.Now.Sub(eval.Record.ExpiresAt).Hours() / 24
			if ago >= 1 {
				return fmt.Sprintf("Trial expired %d days ago", int(ago))
			}
		}
		return "Trial expired"
	default:
		switch {
		case eval.Flags.Has(FlagMachineMismatch):
			return "Trial is locked to a different machine"
		case eval.Flags.Has(FlagClockRollback):
			return "System clock has been tampered with"
		default:
			return "Trial data has been tampered with"
		}
	}
}
