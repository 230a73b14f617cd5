package license

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	apperrors "trialguard/internal/errors"
)

const (
	TracerName = "trialguard-license"
	MeterName  = "trialguard-license"
)

// TrialMetrics holds the trial guard OpenTelemetry instruments
type TrialMetrics struct {
	Checks               metric.Int64Counter
	CheckDuration        metric.Float64Histogram
	Activations          metric.Int64Counter
	TamperFlags          metric.Int64Counter
	Transitions          metric.Int64Counter
	StorageWriteFailures metric.Int64Counter
}

// NewTrialMetrics creates the trial instruments on meter
func NewTrialMetrics(meter metric.Meter) (*TrialMetrics, error) {
	m := &TrialMetrics{}
	var err error

	m.Checks, err = meter.Int64Counter(
		"trial_checks_total",
		metric.WithDescription("Total number of trial checks by resulting state"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create checks counter: %w", err)
	}

	m.CheckDuration, err = meter.Float64Histogram(
		"trial_check_duration_seconds",
		metric.WithDescription("Trial check duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create check duration histogram: %w", err)
	}

	m.Activations, err = meter.Int64Counter(
		"trial_activations_total",
		metric.WithDescription("Total number of trial activation attempts by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activations counter: %w", err)
	}

	m.TamperFlags, err = meter.Int64Counter(
		"trial_tamper_flags_total",
		metric.WithDescription("Total number of tamper flags observed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tamper flags counter: %w", err)
	}

	m.Transitions, err = meter.Int64Counter(
		"trial_state_transitions_total",
		metric.WithDescription("Total number of trial state transitions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transitions counter: %w", err)
	}

	m.StorageWriteFailures, err = meter.Int64Counter(
		"trial_storage_write_failures_total",
		metric.WithDescription("Total number of trial writes that failed on every location"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage failures counter: %w", err)
	}

	return m, nil
}

// recordTransition is registered as a state machine observer.
func (m *TrialMetrics) recordTransition(ctx context.Context, t Transition) {
	m.Transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", t.From.String()),
		attribute.String("to", t.To.String()),
	))
	for _, flag := range t.Flags {
		m.TamperFlags.Add(ctx, 1, metric.WithAttributes(attribute.String("flag", string(flag))))
	}
}

// traceEvaluation wraps a check or activation with a span and metrics.
func (g *Guard) traceEvaluation(ctx context.Context, operation string, fn func(context.Context) (*Evaluation, error)) (*Evaluation, error) {
	tracer := otel.Tracer(TracerName)
	ctx, span := tracer.Start(ctx, "trial."+operation,
		trace.WithAttributes(
			attribute.String("trial.operation", operation),
			attribute.String("trial.app", g.cfg.AppName),
		),
	)
	defer span.End()

	start := time.Now()
	eval, err := fn(ctx)
	duration := time.Since(start)

	if eval != nil {
		span.SetAttributes(
			attribute.String("trial.state", eval.State.String()),
			attribute.String("trial.flags", strings.Join(eval.Flags.Strings(), ",")),
		)
	}

	switch {
	case err != nil && eval == nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case eval != nil && eval.State == StateTampered:
		span.SetStatus(codes.Error, "trial tampered")
	default:
		span.SetStatus(codes.Ok, "")
	}

	g.recordMetrics(ctx, operation, duration, eval, err)
	return eval, err
}

func (g *Guard) recordMetrics(ctx context.Context, operation string, duration time.Duration, eval *Evaluation, err error) {
	if g.metrics == nil {
		return
	}

	if errors.Is(err, apperrors.ErrStorageWrite) {
		g.metrics.StorageWriteFailures.Add(ctx, 1)
	}

	switch operation {
	case "activate":
		g.metrics.Activations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", activationResult(err))))
	default:
		state := "error"
		if eval != nil {
			state = eval.State.String()
		}
		labels := metric.WithAttributes(attribute.String("state", state))
		g.metrics.Checks.Add(ctx, 1, labels)
		g.metrics.CheckDuration.Record(ctx, duration.Seconds(), labels)
	}
}

func activationResult(err error) string {
	switch {
	case err == nil:
		return "activated"
	case errors.Is(err, apperrors.ErrActivationDeclined):
		return "declined"
	case errors.Is(err, apperrors.ErrAlreadyActivated):
		return "already_activated"
	default:
		return "error"
	}
}
