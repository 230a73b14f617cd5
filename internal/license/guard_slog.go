package license

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"trialguard/internal/infrastructure"
)

// logAction logs a guard action with trace correlation and adds a matching
// span event when a span is recording.
func (g *Guard) logAction(ctx context.Context, level slog.Level, action, result string, attrs ...slog.Attr) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent("trial."+action, trace.WithAttributes(
			attribute.String("action", action),
			attribute.String("result", result),
		))
	}

	all := []slog.Attr{
		slog.String("action", action),
		slog.String("result", result),
		slog.String("trace_id", infrastructure.GetTraceID(ctx)),
		slog.String("fingerprint", g.fp.ShortID()),
	}
	all = append(all, attrs...)

	g.logger.LogAttrs(ctx, level, result, all...)
}

func (g *Guard) logInfo(ctx context.Context, action, result string, attrs ...slog.Attr) {
	g.logAction(ctx, slog.LevelInfo, action, result, attrs...)
}

func (g *Guard) logWarn(ctx context.Context, action, result string, attrs ...slog.Attr) {
	g.logAction(ctx, slog.LevelWarn, action, result, attrs...)
}

func (g *Guard) logError(ctx context.Context, action, result string, attrs ...slog.Attr) {
	g.logAction(ctx, slog.LevelError, action, result, attrs...)
}
