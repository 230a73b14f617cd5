package websocket

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// HubMetrics provides OpenTelemetry metrics for the hub
type HubMetrics struct {
	connectionsTotal   metric.Int64Counter
	connectionsActive  metric.Int64UpDownCounter
	connectionDuration metric.Float64Histogram
	messagesSent       metric.Int64Counter
	droppedMessages    metric.Int64Counter
}

// NewHubMetrics creates the hub instruments on meter.
func NewHubMetrics(meter metric.Meter) (*HubMetrics, error) {
	m := &HubMetrics{}
	var err error

	m.connectionsTotal, err = meter.Int64Counter(
		"websocket_connections_total",
		metric.WithDescription("Total number of WebSocket connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connections counter: %w", err)
	}

	m.connectionsActive, err = meter.Int64UpDownCounter(
		"websocket_connections_active",
		metric.WithDescription("Number of active WebSocket connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active connections counter: %w", err)
	}

	m.connectionDuration, err = meter.Float64Histogram(
		"websocket_connection_duration_seconds",
		metric.WithDescription("Duration of WebSocket connections"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection duration histogram: %w", err)
	}

	m.messagesSent, err = meter.Int64Counter(
		"websocket_messages_sent_total",
		metric.WithDescription("Total number of messages queued to clients"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messages counter: %w", err)
	}

	m.droppedMessages, err = meter.Int64Counter(
		"websocket_dropped_messages_total",
		metric.WithDescription("Messages dropped because a buffer was full"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dropped messages counter: %w", err)
	}

	return m, nil
}

func (m *HubMetrics) recordConnection(ctx context.Context) {
	if m == nil {
		return
	}
	m.connectionsTotal.Add(ctx, 1)
	m.connectionsActive.Add(ctx, 1)
}

func (m *HubMetrics) recordDisconnection(ctx context.Context, duration time.Duration, reason string) {
	if m == nil {
		return
	}
	m.connectionsActive.Add(ctx, -1)
	m.connectionDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *HubMetrics) recordBroadcast(ctx context.Context, msgType string, delivered, dropped int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("message_type", msgType))
	if delivered > 0 {
		m.messagesSent.Add(ctx, int64(delivered), attrs)
	}
	if dropped > 0 {
		m.droppedMessages.Add(ctx, int64(dropped), attrs)
	}
}
