package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Event processing outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeRetry    = "retry"
	OutcomeHospital = "hospital"
	OutcomeError    = "error"
)

// MetricsRecorder records flow engine metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordEvent records one processed flow event with its outcome.
	RecordEvent(ctx context.Context, eventType, outcome string, duration time.Duration)

	// RecordCheckpoint records a checkpoint save.
	RecordCheckpoint(ctx context.Context, flowClass string, sizeBytes int64)

	// RecordSessionMessages records session messages sent to peers.
	RecordSessionMessages(ctx context.Context, messageType string, count int)

	// RecordRedelivery records a flow event redelivered after a recoverable error.
	RecordRedelivery(ctx context.Context, eventType string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	events          metric.Int64Counter
	eventLatency    metric.Float64Histogram
	checkpointSize  metric.Int64Histogram
	sessionMessages metric.Int64Counter
	redeliveries    metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("flowengine")

	events, err := meter.Int64Counter("flowengine.events",
		metric.WithDescription("Number of flow events processed"),
	)
	if err != nil {
		return nil, err
	}

	eventLatency, err := meter.Float64Histogram("flowengine.event.latency_ms",
		metric.WithDescription("Flow event processing latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	checkpointSize, err := meter.Int64Histogram("flowengine.checkpoint.size_bytes",
		metric.WithDescription("Checkpoint size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	sessionMessages, err := meter.Int64Counter("flowengine.session.messages",
		metric.WithDescription("Number of session messages sent"),
	)
	if err != nil {
		return nil, err
	}

	redeliveries, err := meter.Int64Counter("flowengine.event.redeliveries",
		metric.WithDescription("Number of flow events redelivered"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		events:          events,
		eventLatency:    eventLatency,
		checkpointSize:  checkpointSize,
		sessionMessages: sessionMessages,
		redeliveries:    redeliveries,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordEvent records a processed flow event.
func (m *otelMetrics) RecordEvent(ctx context.Context, eventType, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
	)
	m.events.Add(ctx, 1, attrs)
	m.eventLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordCheckpoint records a checkpoint save.
func (m *otelMetrics) RecordCheckpoint(ctx context.Context, flowClass string, sizeBytes int64) {
	m.checkpointSize.Record(ctx, sizeBytes, metric.WithAttributes(
		attribute.String("flow_class", flowClass),
	))
}

// RecordSessionMessages records session messages sent.
func (m *otelMetrics) RecordSessionMessages(ctx context.Context, messageType string, count int) {
	if count <= 0 {
		return
	}
	m.sessionMessages.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("message_type", messageType),
	))
}

// RecordRedelivery records a redelivered flow event.
func (m *otelMetrics) RecordRedelivery(ctx context.Context, eventType string) {
	m.redeliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}
