package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupMetricsTest creates a test meter provider and returns a function to collect metrics.
func setupMetricsTest(t *testing.T) (*sdkmetric.ManualReader, func()) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	originalProvider := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)

	cleanup := func() {
		otel.SetMeterProvider(originalProvider)
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down meter provider: %v", err)
		}
	}

	return reader, cleanup
}

// collectMetrics collects all metrics from the reader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	err := reader.Collect(context.Background(), &rm)
	require.NoError(t, err)
	return &rm
}

// findMetric finds a metric by name in the collected data.
func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor returns the counter value for the datapoint carrying key=value.
func sumFor(t *testing.T, m *metricdata.Metrics, key, value string) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "Expected Sum type")
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attributeKey(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	return 0
}

func TestNewMetricsRecorder(t *testing.T) {
	_, cleanup := setupMetricsTest(t)
	defer cleanup()

	recorder := NewMetricsRecorder()
	require.NotNil(t, recorder)

	_, isNoop := recorder.(NoopMetrics)
	assert.False(t, isNoop, "Expected real metrics recorder, got noop")
}

func TestRecordEvent(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordEvent(ctx, "wakeup", OutcomeOK, 20*time.Millisecond)
	m.RecordEvent(ctx, "wakeup", OutcomeOK, 30*time.Millisecond)
	m.RecordEvent(ctx, "session_event", OutcomeRetry, 5*time.Millisecond)

	rm := collectMetrics(t, reader)

	events := findMetric(rm, "flowengine.events")
	require.NotNil(t, events)
	assert.Equal(t, int64(2), sumFor(t, events, "event_type", "wakeup"))
	assert.Equal(t, int64(1), sumFor(t, events, "outcome", OutcomeRetry))

	latency := findMetric(rm, "flowengine.event.latency_ms")
	require.NotNil(t, latency)
	hist, ok := latency.Data.(metricdata.Histogram[float64])
	require.True(t, ok, "Expected Histogram type")
	assert.NotEmpty(t, hist.DataPoints)
}

func TestRecordCheckpointAndSessions(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordCheckpoint(ctx, "PingFlow", 512)
	m.RecordSessionMessages(ctx, "DATA", 3)
	m.RecordSessionMessages(ctx, "ACK", 0)
	m.RecordRedelivery(ctx, "wakeup")

	rm := collectMetrics(t, reader)

	size := findMetric(rm, "flowengine.checkpoint.size_bytes")
	require.NotNil(t, size)
	hist, ok := size.Data.(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, int64(512), hist.DataPoints[0].Sum)

	msgs := findMetric(rm, "flowengine.session.messages")
	require.NotNil(t, msgs)
	assert.Equal(t, int64(3), sumFor(t, msgs, "message_type", "DATA"))
	assert.Equal(t, int64(0), sumFor(t, msgs, "message_type", "ACK"))

	redeliveries := findMetric(rm, "flowengine.event.redeliveries")
	require.NotNil(t, redeliveries)
	assert.Equal(t, int64(1), sumFor(t, redeliveries, "event_type", "wakeup"))
}
