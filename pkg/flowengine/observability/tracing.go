package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer is the flow engine tracer instance.
// Uses the global OTel tracer provider.
var tracer = otel.Tracer("flowengine")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartEventSpan starts a span covering the processing of one flow event.
	StartEventSpan(ctx context.Context, flowID, eventType string) (context.Context, trace.Span)

	// StartStageSpan starts a span for one pipeline stage.
	// The stage span should be a child of the event span.
	StartStageSpan(ctx context.Context, stage string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// The span manager uses the global OTel tracer provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

// StartEventSpan starts a span for one flow event.
func (m *otelSpanManager) StartEventSpan(ctx context.Context, flowID, eventType string) (context.Context, trace.Span) {
	return StartEventSpan(ctx, flowID, eventType)
}

// StartStageSpan starts a span for a pipeline stage.
func (m *otelSpanManager) StartStageSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	return StartStageSpan(ctx, stage)
}

// EndSpanWithError completes a span, optionally recording an error.
func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	EndSpanWithError(span, err)
}

// AddSpanEvent adds an event to the current span.
func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	AddSpanEvent(ctx, name, attrs...)
}

// Convenience functions that operate on the global tracer.

// StartEventSpan starts a span for one flow event.
// Uses the global OTel tracer.
func StartEventSpan(ctx context.Context, flowID, eventType string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "flowengine.event",
		trace.WithAttributes(
			attribute.String("flow.id", flowID),
			attribute.String("event.type", eventType),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

// StartStageSpan starts a span for a pipeline stage.
// Uses the global OTel tracer.
func StartStageSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "flowengine.stage."+stage,
		trace.WithAttributes(
			attribute.String("stage", stage),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span in context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
