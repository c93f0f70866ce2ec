// Package processor is the entry point for one flow event. It runs the
// pipeline, classifies failures and routes unprocessable events to the
// flow hospital.
package processor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/randalmurphal/flowengine/pkg/flowengine/checkpoint"
	feerrors "github.com/randalmurphal/flowengine/pkg/flowengine/errors"
	"github.com/randalmurphal/flowengine/pkg/flowengine/event"
	"github.com/randalmurphal/flowengine/pkg/flowengine/hospital"
	"github.com/randalmurphal/flowengine/pkg/flowengine/observability"
	"github.com/randalmurphal/flowengine/pkg/flowengine/pipeline"
	"github.com/randalmurphal/flowengine/pkg/flowengine/session"
)

// Hospital receives events that could not be processed.
type Hospital interface {
	// Enqueue admits an event for a later retry.
	Enqueue(ctx context.Context, p *hospital.Patient) error

	// Park stores an event that will not succeed on retry.
	Park(ctx context.Context, p *hospital.Patient, reason string) error
}

// Processor applies flow events to checkpoints. It is stateless and safe
// for concurrent use; callers guarantee a single writer per flow.
type Processor struct {
	pipeline *pipeline.Pipeline
	hospital Hospital
	metrics  observability.MetricsRecorder
	spans    observability.SpanManager
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithHospital sets where failed events go.
func WithHospital(h Hospital) Option {
	return func(p *Processor) {
		p.hospital = h
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(p *Processor) {
		p.metrics = m
	}
}

// WithSpanManager sets the span manager.
func WithSpanManager(sm observability.SpanManager) Option {
	return func(p *Processor) {
		p.spans = sm
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithClock sets the time source used as the processing time of events.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		p.now = now
	}
}

// New creates a processor around pl.
func New(pl *pipeline.Pipeline, opts ...Option) *Processor {
	p := &Processor{
		pipeline: pl,
		hospital: hospital.NewInMemory(hospital.DefaultConfig),
		metrics:  observability.NoopMetrics{},
		spans:    observability.NoopSpanManager{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnNext processes evt against the flow's previous checkpoint, which is nil
// when the flow has none.
//
// A ProcessingError is not returned: the response carries the previous
// checkpoint with Retry set so the event is delivered again later. Every
// other error is returned after the event has been handed to the hospital:
// other recoverable errors are queued for a later retry, everything else is
// parked for an operator and processing of the key must stop.
func (p *Processor) OnNext(ctx context.Context, previous *checkpoint.Checkpoint, evt *event.FlowEvent) (pipeline.Response, error) {
	now := p.now()
	done := observability.TimedOperation()

	if evt == nil || evt.Payload == nil {
		err := &feerrors.HospitalError{Message: "event has no payload"}
		if evt != nil {
			err.FlowID = evt.FlowID
			err.EventID = evt.Meta.EventID
		}
		p.park(ctx, evt, err, "malformed event", now)
		p.metrics.RecordEvent(ctx, "", observability.OutcomeHospital, time.Since(now))
		return pipeline.Response{}, err
	}

	eventType := string(evt.Type())
	logger := observability.EnrichLogger(p.logger, evt.FlowID, evt.Meta.EventID, eventType)
	observability.LogEventStart(logger, evt.FlowID, eventType)

	ctx, span := p.spans.StartEventSpan(ctx, evt.FlowID, eventType)
	resp, err := p.pipeline.Run(ctx, pipeline.NewContext(previous, evt, now))
	p.spans.EndSpanWithError(span, err)
	elapsed := time.Duration(done() * float64(time.Millisecond))

	if err != nil {
		return p.onError(ctx, logger, previous, evt, err, now, elapsed)
	}

	if resp.MarkForDLQ {
		p.park(ctx, evt, errors.New("flow failed while processing event"), "flow failed", now)
	}
	p.recordOutputs(ctx, resp)
	p.metrics.RecordEvent(ctx, eventType, observability.OutcomeOK, elapsed)
	observability.LogEventComplete(logger, evt.FlowID, done(), len(resp.Records))
	return resp, nil
}

func (p *Processor) onError(
	ctx context.Context,
	logger *slog.Logger,
	previous *checkpoint.Checkpoint,
	evt *event.FlowEvent,
	err error,
	now time.Time,
	elapsed time.Duration,
) (pipeline.Response, error) {
	eventType := string(evt.Type())

	switch feerrors.Categorize(err) {
	case feerrors.CategoryRecoverable:
		var procErr *feerrors.ProcessingError
		if errors.As(err, &procErr) {
			logger.Debug("event will be redelivered", slog.String("error", err.Error()))
			p.metrics.RecordEvent(ctx, eventType, observability.OutcomeRetry, elapsed)
			return pipeline.Response{Checkpoint: previous, Retry: true}, nil
		}
		patient := hospital.NewPatient(evt, err, "recoverable error", now)
		if herr := p.hospital.Enqueue(ctx, patient); herr != nil {
			logger.Error("hospital rejected event", slog.String("error", herr.Error()))
		}
		p.metrics.RecordEvent(ctx, eventType, observability.OutcomeRetry, elapsed)

	case feerrors.CategoryHospital:
		p.park(ctx, evt, err, "hospital error", now)
		p.metrics.RecordEvent(ctx, eventType, observability.OutcomeHospital, elapsed)

	default:
		// Unclassified errors are fatal and never retried automatically.
		p.park(ctx, evt, err, "fatal error", now)
		p.metrics.RecordEvent(ctx, eventType, observability.OutcomeError, elapsed)
	}

	observability.LogEventError(logger, evt.FlowID, err, float64(elapsed.Milliseconds()))
	return pipeline.Response{}, err
}

func (p *Processor) park(ctx context.Context, evt *event.FlowEvent, err error, reason string, now time.Time) {
	if perr := p.hospital.Park(ctx, hospital.NewPatient(evt, err, reason, now), reason); perr != nil {
		p.logger.Error("hospital rejected event", slog.String("error", perr.Error()))
	}
}

func (p *Processor) recordOutputs(ctx context.Context, resp pipeline.Response) {
	if cp := resp.Checkpoint; cp != nil {
		if data, err := cp.Marshal(); err == nil {
			p.metrics.RecordCheckpoint(ctx, cp.FlowClassName, int64(len(data)))
		}
	}

	counts := make(map[session.MessageType]int)
	for _, r := range event.Filter(resp.Records, event.TopicSessionOut) {
		if msg, ok := r.Value.(session.Message); ok {
			counts[msg.Type]++
		}
	}
	for typ, n := range counts {
		p.metrics.RecordSessionMessages(ctx, string(typ), n)
	}
}
