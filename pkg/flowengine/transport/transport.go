// Package transport runs flow events through the processor in process.
//
// Events are partitioned by flow id so each flow has a single writer. Each
// partition loads the flow's checkpoint, calls the processor, persists the
// result and routes the output records: flow events are republished, session
// messages are delivered to the counterparty's flow, timers become delayed
// wakeups, external requests go to an ExternalDispatcher and status updates
// go to a StatusSink.
package transport

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/flowengine/pkg/flowengine/checkpoint"
	feerrors "github.com/randalmurphal/flowengine/pkg/flowengine/errors"
	"github.com/randalmurphal/flowengine/pkg/flowengine/event"
	"github.com/randalmurphal/flowengine/pkg/flowengine/external"
	"github.com/randalmurphal/flowengine/pkg/flowengine/hospital"
	"github.com/randalmurphal/flowengine/pkg/flowengine/observability"
	"github.com/randalmurphal/flowengine/pkg/flowengine/pipeline"
	"github.com/randalmurphal/flowengine/pkg/flowengine/session"
)

// Sentinel errors.
var (
	ErrClosed          = errors.New("transport: closed")
	ErrPartitionHalted = errors.New("transport: partition halted")
)

// Processor applies one event to a flow's checkpoint.
type Processor interface {
	OnNext(ctx context.Context, previous *checkpoint.Checkpoint, evt *event.FlowEvent) (pipeline.Response, error)
}

// Hospital parks events that cannot be delivered.
type Hospital interface {
	Park(ctx context.Context, p *hospital.Patient, reason string) error
}

// ExternalDispatcher performs external requests. The response is published
// back as an ExternalEventResponse event for the requesting flow.
type ExternalDispatcher interface {
	Dispatch(ctx context.Context, req external.Request) error
}

// ExternalDispatcherFunc adapts a function to ExternalDispatcher.
type ExternalDispatcherFunc func(ctx context.Context, req external.Request) error

// Dispatch implements ExternalDispatcher.
func (f ExternalDispatcherFunc) Dispatch(ctx context.Context, req external.Request) error {
	return f(ctx, req)
}

// StatusSink receives flow status updates.
type StatusSink interface {
	OnStatus(ctx context.Context, status event.FlowStatus)
}

// StatusSinkFunc adapts a function to StatusSink.
type StatusSinkFunc func(ctx context.Context, status event.FlowStatus)

// OnStatus implements StatusSink.
func (f StatusSinkFunc) OnStatus(ctx context.Context, status event.FlowStatus) {
	f(ctx, status)
}

// Config configures the transport.
type Config struct {
	// Partitions is the number of partitions, each with its own worker.
	// Default: 4
	Partitions int

	// MaxRedeliveries before an event the processor asked to retry is
	// parked in the hospital.
	// Default: 5
	MaxRedeliveries int

	// RedeliveryBackoff is the delay before the first redelivery. Later
	// redeliveries double it.
	// Default: 100ms
	RedeliveryBackoff time.Duration

	// StoreRetry controls retries of checkpoint loads and saves.
	StoreRetry feerrors.RetryConfig

	// OnError is called when processing an event fails.
	OnError func(evt *event.FlowEvent, err error)
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	Partitions:        4,
	MaxRedeliveries:   5,
	RedeliveryBackoff: 100 * time.Millisecond,
	StoreRetry: feerrors.NewRetryConfig(
		feerrors.WithMaxAttempts(3),
		feerrors.WithInitialBackoff(10*time.Millisecond),
		feerrors.WithRetryableFunc(func(err error) bool {
			return !errors.Is(err, checkpoint.ErrStoreClosed) && !errors.Is(err, context.Canceled)
		}),
	),
}

// Local is the in-process transport.
type Local struct {
	cfg        Config
	processor  Processor
	store      checkpoint.Store
	hospital   Hospital
	dispatcher ExternalDispatcher
	status     StatusSink
	logger     *slog.Logger
	metrics    observability.MetricsRecorder

	partitions []*partition
	sessions   *sessionMapper
	timers     *timers

	inflight atomic.Int64
	closed   atomic.Bool
	closeCh  chan struct{}
	wg       sync.WaitGroup
}

// Option configures the transport.
type Option func(*Local)

// WithConfig sets the transport configuration.
func WithConfig(cfg Config) Option {
	return func(t *Local) {
		t.cfg = cfg
	}
}

// WithHospital sets where undeliverable events are parked.
func WithHospital(h Hospital) Option {
	return func(t *Local) {
		t.hospital = h
	}
}

// WithExternalDispatcher sets the external request dispatcher.
func WithExternalDispatcher(d ExternalDispatcher) Option {
	return func(t *Local) {
		t.dispatcher = d
	}
}

// WithStatusSink sets the receiver of flow status updates.
func WithStatusSink(s StatusSink) Option {
	return func(t *Local) {
		t.status = s
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Local) {
		t.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(t *Local) {
		t.metrics = m
	}
}

// New creates a transport and starts its partition workers.
func New(proc Processor, store checkpoint.Store, opts ...Option) *Local {
	t := &Local{
		cfg:       DefaultConfig,
		processor: proc,
		store:     store,
		hospital:  hospital.NewInMemory(hospital.DefaultConfig),
		logger:    slog.Default(),
		metrics:   observability.NoopMetrics{},
		closeCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.cfg.Partitions <= 0 {
		t.cfg.Partitions = DefaultConfig.Partitions
	}
	if t.cfg.MaxRedeliveries <= 0 {
		t.cfg.MaxRedeliveries = DefaultConfig.MaxRedeliveries
	}
	if t.cfg.RedeliveryBackoff <= 0 {
		t.cfg.RedeliveryBackoff = DefaultConfig.RedeliveryBackoff
	}
	if t.cfg.StoreRetry.MaxAttempts <= 0 {
		t.cfg.StoreRetry = DefaultConfig.StoreRetry
	}

	t.sessions = newSessionMapper()
	t.timers = newTimers(t.publishWakeup)
	for i := range t.cfg.Partitions {
		p := newPartition(i)
		t.partitions = append(t.partitions, p)
		t.wg.Add(1)
		go t.run(p)
	}
	return t
}

// Publish queues an event for its flow's partition.
func (t *Local) Publish(_ context.Context, evt *event.FlowEvent) error {
	return t.enqueue(delivery{evt: evt})
}

// Start publishes a StartFlow event for a new flow and returns its id.
func (t *Local) Start(ctx context.Context, start event.StartFlow) (string, error) {
	flowID := event.NewFlowID()
	return flowID, t.Publish(ctx, event.New(flowID, start))
}

// Kill asks a flow to stop.
func (t *Local) Kill(ctx context.Context, flowID, reason string) error {
	return t.Publish(ctx, event.New(flowID, event.KillFlow{Reason: reason}))
}

// Respond publishes the response to an external request.
func (t *Local) Respond(ctx context.Context, flowID string, resp external.Response) error {
	return t.Publish(ctx, event.New(flowID, event.ExternalEventResponse{Response: resp}))
}

func (t *Local) enqueue(d delivery) error {
	if t.closed.Load() {
		return ErrClosed
	}
	p := t.partitionFor(d.flowID())
	if err := p.haltErr(); err != nil {
		return fmt.Errorf("%w: partition %d: %w", ErrPartitionHalted, p.id, err)
	}
	t.inflight.Add(1)
	p.push(d)
	return nil
}

func (t *Local) partitionFor(flowID string) *partition {
	h := fnv.New32a()
	_, _ = h.Write([]byte(flowID))
	return t.partitions[h.Sum32()%uint32(len(t.partitions))]
}

// WaitIdle blocks until no event is queued, being processed or waiting for
// redelivery. Scheduled wakeups do not count.
func (t *Local) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for t.inflight.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Halted returns the error that halted each halted partition, keyed by
// partition number.
func (t *Local) Halted() map[int]error {
	out := make(map[int]error)
	for _, p := range t.partitions {
		if err := p.haltErr(); err != nil {
			out[p.id] = err
		}
	}
	return out
}

// Close stops the workers and pending timers. Queued events are dropped.
func (t *Local) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(t.closeCh)
	t.timers.stopAll()
	t.wg.Wait()
	return nil
}

func (t *Local) run(p *partition) {
	defer t.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-t.closeCh:
			return
		case <-p.signal:
		}
		for {
			d, ok := p.pop()
			if !ok {
				break
			}
			if p.haltErr() != nil {
				// Events queued before the halt stay undelivered.
				t.inflight.Add(-1)
				continue
			}
			t.handle(ctx, p, d)
			t.inflight.Add(-1)
			if t.closed.Load() {
				return
			}
		}
	}
}

// handle processes one delivery on its partition worker.
func (t *Local) handle(ctx context.Context, p *partition, d delivery) {
	flowID := d.flowID()
	logger := t.logger.With(slog.String("flow_id", flowID), slog.Int("partition", p.id))

	previous, err := t.load(ctx, flowID)
	if err != nil {
		logger.Warn("checkpoint load failed", slog.String("error", err.Error()))
		t.redeliver(ctx, d, err)
		return
	}
	if previous == nil && d.evt != nil && d.evt.Type() == event.TypeWakeup {
		logger.Debug("wakeup for flow without checkpoint dropped")
		return
	}

	resp, err := t.processor.OnNext(ctx, previous, d.evt)
	if err != nil {
		if t.cfg.OnError != nil {
			t.cfg.OnError(d.evt, err)
		}
		// Only recoverable errors let later events for the partition run.
		if !feerrors.IsRecoverable(err) {
			p.halt(err)
			logger.Error("partition halted", slog.String("error", err.Error()))
		}
		return
	}
	if resp.Retry {
		t.redeliver(ctx, d, errors.New("processor requested redelivery"))
		return
	}

	if err := t.persist(ctx, flowID, previous, resp.Checkpoint); err != nil {
		logger.Warn("checkpoint save failed", slog.String("error", err.Error()))
		t.redeliver(ctx, d, err)
		return
	}
	t.route(ctx, d.evt, resp.Records)
}

func (t *Local) load(ctx context.Context, flowID string) (*checkpoint.Checkpoint, error) {
	res := feerrors.WithRetryContext(ctx, t.cfg.StoreRetry, func(ctx context.Context) (*checkpoint.Checkpoint, error) {
		return checkpoint.Load(ctx, t.store, flowID)
	})
	return res.Value, res.Err
}

func (t *Local) persist(ctx context.Context, flowID string, previous, next *checkpoint.Checkpoint) error {
	if next == nil {
		if previous == nil {
			return nil
		}
		res := feerrors.WithRetryContext(ctx, t.cfg.StoreRetry, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, t.store.Delete(ctx, flowID)
		})
		if res.Err != nil {
			return res.Err
		}
		t.timers.cancel(flowID)
		t.sessions.forget(flowID, previous.SessionIDs())
		t.logger.Debug("checkpoint deleted", slog.String("flow_id", flowID))
		return nil
	}

	data, err := next.Marshal()
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", flowID, err)
	}
	res := feerrors.WithRetryContext(ctx, t.cfg.StoreRetry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.store.Save(ctx, flowID, data)
	})
	if res.Err != nil {
		observability.LogCheckpointError(t.logger, flowID, "save", res.Err)
		return res.Err
	}
	observability.LogCheckpoint(t.logger, flowID, len(data))
	return nil
}

// redeliver schedules d again with doubling backoff, or parks it once its
// redeliveries are used up.
func (t *Local) redeliver(ctx context.Context, d delivery, cause error) {
	eventType := ""
	if d.evt != nil {
		eventType = string(d.evt.Type())
	}
	if d.attempt >= t.cfg.MaxRedeliveries {
		patient := hospital.NewPatient(d.evt, cause, "max redeliveries exceeded", time.Now())
		patient.Attempts = d.attempt
		if err := t.hospital.Park(ctx, patient, "max redeliveries exceeded"); err != nil {
			t.logger.Error("hospital rejected event", slog.String("error", err.Error()))
		}
		return
	}

	t.metrics.RecordRedelivery(ctx, eventType)
	backoff := t.cfg.RedeliveryBackoff * time.Duration(1<<uint(d.attempt))
	next := delivery{evt: d.evt, attempt: d.attempt + 1}
	t.inflight.Add(1)
	time.AfterFunc(backoff, func() {
		defer t.inflight.Add(-1)
		if err := t.enqueue(next); err != nil {
			t.logger.Warn("redelivery dropped",
				slog.String("flow_id", next.flowID()),
				slog.String("error", err.Error()))
		}
	})
}

func (t *Local) route(ctx context.Context, parent *event.FlowEvent, records []event.Record) {
	for _, r := range records {
		switch v := r.Value.(type) {
		case *event.FlowEvent:
			t.publishInternal(v)

		case session.Message:
			t.deliverSession(parent, r.Key, v)

		case event.ScheduledWakeup:
			t.timers.schedule(v)

		case external.Request:
			if t.dispatcher == nil {
				t.logger.Warn("external request dropped: no dispatcher",
					slog.String("flow_id", v.FlowID),
					slog.String("request_id", v.RequestID))
				continue
			}
			if err := t.dispatcher.Dispatch(ctx, v); err != nil {
				// The resend timer retries the dispatch.
				t.logger.Warn("external dispatch failed",
					slog.String("request_id", v.RequestID),
					slog.String("error", err.Error()))
			}

		case event.FlowStatus:
			if t.status != nil {
				t.status.OnStatus(ctx, v)
			}

		default:
			t.logger.Warn("record dropped", slog.String("topic", string(r.Topic)))
		}
	}
}

func (t *Local) publishInternal(evt *event.FlowEvent) {
	if err := t.enqueue(delivery{evt: evt}); err != nil {
		t.logger.Warn("event dropped",
			slog.String("flow_id", evt.FlowID),
			slog.String("error", err.Error()))
	}
}

func (t *Local) publishWakeup(w event.ScheduledWakeup) {
	t.publishInternal(event.New(w.FlowID, event.Wakeup{}, event.WithTimestamp(w.At)))
}

type delivery struct {
	evt     *event.FlowEvent
	attempt int
}

func (d delivery) flowID() string {
	if d.evt == nil {
		return ""
	}
	return d.evt.FlowID
}

// partition is an unbounded FIFO served by one worker. Workers publish into
// their own partition, so pushes never block.
type partition struct {
	id     int
	signal chan struct{}

	mu     sync.Mutex
	queue  []delivery
	halted error
}

func newPartition(id int) *partition {
	return &partition{id: id, signal: make(chan struct{}, 1)}
}

func (p *partition) push(d delivery) {
	p.mu.Lock()
	p.queue = append(p.queue, d)
	p.mu.Unlock()
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *partition) pop() (delivery, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return delivery{}, false
	}
	d := p.queue[0]
	p.queue[0] = delivery{}
	p.queue = p.queue[1:]
	return d, true
}

func (p *partition) halt(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.halted == nil {
		p.halted = err
	}
}

func (p *partition) haltErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halted
}
