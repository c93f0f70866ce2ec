// Package pipeline applies one flow event to one flow's checkpoint.
//
// Processing runs six stages in a fixed order:
//
//  1. EventPreProcessing folds the event into the checkpoint, creating it
//     for a start or an initiating session event.
//  2. RunOrContinue asks the handler for the checkpoint's waiting-for kind
//     whether the flow can resume, and resumes its fiber if so.
//  3. SetCheckpointSuspendedOn and SetWaitingFor record the request the
//     flow suspended on.
//  4. RequestPostProcessing turns that request into side effects.
//  5. GlobalPostProcessing applies cross-cutting processors such as session
//     retransmission and kill handling.
//  6. ToStateAndEventResponse packages the checkpoint and output records.
//
// Every stage takes and returns an immutable Context. Handlers are keyed by
// closed sets of kinds (payload type, waiting-for kind, request kind) and
// every kind has exactly one handler.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/randalmurphal/flowengine/pkg/flowengine/checkpoint"
	feerrors "github.com/randalmurphal/flowengine/pkg/flowengine/errors"
	"github.com/randalmurphal/flowengine/pkg/flowengine/event"
	"github.com/randalmurphal/flowengine/pkg/flowengine/external"
	"github.com/randalmurphal/flowengine/pkg/flowengine/flow"
	"github.com/randalmurphal/flowengine/pkg/flowengine/observability"
	"github.com/randalmurphal/flowengine/pkg/flowengine/session"
)

// Stage names used for logs and spans.
const (
	StageEventPreProcessing      = "event_pre_processing"
	StageRunOrContinue           = "run_or_continue"
	StageSetWaitingFor           = "set_waiting_for"
	StageRequestPostProcessing   = "request_post_processing"
	StageGlobalPostProcessing    = "global_post_processing"
	StageToStateAndEventResponse = "to_state_and_event_response"
)

// Response is the outcome of processing one event.
type Response struct {
	// Checkpoint is the updated checkpoint. Nil means the flow has no
	// checkpoint and any stored one must be deleted.
	Checkpoint *checkpoint.Checkpoint

	// Records are the output records to publish.
	Records []event.Record

	// MarkForDLQ routes the event to the flow hospital as well.
	MarkForDLQ bool

	// Retry asks the transport to redeliver the event later. The checkpoint
	// is the previous one and there are no records.
	Retry bool
}

// Pipeline holds the collaborators and handler tables shared by every event.
// It keeps no per-event state and is safe for concurrent use.
type Pipeline struct {
	sessions  *session.Manager
	external  *external.Manager
	flows     *FlowRegistry
	protocols *ProtocolStore
	logger    *slog.Logger
	spans     observability.SpanManager

	eventHandlers      map[event.PayloadType]EventHandler
	waitingForHandlers map[flow.WaitingForKind]WaitingForHandler
	requestHandlers    map[flow.RequestKind]RequestHandler
	globalProcessors   []GlobalProcessor
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSessionManager sets the session protocol engine.
func WithSessionManager(m *session.Manager) Option {
	return func(p *Pipeline) {
		p.sessions = m
	}
}

// WithExternalManager sets the external event correlation manager.
func WithExternalManager(m *external.Manager) Option {
	return func(p *Pipeline) {
		p.external = m
	}
}

// WithFlows sets the flow registry.
func WithFlows(r *FlowRegistry) Option {
	return func(p *Pipeline) {
		p.flows = r
	}
}

// WithProtocols sets the protocol store used to start responder flows.
func WithProtocols(s *ProtocolStore) Option {
	return func(p *Pipeline) {
		p.protocols = s
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithSpanManager sets the span manager.
func WithSpanManager(sm observability.SpanManager) Option {
	return func(p *Pipeline) {
		p.spans = sm
	}
}

// New creates a pipeline.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		sessions:  session.NewManager(),
		external:  external.NewManager(),
		flows:     NewFlowRegistry(),
		protocols: NewProtocolStore(),
		logger:    slog.Default(),
		spans:     observability.NoopSpanManager{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.eventHandlers = p.newEventHandlers()
	p.waitingForHandlers = p.newWaitingForHandlers()
	p.requestHandlers = p.newRequestHandlers()
	p.globalProcessors = p.newGlobalProcessors()
	return p
}

// Run applies the six stages to c in order and returns the response.
func (p *Pipeline) Run(ctx context.Context, c Context) (Response, error) {
	stages := []struct {
		name string
		fn   func(context.Context, Context) (Context, error)
	}{
		{StageEventPreProcessing, p.EventPreProcessing},
		{StageRunOrContinue, p.RunOrContinue},
		{StageSetWaitingFor, p.SetWaitingFor},
		{StageRequestPostProcessing, p.RequestPostProcessing},
		{StageGlobalPostProcessing, p.GlobalPostProcessing},
	}

	var err error
	for _, stage := range stages {
		c, err = p.runStage(ctx, stage.name, c, stage.fn)
		if err != nil {
			return Response{}, err
		}
	}
	return p.ToStateAndEventResponse(c), nil
}

func (p *Pipeline) runStage(
	ctx context.Context,
	name string,
	c Context,
	fn func(context.Context, Context) (Context, error),
) (Context, error) {
	ctx, span := p.spans.StartStageSpan(ctx, name)
	observability.LogStage(p.logger, c.FlowID(), name)
	next, err := fn(ctx, c)
	p.spans.EndSpanWithError(span, err)
	return next, err
}

// EventPreProcessing dispatches on the payload type to fold the event into
// the checkpoint.
func (p *Pipeline) EventPreProcessing(ctx context.Context, c Context) (Context, error) {
	payload := c.Payload()
	if payload == nil {
		return c, &feerrors.HospitalError{FlowID: c.FlowID(), Message: "event has no payload"}
	}
	handler, ok := p.eventHandlers[payload.PayloadType()]
	if !ok {
		return c, feerrors.NewFatalError(c.FlowID(), "no event handler for %s", payload.PayloadType())
	}
	return handler(ctx, c)
}

// RunOrContinue decides whether the flow resumes and, if it does, runs its
// fiber until the next suspension.
func (p *Pipeline) RunOrContinue(ctx context.Context, c Context) (Context, error) {
	cp := c.Checkpoint()
	if cp == nil || cp.IsTerminal() || cp.KillRequested {
		return c.WithContinuation(flow.Continue{}), nil
	}
	if cp.WaitingFor == nil {
		return c, feerrors.NewFatalError(cp.FlowID, "checkpoint is not waiting for anything")
	}

	handler, ok := p.waitingForHandlers[cp.WaitingFor.Kind]
	if !ok {
		return c, feerrors.NewFatalError(cp.FlowID, "no waiting-for handler for %s", cp.WaitingFor.Kind)
	}
	cont, err := handler(c)
	if err != nil {
		return c, err
	}
	c = c.WithContinuation(cont)
	if !flow.Resumes(cont) {
		return c, nil
	}

	def, err := p.flowDefinition(cp)
	if err != nil {
		return c, err
	}
	fc := newFiberContext(cp)
	req, err := resume(ctx, cp.FlowID, def.Fiber, fc, cont)
	var panicErr *feerrors.PanicError
	switch {
	case errors.As(err, &panicErr):
		p.logger.Error("flow fiber panicked",
			slog.String("flow_id", cp.FlowID),
			slog.Any("panic", panicErr.Value),
			slog.String("stack", panicErr.Stack))
		// State written before the panic is discarded.
		fc = newFiberContext(cp)
		req = flow.FlowFailed{Cause: err}
		c = c.WithDeadLetter()
	case err != nil && isClassified(err):
		return c, err
	case err != nil:
		p.logger.Warn("flow fiber failed",
			slog.String("flow_id", cp.FlowID),
			slog.String("error", err.Error()))
		req = flow.FlowFailed{Cause: err}
		c = c.WithDeadLetter()
	case req == nil:
		return c, feerrors.NewFatalError(cp.FlowID, "fiber returned no request")
	}
	return c.WithRequest(req, fc), nil
}

// resume runs flow code, converting a panic into a PanicError.
func resume(ctx context.Context, flowID string, fiber Fiber, fc *FiberContext, cont flow.Continuation) (req flow.IORequest, err error) {
	defer func() {
		if r := recover(); r != nil {
			req = nil
			err = &feerrors.PanicError{
				FlowID: flowID,
				Value:  r,
				Stack:  string(debug.Stack()),
			}
		}
	}()
	return fiber.Resume(ctx, fc, cont)
}

func isClassified(err error) bool {
	var (
		procErr     *feerrors.ProcessingError
		fatalErr    *feerrors.FatalError
		hospitalErr *feerrors.HospitalError
		catErr      *feerrors.CategorizedError
	)
	return errors.As(err, &procErr) || errors.As(err, &fatalErr) ||
		errors.As(err, &hospitalErr) || errors.As(err, &catErr)
}

// SetWaitingFor performs the suspension bookkeeping. When the flow did not
// run, only the external event retry count changes. When it ran, delivered
// session data is consumed, the external correlation record is cleared and
// the new request is mapped to a waiting-for.
func (p *Pipeline) SetWaitingFor(_ context.Context, c Context) (Context, error) {
	cp := c.Checkpoint()
	if cp == nil {
		return c, nil
	}
	if !flow.Resumes(c.Continuation()) {
		return p.setCheckpointContinued(c)
	}
	c, err := p.SetCheckpointSuspendedOn(c)
	if err != nil {
		return c, err
	}

	req := c.Request()
	handler, ok := p.requestHandlers[req.Kind()]
	if !ok {
		return c, feerrors.NewFatalError(cp.FlowID, "no request handler for %s", req.Kind())
	}
	wf, err := handler.WaitingFor(c, req)
	if err != nil {
		return c, err
	}
	return c.update(func(cp *checkpoint.Checkpoint) error {
		cp.WaitingFor = wf
		return nil
	})
}

func (p *Pipeline) setCheckpointContinued(c Context) (Context, error) {
	cp := c.Checkpoint()
	ext := cp.ExternalEvent
	if cp.WaitingFor == nil || cp.WaitingFor.Kind != flow.WaitingForExternalEvent ||
		ext == nil || ext.Status != external.StatusRetry {
		return c, nil
	}
	return c.update(func(cp *checkpoint.Checkpoint) error {
		cp.ExternalEvent = p.external.MarkRetried(cp.ExternalEvent, c.Now())
		return nil
	})
}

// SetCheckpointSuspendedOn records that the flow ran: it consumes the
// session data handed to it, clears the external correlation record and
// saves the fiber's progress.
func (p *Pipeline) SetCheckpointSuspendedOn(c Context) (Context, error) {
	return c.update(func(cp *checkpoint.Checkpoint) error {
		if wf := cp.WaitingFor; wf != nil {
			switch wf.Kind {
			case flow.WaitingForSessionData:
				if _, ok := c.Continuation().(flow.Run); ok {
					for _, id := range wf.SessionIDs {
						s := cp.Session(id)
						if s == nil {
							continue
						}
						if msg, ok := s.NextReceived(); ok {
							cp.PutSession(s.Consume(msg.SequenceNum))
						}
					}
				}
			case flow.WaitingForExternalEvent:
				cp.ExternalEvent = nil
			}
		}

		cp.SuspendCount++
		if fc := c.Fiber(); fc != nil {
			cp.FiberState = fc.State
			for _, item := range fc.pushed {
				cp.PushFrame(item)
			}
		}
		return nil
	})
}

// RequestPostProcessing applies the side effects of the request the flow
// suspended on.
func (p *Pipeline) RequestPostProcessing(ctx context.Context, c Context) (Context, error) {
	req := c.Request()
	if c.Checkpoint() == nil || req == nil {
		return c, nil
	}
	handler, ok := p.requestHandlers[req.Kind()]
	if !ok {
		return c, feerrors.NewFatalError(c.FlowID(), "no request handler for %s", req.Kind())
	}
	return handler.PostProcess(ctx, c, req)
}

// GlobalPostProcessing runs every global processor in order.
func (p *Pipeline) GlobalPostProcessing(ctx context.Context, c Context) (Context, error) {
	var err error
	for _, gp := range p.globalProcessors {
		if c, err = gp(ctx, c); err != nil {
			return c, err
		}
	}
	return c, nil
}

// ToStateAndEventResponse packages the final checkpoint and records.
func (p *Pipeline) ToStateAndEventResponse(c Context) Response {
	cp := c.Checkpoint()
	if cp != nil {
		cp = cp.Clone()
		cp.UpdatedAt = c.Now()
	}
	return Response{
		Checkpoint: cp,
		Records:    c.Records(),
		MarkForDLQ: c.DeadLetter(),
	}
}

func (p *Pipeline) flowDefinition(cp *checkpoint.Checkpoint) (FlowDefinition, error) {
	def, ok := p.flows.Get(cp.FlowClassName)
	if !ok {
		return FlowDefinition{}, feerrors.NewFatalError(cp.FlowID, "unknown flow class %q", cp.FlowClassName)
	}
	return def, nil
}

func sessionError(s *session.State, reason string) error {
	msg := reason
	if s.Error != nil {
		msg = fmt.Sprintf("%s: %s", reason, s.Error.Message)
	}
	return &feerrors.SessionError{SessionID: s.SessionID, Message: msg}
}
