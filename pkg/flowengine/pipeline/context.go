package pipeline

import (
	"slices"
	"time"

	"github.com/randalmurphal/flowengine/pkg/flowengine/checkpoint"
	"github.com/randalmurphal/flowengine/pkg/flowengine/event"
	"github.com/randalmurphal/flowengine/pkg/flowengine/flow"
)

// Context is the unit of work passed through the pipeline stages. It is an
// immutable value: every With method returns a new Context and never changes
// the receiver. Stages clone the checkpoint before changing it.
type Context struct {
	checkpoint   *checkpoint.Checkpoint
	event        *event.FlowEvent
	records      []event.Record
	deadLetter   bool
	now          time.Time
	continuation flow.Continuation
	request      flow.IORequest
	fiber        *FiberContext
}

// NewContext creates the context for one event against the flow's current
// checkpoint, which is nil when the flow has none yet.
func NewContext(cp *checkpoint.Checkpoint, evt *event.FlowEvent, now time.Time) Context {
	return Context{checkpoint: cp, event: evt, now: now}
}

// Checkpoint returns the current checkpoint, or nil.
func (c Context) Checkpoint() *checkpoint.Checkpoint { return c.checkpoint }

// Event returns the inbound event.
func (c Context) Event() *event.FlowEvent { return c.event }

// Payload returns the inbound event payload.
func (c Context) Payload() event.Payload {
	if c.event == nil {
		return nil
	}
	return c.event.Payload
}

// FlowID returns the id of the flow the event is addressed to.
func (c Context) FlowID() string {
	if c.event == nil {
		return ""
	}
	return c.event.FlowID
}

// Records returns the output records accumulated so far.
func (c Context) Records() []event.Record { return slices.Clone(c.records) }

// DeadLetter reports whether the event should also be routed to the hospital.
func (c Context) DeadLetter() bool { return c.deadLetter }

// Now returns the processing time for this event.
func (c Context) Now() time.Time { return c.now }

// Continuation returns the verdict of the run-or-continue stage, or nil
// before it ran.
func (c Context) Continuation() flow.Continuation { return c.continuation }

// Request returns the IO request the flow suspended on during this pass, or
// nil when the flow did not run.
func (c Context) Request() flow.IORequest { return c.request }

// Fiber returns the fiber context of the run during this pass, or nil.
func (c Context) Fiber() *FiberContext { return c.fiber }

// WithCheckpoint returns a copy holding cp.
func (c Context) WithCheckpoint(cp *checkpoint.Checkpoint) Context {
	c.checkpoint = cp
	return c
}

// WithOutputRecords returns a copy with records appended.
func (c Context) WithOutputRecords(records ...event.Record) Context {
	if len(records) == 0 {
		return c
	}
	c.records = append(slices.Clip(c.records), records...)
	return c
}

// WithDeadLetter returns a copy marked for dead-letter routing.
func (c Context) WithDeadLetter() Context {
	c.deadLetter = true
	return c
}

// WithContinuation returns a copy holding cont.
func (c Context) WithContinuation(cont flow.Continuation) Context {
	c.continuation = cont
	return c
}

// WithRequest returns a copy holding the request the fiber suspended on.
func (c Context) WithRequest(req flow.IORequest, fiber *FiberContext) Context {
	c.request = req
	c.fiber = fiber
	return c
}

// update clones the checkpoint, applies fn and returns a copy holding the
// result. The receiver's checkpoint is never changed.
func (c Context) update(fn func(cp *checkpoint.Checkpoint) error) (Context, error) {
	cp := c.checkpoint.Clone()
	if err := fn(cp); err != nil {
		return c, err
	}
	return c.WithCheckpoint(cp), nil
}
