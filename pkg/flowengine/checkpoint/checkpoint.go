package checkpoint

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	feerrors "github.com/randalmurphal/flowengine/pkg/flowengine/errors"
	"github.com/randalmurphal/flowengine/pkg/flowengine/external"
	"github.com/randalmurphal/flowengine/pkg/flowengine/flow"
	"github.com/randalmurphal/flowengine/pkg/flowengine/session"
)

// Version is the current checkpoint format version.
// Increment when making breaking changes to checkpoint structure.
const Version = 1

// FlowStatus is the lifecycle status of a flow.
type FlowStatus string

// Flow statuses.
const (
	StatusRunning   FlowStatus = "RUNNING"
	StatusCompleted FlowStatus = "COMPLETED"
	StatusFailed    FlowStatus = "FAILED"
	StatusKilled    FlowStatus = "KILLED"
)

// IsTerminal reports whether the flow will never run again.
func (s FlowStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusKilled
}

// Termination records how and why a flow stopped.
type Termination struct {
	Status FlowStatus         `json:"status"`
	Reason string             `json:"reason,omitempty"`
	Error  *feerrors.Envelope `json:"error,omitempty"`
	At     time.Time          `json:"at"`
}

// Checkpoint is the durable snapshot of one flow instance. It contains
// everything needed to resume the flow exactly where it suspended.
type Checkpoint struct {
	// Identity
	Version         int              `json:"version"`
	FlowID          string           `json:"flow_id"`
	HoldingIdentity session.Identity `json:"holding_identity"`
	FlowClassName   string           `json:"flow_class_name"`
	ClientRequestID string           `json:"client_request_id,omitempty"`
	StartArgs       []byte           `json:"start_args,omitempty"`

	// Execution state
	Status        FlowStatus       `json:"status"`
	WaitingFor    *flow.WaitingFor `json:"waiting_for,omitempty"`
	Sessions      []*session.State `json:"sessions,omitempty"`
	FlowStack     []StackItem      `json:"flow_stack,omitempty"`
	ExternalEvent *external.State  `json:"external_event,omitempty"`
	SuspendCount  int              `json:"suspend_count"`
	FiberState    []byte           `json:"fiber_state,omitempty"`
	Result        []byte           `json:"result,omitempty"`

	// KillRequested marks the flow to be killed on the next pipeline pass.
	KillRequested bool         `json:"kill_requested,omitempty"`
	Termination   *Termination `json:"termination,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates the checkpoint of a flow that has not run yet.
func New(flowID string, holding session.Identity, flowClassName string, now time.Time) *Checkpoint {
	return &Checkpoint{
		Version:         Version,
		FlowID:          flowID,
		HoldingIdentity: holding,
		FlowClassName:   flowClassName,
		Status:          StatusRunning,
		WaitingFor:      flow.StartFlow(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Marshal serializes a checkpoint to JSON.
func (c *Checkpoint) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// Unmarshal deserializes a checkpoint from JSON.
func Unmarshal(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if c.Version != Version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, c.Version, Version)
	}
	return &c, nil
}

// IsTerminal reports whether the flow has stopped.
func (c *Checkpoint) IsTerminal() bool {
	return c.Status.IsTerminal()
}

// Session returns the session with the given id, or nil.
func (c *Checkpoint) Session(sessionID string) *session.State {
	for _, s := range c.Sessions {
		if s.SessionID == sessionID {
			return s
		}
	}
	return nil
}

// PutSession inserts a session or replaces the one with the same id,
// keeping insertion order.
func (c *Checkpoint) PutSession(state *session.State) {
	for i, s := range c.Sessions {
		if s.SessionID == state.SessionID {
			c.Sessions[i] = state
			return
		}
	}
	c.Sessions = append(c.Sessions, state)
}

// SessionIDs returns the ids of all sessions in insertion order.
func (c *Checkpoint) SessionIDs() []string {
	ids := make([]string, 0, len(c.Sessions))
	for _, s := range c.Sessions {
		ids = append(ids, s.SessionID)
	}
	return ids
}

// OpenSessionIDs returns the ids of sessions that are not CLOSED or ERROR.
func (c *Checkpoint) OpenSessionIDs() []string {
	var ids []string
	for _, s := range c.Sessions {
		if !s.Status.IsTerminal() {
			ids = append(ids, s.SessionID)
		}
	}
	return ids
}

// AllSessionsTerminated reports whether every session is CLOSED or ERROR.
func (c *Checkpoint) AllSessionsTerminated() bool {
	return len(c.OpenSessionIDs()) == 0
}

// Clone returns a deep copy. Pipeline stages clone before changing a
// checkpoint so no change is visible across stage boundaries.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	n := *c
	n.StartArgs = slices.Clone(c.StartArgs)
	n.FiberState = slices.Clone(c.FiberState)
	n.Result = slices.Clone(c.Result)
	n.WaitingFor = c.WaitingFor.Clone()
	n.ExternalEvent = c.ExternalEvent.Clone()
	if c.Sessions != nil {
		n.Sessions = make([]*session.State, len(c.Sessions))
		for i, s := range c.Sessions {
			n.Sessions[i] = s.Clone()
		}
	}
	if c.FlowStack != nil {
		n.FlowStack = make([]StackItem, len(c.FlowStack))
		for i, item := range c.FlowStack {
			n.FlowStack[i] = item.clone()
		}
	}
	if c.Termination != nil {
		t := *c.Termination
		if c.Termination.Error != nil {
			env := *c.Termination.Error
			t.Error = &env
		}
		n.Termination = &t
	}
	return &n
}
