package pipeline

import (
	"context"
	"slices"

	"github.com/randalmurphal/flowengine/pkg/flowengine/checkpoint"
	"github.com/randalmurphal/flowengine/pkg/flowengine/flow"
	"github.com/randalmurphal/flowengine/pkg/flowengine/registry"
	"github.com/randalmurphal/flowengine/pkg/flowengine/session"
)

// Fiber runs flow code. Resume continues the flow from the state in fc with
// the given Run or Error continuation and returns the next IO request. The
// fiber may update fc.State to persist its own progress.
//
// Errors classified as processing, fatal or hospital errors are propagated.
// Any other error fails the flow.
type Fiber interface {
	Resume(ctx context.Context, fc *FiberContext, c flow.Continuation) (flow.IORequest, error)
}

// FiberFunc adapts a function to the Fiber interface.
type FiberFunc func(ctx context.Context, fc *FiberContext, c flow.Continuation) (flow.IORequest, error)

// Resume implements Fiber.
func (f FiberFunc) Resume(ctx context.Context, fc *FiberContext, c flow.Continuation) (flow.IORequest, error) {
	return f(ctx, fc, c)
}

// FiberContext is the view of the checkpoint handed to a fiber.
type FiberContext struct {
	FlowID        string
	FlowClassName string
	Identity      session.Identity
	StartArgs     []byte

	// State is the fiber's persisted progress. Changes are saved with the
	// checkpoint.
	State []byte

	// Sessions lists every session of the flow.
	Sessions []session.Info

	pushed []checkpoint.StackItem
}

func newFiberContext(cp *checkpoint.Checkpoint) *FiberContext {
	fc := &FiberContext{
		FlowID:        cp.FlowID,
		FlowClassName: cp.FlowClassName,
		Identity:      cp.HoldingIdentity,
		StartArgs:     slices.Clone(cp.StartArgs),
		State:         slices.Clone(cp.FiberState),
	}
	for _, s := range cp.Sessions {
		fc.Sessions = append(fc.Sessions, s.Info())
	}
	return fc
}

// Session returns the view of one session.
func (fc *FiberContext) Session(sessionID string) (session.Info, bool) {
	for _, s := range fc.Sessions {
		if s.SessionID == sessionID {
			return s, true
		}
	}
	return session.Info{}, false
}

// PushFrame starts a sub-flow. New sessions opened by the sub-flow use the
// protocol of the nearest initiating frame.
func (fc *FiberContext) PushFrame(item checkpoint.StackItem) {
	fc.pushed = append(fc.pushed, item)
}

// FlowDefinition describes a flow class.
type FlowDefinition struct {
	Name string

	// Protocol and ProtocolVersion are used for sessions the flow initiates.
	Protocol        string
	ProtocolVersion int

	// Initiating marks flows that open sessions to counterparties.
	Initiating bool

	Fiber Fiber
}

// FlowRegistry resolves flow class names to definitions.
type FlowRegistry = registry.Registry[string, FlowDefinition]

// NewFlowRegistry creates an empty flow registry.
func NewFlowRegistry() *FlowRegistry {
	return registry.New[string, FlowDefinition]()
}

// Responder is the flow started when a session INIT arrives for a protocol.
type Responder struct {
	FlowClassName string

	// Versions lists the accepted protocol versions. Empty accepts any.
	Versions []int
}

// ProtocolStore maps protocols to their responder flows.
type ProtocolStore struct {
	responders *registry.Registry[string, Responder]
}

// NewProtocolStore creates an empty protocol store.
func NewProtocolStore() *ProtocolStore {
	return &ProtocolStore{responders: registry.New[string, Responder]()}
}

// Register sets the responder flow for a protocol.
func (s *ProtocolStore) Register(protocol, flowClassName string, versions ...int) {
	s.responders.Register(protocol, Responder{FlowClassName: flowClassName, Versions: versions})
}

// ResponderFor returns the responder flow class for a protocol version.
func (s *ProtocolStore) ResponderFor(protocol string, version int) (string, bool) {
	r, ok := s.responders.Get(protocol)
	if !ok {
		return "", false
	}
	if len(r.Versions) > 0 && !slices.Contains(r.Versions, version) {
		return "", false
	}
	return r.FlowClassName, true
}

// Protocols returns the registered protocol names, sorted.
func (s *ProtocolStore) Protocols() []string {
	return s.responders.Keys()
}
