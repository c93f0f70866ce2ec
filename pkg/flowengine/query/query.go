// Package query provides read-only inspection of flows.
//
// Queries read a flow's checkpoint and never modify it. They are answered
// from the checkpoint store, so they see the flow as of its last suspension.
//
// Built-in queries:
//   - status: lifecycle status and termination details
//   - sessions: per-session protocol state
//   - waiting_for: what the flow is suspended on
//   - stack: the flow stack
//   - checkpoint: the full checkpoint
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/flowengine/pkg/flowengine/checkpoint"
	"github.com/randalmurphal/flowengine/pkg/flowengine/session"
)

// Handler executes a query and returns a result.
// Handlers must not modify flow state.
type Handler func(ctx context.Context, flowID string, args any) (any, error)

// Registry manages query handlers by query name.
type Registry struct {
	handlers map[string]Handler
	mu       sync.RWMutex
}

// NewRegistry creates a new query registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for a query name.
func (r *Registry) Register(queryName string, handler Handler) error {
	if queryName == "" {
		return errors.New("query name is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[queryName]; exists {
		return fmt.Errorf("handler for query %q already registered", queryName)
	}

	r.handlers[queryName] = handler
	return nil
}

// MustRegister registers a handler, panicking on error.
func (r *Registry) MustRegister(queryName string, handler Handler) {
	if err := r.Register(queryName, handler); err != nil {
		panic(err)
	}
}

// Get returns the handler for a query name.
func (r *Registry) Get(queryName string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, exists := r.handlers[queryName]
	return handler, exists
}

// List returns all registered query names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ErrQueryNotFound is returned when a query handler doesn't exist.
var ErrQueryNotFound = errors.New("query not found")

// ErrFlowNotFound is returned when the flow has no checkpoint.
var ErrFlowNotFound = errors.New("flow not found")

// Loader retrieves the checkpoint of a flow. A flow with no checkpoint
// returns (nil, nil).
type Loader func(ctx context.Context, flowID string) (*checkpoint.Checkpoint, error)

// StoreLoader reads checkpoints from a store.
func StoreLoader(store checkpoint.Store) Loader {
	return func(ctx context.Context, flowID string) (*checkpoint.Checkpoint, error) {
		return checkpoint.Load(ctx, store, flowID)
	}
}

// Executor runs queries against flows.
type Executor struct {
	registry *Registry
	store    checkpoint.Store
}

// NewExecutor creates a new query executor.
func NewExecutor(registry *Registry) *Executor {
	return &Executor{registry: registry}
}

// NewStoreExecutor creates an executor with the built-in queries answered
// from store.
func NewStoreExecutor(store checkpoint.Store) (*Executor, error) {
	registry := NewRegistry()
	if err := RegisterBuiltins(registry, StoreLoader(store)); err != nil {
		return nil, err
	}
	return &Executor{registry: registry, store: store}, nil
}

// Execute runs a query against a flow.
func (e *Executor) Execute(ctx context.Context, flowID, queryName string, args any) (any, error) {
	if flowID == "" {
		return nil, errors.New("flow ID is required")
	}
	if queryName == "" {
		return nil, errors.New("query name is required")
	}

	handler, exists := e.registry.Get(queryName)
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrQueryNotFound, queryName)
	}

	return handler(ctx, flowID, args)
}

// Flows lists the flows with a stored checkpoint. It needs an executor
// created with NewStoreExecutor.
func (e *Executor) Flows(ctx context.Context) ([]checkpoint.Info, error) {
	if e.store == nil {
		return nil, errors.New("executor has no checkpoint store")
	}
	return e.store.List(ctx)
}

// Built-in query names.
const (
	QueryStatus     = "status"
	QuerySessions   = "sessions"
	QueryWaitingFor = "waiting_for"
	QueryStack      = "stack"
	QueryCheckpoint = "checkpoint"
)

// Status is the answer to the status query.
type Status struct {
	FlowID          string                  `json:"flow_id"`
	FlowClassName   string                  `json:"flow_class_name"`
	HoldingIdentity session.Identity        `json:"holding_identity"`
	Status          checkpoint.FlowStatus   `json:"status"`
	SuspendCount    int                     `json:"suspend_count"`
	Termination     *checkpoint.Termination `json:"termination,omitempty"`
	UpdatedAt       time.Time               `json:"updated_at"`
}

// Session is one entry of the answer to the sessions query.
type Session struct {
	session.Info
	Initiated       bool `json:"initiated"`
	LastSentSeq     int  `json:"last_sent_seq"`
	LastReceivedSeq int  `json:"last_received_seq"`
	Unacknowledged  int  `json:"unacknowledged"`
	Unconsumed      int  `json:"unconsumed"`
}

// RegisterBuiltins registers the standard query handlers.
func RegisterBuiltins(registry *Registry, load Loader) error {
	withCheckpoint := func(fn func(cp *checkpoint.Checkpoint, args any) (any, error)) Handler {
		return func(ctx context.Context, flowID string, args any) (any, error) {
			cp, err := load(ctx, flowID)
			if err != nil {
				return nil, err
			}
			if cp == nil {
				return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, flowID)
			}
			return fn(cp, args)
		}
	}

	builtins := map[string]Handler{
		QueryStatus: withCheckpoint(func(cp *checkpoint.Checkpoint, _ any) (any, error) {
			return Status{
				FlowID:          cp.FlowID,
				FlowClassName:   cp.FlowClassName,
				HoldingIdentity: cp.HoldingIdentity,
				Status:          cp.Status,
				SuspendCount:    cp.SuspendCount,
				Termination:     cp.Termination,
				UpdatedAt:       cp.UpdatedAt,
			}, nil
		}),
		QuerySessions: withCheckpoint(func(cp *checkpoint.Checkpoint, args any) (any, error) {
			// A string argument selects one session.
			if id, ok := args.(string); ok && id != "" {
				s := cp.Session(id)
				if s == nil {
					return nil, fmt.Errorf("session %q not found", id)
				}
				return summarize(s), nil
			}
			out := make([]Session, 0, len(cp.Sessions))
			for _, s := range cp.Sessions {
				out = append(out, summarize(s))
			}
			return out, nil
		}),
		QueryWaitingFor: withCheckpoint(func(cp *checkpoint.Checkpoint, _ any) (any, error) {
			return cp.WaitingFor.Clone(), nil
		}),
		QueryStack: withCheckpoint(func(cp *checkpoint.Checkpoint, _ any) (any, error) {
			return cp.Clone().FlowStack, nil
		}),
		QueryCheckpoint: withCheckpoint(func(cp *checkpoint.Checkpoint, _ any) (any, error) {
			return cp, nil
		}),
	}

	for name, handler := range builtins {
		if err := registry.Register(name, handler); err != nil {
			return fmt.Errorf("failed to register builtin query %q: %w", name, err)
		}
	}

	return nil
}

func summarize(s *session.State) Session {
	return Session{
		Info:            s.Info(),
		Initiated:       s.Initiated,
		LastSentSeq:     s.LastSentSeqNum(),
		LastReceivedSeq: s.LastReceivedSeqNum(),
		Unacknowledged:  len(s.SendEventsState.UndeliveredMessages),
		Unconsumed:      len(s.ReceivedEventsState.UndeliveredMessages),
	}
}

// Result wraps a query result with metadata.
type Result struct {
	// QueryName is the query that was executed.
	QueryName string `json:"query_name"`

	// FlowID is the flow that was queried.
	FlowID string `json:"flow_id"`

	// Value is the query result.
	Value any `json:"value"`

	// Error contains error details if the query failed.
	Error string `json:"error,omitempty"`
}

// ExecuteMultiple runs multiple queries against a flow, in query name order.
// Returns results for all queries, including any that failed.
func (e *Executor) ExecuteMultiple(ctx context.Context, flowID string, queries map[string]any) []Result {
	names := make([]string, 0, len(queries))
	for name := range queries {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]Result, 0, len(queries))
	for _, queryName := range names {
		result := Result{
			QueryName: queryName,
			FlowID:    flowID,
		}

		value, err := e.Execute(ctx, flowID, queryName, queries[queryName])
		if err != nil {
			result.Error = err.Error()
		} else {
			result.Value = value
		}

		results = append(results, result)
	}

	return results
}
