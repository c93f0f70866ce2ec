package query_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/flowengine/pkg/flowengine/checkpoint"
	"github.com/randalmurphal/flowengine/pkg/flowengine/flow"
	"github.com/randalmurphal/flowengine/pkg/flowengine/query"
	"github.com/randalmurphal/flowengine/pkg/flowengine/session"
)

var (
	alice = session.Identity{Name: "alice", Group: "g"}
	bob   = session.Identity{Name: "bob", Group: "g"}
	t0    = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
)

func okHandler(_ context.Context, _ string, _ any) (any, error) { return "ok", nil }

func TestRegistry_Register(t *testing.T) {
	registry := query.NewRegistry()

	require.NoError(t, registry.Register("test-query", okHandler))

	// Duplicate registration should fail
	err := registry.Register("test-query", okHandler)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegistry_Register_Validation(t *testing.T) {
	registry := query.NewRegistry()

	t.Run("empty name", func(t *testing.T) {
		err := registry.Register("", okHandler)
		assert.ErrorContains(t, err, "name is required")
	})

	t.Run("nil handler", func(t *testing.T) {
		err := registry.Register("test", nil)
		assert.ErrorContains(t, err, "handler is required")
	})
}

func TestRegistry_MustRegister(t *testing.T) {
	registry := query.NewRegistry()
	registry.MustRegister("test", okHandler)

	assert.Panics(t, func() {
		registry.MustRegister("test", okHandler)
	})
}

func TestRegistry_List(t *testing.T) {
	registry := query.NewRegistry()
	registry.MustRegister("query-b", okHandler)
	registry.MustRegister("query-a", okHandler)

	assert.Equal(t, []string{"query-a", "query-b"}, registry.List())
}

func TestExecutor_Execute_Validation(t *testing.T) {
	executor := query.NewExecutor(query.NewRegistry())
	ctx := context.Background()

	t.Run("missing flow ID", func(t *testing.T) {
		_, err := executor.Execute(ctx, "", "test", nil)
		assert.ErrorContains(t, err, "flow ID is required")
	})

	t.Run("missing query name", func(t *testing.T) {
		_, err := executor.Execute(ctx, "flow-1", "", nil)
		assert.ErrorContains(t, err, "query name is required")
	})

	t.Run("unknown query", func(t *testing.T) {
		_, err := executor.Execute(ctx, "flow-1", "unknown", nil)
		assert.ErrorIs(t, err, query.ErrQueryNotFound)
	})

	t.Run("flows without store", func(t *testing.T) {
		_, err := executor.Flows(ctx)
		assert.Error(t, err)
	})
}

// seeded returns a store holding one suspended flow with an open session.
func seeded(t *testing.T) checkpoint.Store {
	t.Helper()
	cp := checkpoint.New("flow-1", alice, "pinger", t0)
	cp.SuspendCount = 2
	cp.WaitingFor = flow.SessionData("s1")
	cp.PushFrame(checkpoint.StackItem{FlowName: "pinger", Protocol: "ping", ProtocolVersion: 1, IsInitiatingFlow: true})
	cp.AddSessionToTopFrame("s1")
	cp.PutSession(&session.State{
		SessionID:       "s1",
		Counterparty:    bob,
		Protocol:        "ping",
		ProtocolVersion: 1,
		Status:          session.StatusConfirmed,
		SendEventsState: session.EventsState{
			LastProcessedSequenceNum: 2,
			UndeliveredMessages: []session.Message{
				{SessionID: "s1", Type: session.MessageData, SequenceNum: 2},
			},
		},
		ReceivedEventsState: session.EventsState{LastProcessedSequenceNum: 1},
	})

	store := checkpoint.NewMemoryStore()
	require.NoError(t, checkpoint.Save(context.Background(), store, cp))
	return store
}

func TestBuiltins(t *testing.T) {
	executor, err := query.NewStoreExecutor(seeded(t))
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("status", func(t *testing.T) {
		result, err := executor.Execute(ctx, "flow-1", query.QueryStatus, nil)
		require.NoError(t, err)
		status := result.(query.Status)
		assert.Equal(t, checkpoint.StatusRunning, status.Status)
		assert.Equal(t, "pinger", status.FlowClassName)
		assert.Equal(t, alice, status.HoldingIdentity)
		assert.Equal(t, 2, status.SuspendCount)
		assert.Nil(t, status.Termination)
	})

	t.Run("sessions", func(t *testing.T) {
		result, err := executor.Execute(ctx, "flow-1", query.QuerySessions, nil)
		require.NoError(t, err)
		sessions := result.([]query.Session)
		require.Len(t, sessions, 1)
		assert.Equal(t, "s1", sessions[0].SessionID)
		assert.Equal(t, session.StatusConfirmed, sessions[0].Status)
		assert.Equal(t, 2, sessions[0].LastSentSeq)
		assert.Equal(t, 1, sessions[0].LastReceivedSeq)
		assert.Equal(t, 1, sessions[0].Unacknowledged)
		assert.Zero(t, sessions[0].Unconsumed)
	})

	t.Run("one session", func(t *testing.T) {
		result, err := executor.Execute(ctx, "flow-1", query.QuerySessions, "s1")
		require.NoError(t, err)
		assert.Equal(t, bob, result.(query.Session).Counterparty)

		_, err = executor.Execute(ctx, "flow-1", query.QuerySessions, "s9")
		assert.ErrorContains(t, err, "not found")
	})

	t.Run("waiting_for", func(t *testing.T) {
		result, err := executor.Execute(ctx, "flow-1", query.QueryWaitingFor, nil)
		require.NoError(t, err)
		assert.Equal(t, flow.SessionData("s1"), result)
	})

	t.Run("stack", func(t *testing.T) {
		result, err := executor.Execute(ctx, "flow-1", query.QueryStack, nil)
		require.NoError(t, err)
		stack := result.([]checkpoint.StackItem)
		require.Len(t, stack, 1)
		assert.Equal(t, []string{"s1"}, stack[0].SessionIDs)
	})

	t.Run("checkpoint", func(t *testing.T) {
		result, err := executor.Execute(ctx, "flow-1", query.QueryCheckpoint, nil)
		require.NoError(t, err)
		assert.Equal(t, "flow-1", result.(*checkpoint.Checkpoint).FlowID)
	})

	t.Run("flow not found", func(t *testing.T) {
		_, err := executor.Execute(ctx, "flow-2", query.QueryStatus, nil)
		assert.ErrorIs(t, err, query.ErrFlowNotFound)
	})

	t.Run("flows", func(t *testing.T) {
		infos, err := executor.Flows(ctx)
		require.NoError(t, err)
		require.Len(t, infos, 1)
		assert.Equal(t, "flow-1", infos[0].FlowID)
	})
}

func TestBuiltins_LoaderErrorPropagates(t *testing.T) {
	registry := query.NewRegistry()
	expectedErr := errors.New("database error")
	require.NoError(t, query.RegisterBuiltins(registry, func(context.Context, string) (*checkpoint.Checkpoint, error) {
		return nil, expectedErr
	}))

	_, err := query.NewExecutor(registry).Execute(context.Background(), "flow-1", query.QueryStatus, nil)
	assert.Equal(t, expectedErr, err)
}

func TestExecutor_ExecuteMultiple(t *testing.T) {
	executor, err := query.NewStoreExecutor(seeded(t))
	require.NoError(t, err)

	results := executor.ExecuteMultiple(context.Background(), "flow-1", map[string]any{
		query.QueryWaitingFor: nil,
		query.QueryStatus:     nil,
		"unknown_query":       nil,
	})

	require.Len(t, results, 3)
	assert.Equal(t, query.QueryStatus, results[0].QueryName)
	assert.Equal(t, "unknown_query", results[1].QueryName)
	assert.Contains(t, results[1].Error, "not found")
	assert.Equal(t, query.QueryWaitingFor, results[2].QueryName)
	assert.Empty(t, results[2].Error)
}
