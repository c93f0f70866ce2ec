package benchmarks

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/randalmurphal/flowengine/pkg/flowengine/checkpoint"
	"github.com/randalmurphal/flowengine/pkg/flowengine/flow"
	"github.com/randalmurphal/flowengine/pkg/flowengine/session"
)

var (
	alice = session.Identity{Name: "alice", Group: "bench"}
	bob   = session.Identity{Name: "bob", Group: "bench"}
	t0    = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
)

// BenchmarkCheckpoint_Marshal measures checkpoint encoding for a flow with
// several open sessions.
func BenchmarkCheckpoint_Marshal(b *testing.B) {
	cp := createCheckpoint(8)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = cp.Marshal()
	}
}

// BenchmarkCheckpoint_Unmarshal measures checkpoint decoding.
func BenchmarkCheckpoint_Unmarshal(b *testing.B) {
	data, err := createCheckpoint(8).Marshal()
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = checkpoint.Unmarshal(data)
	}
}

// BenchmarkCheckpoint_Clone measures the copy made before every pipeline run.
func BenchmarkCheckpoint_Clone(b *testing.B) {
	cp := createCheckpoint(8)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = cp.Clone()
	}
}

// BenchmarkMemoryStore_Save measures in-memory checkpoint save.
func BenchmarkMemoryStore_Save(b *testing.B) {
	store := checkpoint.NewMemoryStore()
	data, _ := createCheckpoint(8).Marshal()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = store.Save(ctx, "flow-1", data)
	}
}

// BenchmarkMemoryStore_Load measures in-memory checkpoint load.
func BenchmarkMemoryStore_Load(b *testing.B) {
	store := checkpoint.NewMemoryStore()
	ctx := context.Background()
	_ = checkpoint.Save(ctx, store, createCheckpoint(8))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = checkpoint.Load(ctx, store, "flow-1")
	}
}

// BenchmarkSQLiteStore_Save measures SQLite checkpoint save.
func BenchmarkSQLiteStore_Save(b *testing.B) {
	store, cleanup := createSQLiteStore(b)
	defer cleanup()

	data, _ := createCheckpoint(8).Marshal()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = store.Save(ctx, fmt.Sprintf("flow-%d", i%100), data)
	}
}

// BenchmarkSQLiteStore_Load measures SQLite checkpoint load.
func BenchmarkSQLiteStore_Load(b *testing.B) {
	store, cleanup := createSQLiteStore(b)
	defer cleanup()

	ctx := context.Background()
	_ = checkpoint.Save(ctx, store, createCheckpoint(8))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = checkpoint.Load(ctx, store, "flow-1")
	}
}

// Helper functions

func createCheckpoint(sessions int) *checkpoint.Checkpoint {
	cp := checkpoint.New("flow-1", alice, "bench", t0)
	cp.PushFrame(checkpoint.StackItem{FlowName: "bench", Protocol: "bench", ProtocolVersion: 1, IsInitiatingFlow: true})
	ids := make([]string, 0, sessions)
	for i := range sessions {
		id := fmt.Sprintf("session-%d", i)
		ids = append(ids, id)
		cp.AddSessionToTopFrame(id)
		cp.PutSession(&session.State{
			SessionID:       id,
			Counterparty:    bob,
			Protocol:        "bench",
			ProtocolVersion: 1,
			Status:          session.StatusConfirmed,
			SendEventsState: session.EventsState{
				LastProcessedSequenceNum: 3,
				UndeliveredMessages: []session.Message{
					{SessionID: id, Type: session.MessageData, SequenceNum: 3, Payload: []byte("payload")},
				},
			},
			ReceivedEventsState: session.EventsState{LastProcessedSequenceNum: 2},
		})
	}
	cp.WaitingFor = flow.SessionData(ids...)
	cp.FiberState = []byte(`{"step":2}`)
	return cp
}

func createSQLiteStore(b *testing.B) (*checkpoint.SQLiteStore, func()) {
	b.Helper()
	tmpFile, err := os.CreateTemp("", "bench-*.db")
	if err != nil {
		b.Fatal(err)
	}
	tmpFile.Close()

	store, err := checkpoint.NewSQLiteStore(tmpFile.Name())
	if err != nil {
		os.Remove(tmpFile.Name())
		b.Fatal(err)
	}

	return store, func() {
		store.Close()
		os.Remove(tmpFile.Name())
	}
}
