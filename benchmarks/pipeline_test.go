package benchmarks

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/randalmurphal/flowengine/pkg/flowengine/event"
	"github.com/randalmurphal/flowengine/pkg/flowengine/flows"
	"github.com/randalmurphal/flowengine/pkg/flowengine/pipeline"
	"github.com/randalmurphal/flowengine/pkg/flowengine/session"
)

func newPipeline() *pipeline.Pipeline {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := pipeline.NewFlowRegistry()
	protocols := pipeline.NewProtocolStore()
	flows.Register(registry, protocols)
	return pipeline.New(
		pipeline.WithFlows(registry),
		pipeline.WithProtocols(protocols),
		pipeline.WithLogger(logger),
		pipeline.WithSessionManager(session.NewManager(session.WithLogger(logger))),
	)
}

// BenchmarkPipeline_StartFlow measures a StartFlow event that runs the ping
// flow up to its first SendAndReceive.
func BenchmarkPipeline_StartFlow(b *testing.B) {
	pl := newPipeline()
	args, err := flows.PingArgs{Counterparty: bob, Count: 1}.Encode()
	if err != nil {
		b.Fatal(err)
	}
	evt := event.New("flow-1", event.StartFlow{FlowClassName: flows.PingFlowName, Identity: alice, StartArgs: args})
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := pl.Run(ctx, pipeline.NewContext(nil, evt, t0)); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkPipeline_Wakeup measures a wakeup for a suspended flow with open
// sessions, which only runs the global processors.
func BenchmarkPipeline_Wakeup(b *testing.B) {
	pl := newPipeline()
	cp := createCheckpoint(8)
	cp.FlowClassName = flows.PingFlowName
	evt := event.New("flow-1", event.Wakeup{})
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := pl.Run(ctx, pipeline.NewContext(cp, evt, t0)); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkSession_ReceiveInOrder measures receiving one DATA message.
func BenchmarkSession_ReceiveInOrder(b *testing.B) {
	m := session.NewManager(session.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	state := createCheckpoint(1).Sessions[0]
	msg := session.Message{SessionID: "session-0-INITIATED", Type: session.MessageData, SequenceNum: 3, Payload: []byte("x")}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = m.ProcessMessageReceived("session-0", state, msg, t0)
	}
}
