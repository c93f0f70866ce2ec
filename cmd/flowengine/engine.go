package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/flowengine/pkg/flowengine/checkpoint"
	"github.com/randalmurphal/flowengine/pkg/flowengine/config"
	"github.com/randalmurphal/flowengine/pkg/flowengine/event"
	"github.com/randalmurphal/flowengine/pkg/flowengine/external"
	"github.com/randalmurphal/flowengine/pkg/flowengine/flows"
	"github.com/randalmurphal/flowengine/pkg/flowengine/hospital"
	"github.com/randalmurphal/flowengine/pkg/flowengine/observability"
	"github.com/randalmurphal/flowengine/pkg/flowengine/pipeline"
	"github.com/randalmurphal/flowengine/pkg/flowengine/processor"
	"github.com/randalmurphal/flowengine/pkg/flowengine/session"
	"github.com/randalmurphal/flowengine/pkg/flowengine/transport"
)

// engine wires the flow engine components for one process.
type engine struct {
	store     checkpoint.Store
	hospital  *hospital.InMemory
	sweeper   *hospital.Sweeper
	transport *transport.Local
}

func newEngine(ctx context.Context, s config.EngineSettings, logger *slog.Logger, sink transport.StatusSink) (*engine, error) {
	store, err := checkpoint.Open(ctx, s.Store.Driver, s.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", s.Store.Driver, err)
	}

	registry := pipeline.NewFlowRegistry()
	protocols := pipeline.NewProtocolStore()
	flows.Register(registry, protocols)

	pl := pipeline.New(
		pipeline.WithFlows(registry),
		pipeline.WithProtocols(protocols),
		pipeline.WithLogger(logger),
		pipeline.WithSpanManager(observability.NewSpanManager()),
		pipeline.WithSessionManager(session.NewManager(
			session.WithConfig(s.Session),
			session.WithLogger(logger),
		)),
		pipeline.WithExternalManager(external.NewManager(
			external.WithConfig(s.External),
			external.WithLogger(logger),
		)),
	)

	metrics := observability.NewMetricsRecorder()
	h := hospital.NewInMemory(hospital.Config{
		Logger: logger,
		OnPark: func(p *hospital.ParkedPatient) {
			logger.Warn("event parked",
				slog.String("flow_id", p.FlowID),
				slog.String("event_type", string(p.EventType)),
				slog.String("reason", p.ParkReason))
		},
	})
	proc := processor.New(pl,
		processor.WithHospital(h),
		processor.WithMetrics(metrics),
		processor.WithSpanManager(observability.NewSpanManager()),
		processor.WithLogger(logger),
	)

	cfg := transport.DefaultConfig
	cfg.Partitions = s.Transport.Partitions
	cfg.MaxRedeliveries = s.Transport.MaxRedeliveries
	cfg.RedeliveryBackoff = s.Transport.RedeliveryBackoff
	tr := transport.New(proc, store,
		transport.WithConfig(cfg),
		transport.WithHospital(h),
		transport.WithMetrics(metrics),
		transport.WithLogger(logger),
		transport.WithStatusSink(sink),
	)

	e := &engine{store: store, hospital: h, transport: tr}
	e.sweeper = hospital.NewSweeper(h, func(ctx context.Context, evt *event.FlowEvent) error {
		return tr.Publish(ctx, evt)
	}, hospital.DefaultSweeperConfig)
	e.sweeper.Start(ctx)
	return e, nil
}

func (e *engine) Close() error {
	e.sweeper.Stop()
	_ = e.transport.Close()
	return e.store.Close()
}
