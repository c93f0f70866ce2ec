package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/randalmurphal/flowengine/pkg/flowengine/checkpoint"
	feerrors "github.com/randalmurphal/flowengine/pkg/flowengine/errors"
	"github.com/randalmurphal/flowengine/pkg/flowengine/event"
	"github.com/randalmurphal/flowengine/pkg/flowengine/flow"
)

// GlobalProcessor runs after request post-processing on every event,
// whether or not the flow ran.
type GlobalProcessor func(ctx context.Context, c Context) (Context, error)

func (p *Pipeline) newGlobalProcessors() []GlobalProcessor {
	return []GlobalProcessor{
		p.killProcessor,
		p.sessionProcessor,
		p.externalProcessor,
		p.forceCheckpointProcessor,
		p.deleteProcessor,
	}
}

// killProcessor terminates a flow that was asked to stop. Open sessions are
// errored so counterparties learn the flow is gone.
func (p *Pipeline) killProcessor(_ context.Context, c Context) (Context, error) {
	cp := c.Checkpoint()
	if cp == nil || !cp.KillRequested || cp.IsTerminal() {
		return c, nil
	}
	reason := "flow killed"
	if cp.Termination != nil && cp.Termination.Reason != "" {
		reason = cp.Termination.Reason
	}
	c, err := c.update(func(cp *checkpoint.Checkpoint) error {
		cp.Status = checkpoint.StatusKilled
		cp.WaitingFor = nil
		cp.Termination = &checkpoint.Termination{
			Status: checkpoint.StatusKilled,
			Reason: reason,
			At:     c.Now(),
		}
		return nil
	})
	if err != nil {
		return c, err
	}
	c, err = p.errorSessions(c, c.Checkpoint().OpenSessionIDs(), &feerrors.Envelope{
		Type:    "FlowKilled",
		Message: reason,
	})
	if err != nil {
		return c, err
	}
	return p.terminated(c), nil
}

// sessionProcessor drains every session's outbound queue and schedules a
// wakeup for the earliest pending retransmission.
func (p *Pipeline) sessionProcessor(_ context.Context, c Context) (Context, error) {
	if c.Checkpoint() == nil || len(c.Checkpoint().Sessions) == 0 {
		return c, nil
	}
	var (
		out      []event.Record
		earliest time.Time
	)
	c, err := c.update(func(cp *checkpoint.Checkpoint) error {
		for _, s := range cp.Sessions {
			next, msgs := p.sessions.GetMessagesToSend(s.SessionID, s, c.Now())
			out = append(out, sessionRecords(cp.HoldingIdentity, next, msgs)...)
			cp.PutSession(next)
			if at, ok := next.NextResendAt(); ok && (earliest.IsZero() || at.Before(earliest)) {
				earliest = at
			}
		}
		return nil
	})
	if err != nil {
		return c, err
	}
	if !earliest.IsZero() {
		out = append(out, event.TimerRecord(event.ScheduledWakeup{FlowID: c.FlowID(), At: earliest}))
	}
	return c.WithOutputRecords(out...), nil
}

// externalProcessor dispatches a due external request and schedules a
// wakeup for its resend window.
func (p *Pipeline) externalProcessor(_ context.Context, c Context) (Context, error) {
	cp := c.Checkpoint()
	if cp == nil || cp.ExternalEvent == nil || cp.IsTerminal() {
		return c, nil
	}
	next, req := p.external.GetEventToSend(cp.ExternalEvent, c.Now())
	if req == nil {
		return c, nil
	}
	c, err := c.update(func(cp *checkpoint.Checkpoint) error {
		cp.ExternalEvent = next
		return nil
	})
	if err != nil {
		return c, err
	}
	p.logger.Debug("external event dispatched",
		slog.String("flow_id", cp.FlowID),
		slog.String("request_id", req.RequestID),
		slog.Int("retries", next.Retries))
	return c.WithOutputRecords(
		event.ExternalRequestRecord(*req),
		event.TimerRecord(event.ScheduledWakeup{FlowID: cp.FlowID, At: next.SendAt}),
	), nil
}

// forceCheckpointProcessor resumes a flow that asked to checkpoint, once
// the checkpoint for this pass has been produced.
func (p *Pipeline) forceCheckpointProcessor(_ context.Context, c Context) (Context, error) {
	if _, ok := c.Request().(flow.ForceCheckpoint); !ok || c.Checkpoint() == nil {
		return c, nil
	}
	return c.WithOutputRecords(p.wakeupRecord(c)), nil
}

// deleteProcessor drops the checkpoint of a finished flow whose sessions
// have all terminated.
func (p *Pipeline) deleteProcessor(_ context.Context, c Context) (Context, error) {
	cp := c.Checkpoint()
	if cp == nil || !cp.IsTerminal() || !cp.AllSessionsTerminated() {
		return c, nil
	}
	p.logger.Debug("checkpoint deleted", slog.String("flow_id", cp.FlowID))
	return c.WithCheckpoint(nil), nil
}
