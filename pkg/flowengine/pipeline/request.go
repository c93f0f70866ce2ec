package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/randalmurphal/flowengine/pkg/flowengine/checkpoint"
	feerrors "github.com/randalmurphal/flowengine/pkg/flowengine/errors"
	"github.com/randalmurphal/flowengine/pkg/flowengine/event"
	"github.com/randalmurphal/flowengine/pkg/flowengine/flow"
	"github.com/randalmurphal/flowengine/pkg/flowengine/observability"
	"github.com/randalmurphal/flowengine/pkg/flowengine/session"
)

// RequestHandler handles one IO request kind. WaitingFor maps the request to
// the checkpoint's new suspension reason. PostProcess applies the request's
// side effects after the waiting-for is set.
type RequestHandler interface {
	WaitingFor(c Context, req flow.IORequest) (*flow.WaitingFor, error)
	PostProcess(ctx context.Context, c Context, req flow.IORequest) (Context, error)
}

type requestHandler struct {
	waitingFor  func(c Context, req flow.IORequest) (*flow.WaitingFor, error)
	postProcess func(c Context, req flow.IORequest) (Context, error)
}

func (h requestHandler) WaitingFor(c Context, req flow.IORequest) (*flow.WaitingFor, error) {
	return h.waitingFor(c, req)
}

func (h requestHandler) PostProcess(_ context.Context, c Context, req flow.IORequest) (Context, error) {
	if h.postProcess == nil {
		return c, nil
	}
	return h.postProcess(c, req)
}

func (p *Pipeline) newRequestHandlers() map[flow.RequestKind]RequestHandler {
	return map[flow.RequestKind]RequestHandler{
		flow.RequestSend: requestHandler{
			waitingFor: func(c Context, req flow.IORequest) (*flow.WaitingFor, error) {
				if err := p.checkNewSessions(c, req.(flow.Send).Payloads); err != nil {
					return nil, err
				}
				return flow.Wakeup(time.Time{}), nil
			},
			postProcess: func(c Context, req flow.IORequest) (Context, error) {
				c, err := p.sendPayloads(c, req.(flow.Send).Payloads)
				if err != nil {
					return c, err
				}
				return c.WithOutputRecords(p.wakeupRecord(c)), nil
			},
		},
		flow.RequestReceive: requestHandler{
			waitingFor: func(_ Context, req flow.IORequest) (*flow.WaitingFor, error) {
				return flow.SessionData(req.(flow.Receive).SessionIDs...), nil
			},
			postProcess: func(c Context, _ flow.IORequest) (Context, error) {
				return p.wakeupIfReady(c)
			},
		},
		flow.RequestSendAndReceive: requestHandler{
			waitingFor: func(c Context, req flow.IORequest) (*flow.WaitingFor, error) {
				payloads := req.(flow.SendAndReceive).Payloads
				if err := p.checkNewSessions(c, payloads); err != nil {
					return nil, err
				}
				return flow.SessionData(flow.SessionIDs(payloads)...), nil
			},
			postProcess: func(c Context, req flow.IORequest) (Context, error) {
				c, err := p.sendPayloads(c, req.(flow.SendAndReceive).Payloads)
				if err != nil {
					return c, err
				}
				return p.wakeupIfReady(c)
			},
		},
		flow.RequestCloseSessions: requestHandler{
			waitingFor: func(_ Context, req flow.IORequest) (*flow.WaitingFor, error) {
				return flow.SessionClose(req.(flow.CloseSessions).SessionIDs...), nil
			},
			postProcess: func(c Context, req flow.IORequest) (Context, error) {
				c, err := p.closeSessions(c, req.(flow.CloseSessions).SessionIDs)
				if err != nil {
					return c, err
				}
				return p.wakeupIfReady(c)
			},
		},
		flow.RequestGetFlowInfo: requestHandler{
			waitingFor: func(_ Context, req flow.IORequest) (*flow.WaitingFor, error) {
				return flow.FlowInfo(req.(flow.GetFlowInfo).SessionIDs...), nil
			},
			postProcess: func(c Context, _ flow.IORequest) (Context, error) {
				return c.WithOutputRecords(p.wakeupRecord(c)), nil
			},
		},
		flow.RequestSleep: requestHandler{
			waitingFor: func(_ Context, req flow.IORequest) (*flow.WaitingFor, error) {
				return flow.Wakeup(req.(flow.Sleep).Until), nil
			},
			postProcess: func(c Context, req flow.IORequest) (Context, error) {
				return c.WithOutputRecords(event.TimerRecord(event.ScheduledWakeup{
					FlowID: c.FlowID(),
					At:     req.(flow.Sleep).Until,
				})), nil
			},
		},
		flow.RequestWaitForSessionConfirmations: requestHandler{
			waitingFor: func(c Context, _ flow.IORequest) (*flow.WaitingFor, error) {
				var ids []string
				for _, s := range c.Checkpoint().Sessions {
					if !s.Initiated {
						ids = append(ids, s.SessionID)
					}
				}
				return flow.SessionInit(ids...), nil
			},
			postProcess: func(c Context, _ flow.IORequest) (Context, error) {
				return p.wakeupIfReady(c)
			},
		},
		flow.RequestForceCheckpoint: requestHandler{
			// The wakeup is added by the force-checkpoint global processor.
			waitingFor: func(Context, flow.IORequest) (*flow.WaitingFor, error) {
				return flow.Wakeup(time.Time{}), nil
			},
		},
		flow.RequestExternalEvent: requestHandler{
			waitingFor: func(_ Context, req flow.IORequest) (*flow.WaitingFor, error) {
				id := req.(flow.ExternalEvent).RequestID
				if id == "" {
					id = event.NewRequestID()
				}
				return flow.ExternalEventResponse(id), nil
			},
			postProcess: func(c Context, req flow.IORequest) (Context, error) {
				ext := req.(flow.ExternalEvent)
				return c.update(func(cp *checkpoint.Checkpoint) error {
					cp.ExternalEvent = p.external.ProcessEventToSend(
						cp.FlowID, cp.WaitingFor.RequestID, ext.FactoryClassName, ext.Payload, c.Now())
					return nil
				})
			},
		},
		flow.RequestSubFlowFinished: requestHandler{
			waitingFor: p.subFlowWaitingFor,
			postProcess: func(c Context, req flow.IORequest) (Context, error) {
				c, ids, err := p.popFrame(c, req.(flow.SubFlowFinished).SessionIDs)
				if err != nil {
					return c, err
				}
				c, err = p.closeSessions(c, ids)
				if err != nil {
					return c, err
				}
				return c.WithOutputRecords(p.wakeupRecord(c)), nil
			},
		},
		flow.RequestSubFlowFailed: requestHandler{
			waitingFor: p.subFlowWaitingFor,
			postProcess: func(c Context, req flow.IORequest) (Context, error) {
				failed := req.(flow.SubFlowFailed)
				c, ids, err := p.popFrame(c, failed.SessionIDs)
				if err != nil {
					return c, err
				}
				c, err = p.errorSessions(c, ids, feerrors.NewEnvelope(failed.Cause))
				if err != nil {
					return c, err
				}
				return c.WithOutputRecords(p.wakeupRecord(c)), nil
			},
		},
		flow.RequestFlowFinished: requestHandler{
			waitingFor: terminalWaitingFor,
			postProcess: func(c Context, req flow.IORequest) (Context, error) {
				c, err := c.update(func(cp *checkpoint.Checkpoint) error {
					cp.Status = checkpoint.StatusCompleted
					cp.Result = req.(flow.FlowFinished).Result
					cp.Termination = &checkpoint.Termination{
						Status: checkpoint.StatusCompleted,
						Reason: "flow finished",
						At:     c.Now(),
					}
					return nil
				})
				if err != nil {
					return c, err
				}
				c, err = p.closeSessions(c, c.Checkpoint().OpenSessionIDs())
				if err != nil {
					return c, err
				}
				return p.terminated(c), nil
			},
		},
		flow.RequestFlowFailed: requestHandler{
			waitingFor: terminalWaitingFor,
			postProcess: func(c Context, req flow.IORequest) (Context, error) {
				env := feerrors.NewEnvelope(req.(flow.FlowFailed).Cause)
				c, err := c.update(func(cp *checkpoint.Checkpoint) error {
					cp.Status = checkpoint.StatusFailed
					cp.Termination = &checkpoint.Termination{
						Status: checkpoint.StatusFailed,
						Reason: "flow failed",
						Error:  env,
						At:     c.Now(),
					}
					return nil
				})
				if err != nil {
					return c, err
				}
				c, err = p.errorSessions(c, c.Checkpoint().OpenSessionIDs(), env)
				if err != nil {
					return c, err
				}
				return p.terminated(c), nil
			},
		},
	}
}

// terminalWaitingFor keeps a finished flow waiting for its sessions to close.
func terminalWaitingFor(c Context, _ flow.IORequest) (*flow.WaitingFor, error) {
	open := c.Checkpoint().OpenSessionIDs()
	if len(open) == 0 {
		return nil, nil
	}
	return flow.SessionClose(open...), nil
}

func (p *Pipeline) subFlowWaitingFor(c Context, _ flow.IORequest) (*flow.WaitingFor, error) {
	if len(c.Checkpoint().FlowStack) < 2 {
		return nil, feerrors.NewFatalError(c.FlowID(), "sub-flow ended with no sub-flow frame on the stack")
	}
	return flow.Wakeup(time.Time{}), nil
}

// checkNewSessions verifies that sessions which do not exist yet can be
// initiated.
func (p *Pipeline) checkNewSessions(c Context, payloads []flow.SessionPayload) error {
	cp := c.Checkpoint()
	for _, pl := range payloads {
		if cp.Session(pl.SessionID) != nil {
			continue
		}
		if pl.Counterparty == (session.Identity{}) {
			return feerrors.NewFatalError(cp.FlowID, "session %s does not exist and has no counterparty", pl.SessionID)
		}
		if _, ok := cp.NearestInitiatingFrame(); !ok {
			return feerrors.NewFatalError(cp.FlowID, "session %s opened outside an initiating flow", pl.SessionID)
		}
	}
	return nil
}

// sendPayloads queues one DATA message per payload, initiating sessions that
// do not exist yet with the protocol of the nearest initiating frame.
func (p *Pipeline) sendPayloads(c Context, payloads []flow.SessionPayload) (Context, error) {
	return c.update(func(cp *checkpoint.Checkpoint) error {
		for _, pl := range payloads {
			s := cp.Session(pl.SessionID)
			if s == nil {
				frame, ok := cp.NearestInitiatingFrame()
				if !ok {
					return feerrors.NewFatalError(cp.FlowID, "session %s opened outside an initiating flow", pl.SessionID)
				}
				s = p.sessions.Initiate(pl.SessionID, pl.Counterparty, frame.Protocol, frame.ProtocolVersion, c.Now())
				cp.AddSessionToTopFrame(pl.SessionID)
				p.logger.Debug("session initiated",
					slog.String("flow_id", cp.FlowID),
					slog.String("session_id", pl.SessionID),
					slog.String("counterparty", pl.Counterparty.String()),
					slog.String("protocol", frame.Protocol))
			}
			cp.PutSession(p.sessions.ProcessMessageToSend(pl.SessionID, s, session.Message{
				Type:    session.MessageData,
				Payload: pl.Payload,
			}, c.Now()))
		}
		return nil
	})
}

// closeSessions queues CLOSE on every listed session that has not sent one.
func (p *Pipeline) closeSessions(c Context, ids []string) (Context, error) {
	return c.update(func(cp *checkpoint.Checkpoint) error {
		for _, id := range ids {
			s := cp.Session(id)
			if s == nil || s.Status.IsTerminal() || s.CloseSent {
				continue
			}
			next := p.sessions.ProcessMessageToSend(id, s, session.Message{Type: session.MessageClose}, c.Now())
			observability.LogSessionStatus(p.logger, id, string(s.Status), string(next.Status))
			cp.PutSession(next)
		}
		return nil
	})
}

// errorSessions moves every listed session to ERROR and queues an ERROR
// message for the counterparty.
func (p *Pipeline) errorSessions(c Context, ids []string, env *feerrors.Envelope) (Context, error) {
	return c.update(func(cp *checkpoint.Checkpoint) error {
		for _, id := range ids {
			s := cp.Session(id)
			if s == nil || s.Status.IsTerminal() {
				continue
			}
			next := p.sessions.ErrorSession(s, env, c.Now())
			observability.LogSessionStatus(p.logger, id, string(s.Status), string(next.Status))
			cp.PutSession(next)
		}
		return nil
	})
}

// popFrame removes the sub-flow frame and returns the sessions to finish:
// the listed ones, or every session the frame owned.
func (p *Pipeline) popFrame(c Context, ids []string) (Context, []string, error) {
	var owned []string
	c, err := c.update(func(cp *checkpoint.Checkpoint) error {
		frame, ok := cp.PopFrame()
		if !ok {
			return feerrors.NewFatalError(cp.FlowID, "sub-flow ended with an empty flow stack")
		}
		owned = frame.SessionIDs
		return nil
	})
	if err != nil {
		return c, nil, err
	}
	if len(ids) == 0 {
		ids = owned
	}
	return c, ids, nil
}

// terminated emits the status record of a flow that reached a terminal status.
func (p *Pipeline) terminated(c Context) Context {
	cp := c.Checkpoint()
	reason := ""
	if cp.Termination != nil {
		reason = cp.Termination.Reason
	}
	observability.LogFlowTerminated(p.logger, cp.FlowID, string(cp.Status), reason)
	return c.WithOutputRecords(event.StatusRecord(event.StatusFromCheckpoint(cp, c.Now())))
}

// wakeupRecord asks for the flow to be resumed immediately.
func (p *Pipeline) wakeupRecord(c Context) event.Record {
	return event.FlowEventRecord(event.NewFromParent(c.Event(), c.FlowID(), event.Wakeup{},
		event.WithTimestamp(c.Now())))
}

// wakeupIfReady emits a wakeup when the new waiting-for is already
// satisfied, for example by data that arrived before the flow asked for it.
func (p *Pipeline) wakeupIfReady(c Context) (Context, error) {
	wf := c.Checkpoint().WaitingFor
	if wf == nil {
		return c, nil
	}
	handler, ok := p.waitingForHandlers[wf.Kind]
	if !ok {
		return c, nil
	}
	cont, err := handler(c)
	if err != nil {
		return c, err
	}
	if flow.Resumes(cont) {
		return c.WithOutputRecords(p.wakeupRecord(c)), nil
	}
	return c, nil
}
