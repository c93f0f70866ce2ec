package pipeline

import (
	"context"
	"log/slog"

	"github.com/randalmurphal/flowengine/pkg/flowengine/checkpoint"
	feerrors "github.com/randalmurphal/flowengine/pkg/flowengine/errors"
	"github.com/randalmurphal/flowengine/pkg/flowengine/event"
	"github.com/randalmurphal/flowengine/pkg/flowengine/observability"
	"github.com/randalmurphal/flowengine/pkg/flowengine/session"
)

// EventHandler folds one payload type into the context.
type EventHandler func(ctx context.Context, c Context) (Context, error)

func (p *Pipeline) newEventHandlers() map[event.PayloadType]EventHandler {
	return map[event.PayloadType]EventHandler{
		event.TypeStartFlow:             p.preProcessStartFlow,
		event.TypeSessionEvent:          p.preProcessSessionEvent,
		event.TypeWakeup:                p.preProcessWakeup,
		event.TypeExternalEventResponse: p.preProcessExternalResponse,
		event.TypeKillFlow:              p.preProcessKillFlow,
	}
}

func (p *Pipeline) preProcessStartFlow(_ context.Context, c Context) (Context, error) {
	start := c.Payload().(event.StartFlow)
	if c.Checkpoint() != nil {
		p.logger.Debug("duplicate start flow ignored",
			slog.String("flow_id", c.FlowID()),
			slog.String("client_request_id", start.ClientRequestID))
		return c, nil
	}

	cp := checkpoint.New(c.FlowID(), start.Identity, start.FlowClassName, c.Now())
	cp.ClientRequestID = start.ClientRequestID
	cp.StartArgs = start.StartArgs

	def, ok := p.flows.Get(start.FlowClassName)
	if !ok {
		// Nothing to run: report the failure and keep no checkpoint.
		cp.Status = checkpoint.StatusFailed
		cp.Termination = &checkpoint.Termination{
			Status: checkpoint.StatusFailed,
			Reason: "unknown flow class",
			Error: &feerrors.Envelope{
				Type:    "FlowNotFound",
				Message: "no flow registered with class name " + start.FlowClassName,
			},
			At: c.Now(),
		}
		p.logger.Warn("start for unknown flow class",
			slog.String("flow_id", c.FlowID()),
			slog.String("flow_class", start.FlowClassName))
		return c.WithOutputRecords(event.StatusRecord(event.StatusFromCheckpoint(cp, c.Now()))), nil
	}

	cp.PushFrame(checkpoint.StackItem{
		FlowName:         def.Name,
		Protocol:         def.Protocol,
		ProtocolVersion:  def.ProtocolVersion,
		IsInitiatingFlow: def.Initiating,
	})
	p.logger.Info("flow created",
		slog.String("flow_id", cp.FlowID),
		slog.String("flow_class", cp.FlowClassName))
	return c.WithCheckpoint(cp).
		WithOutputRecords(event.StatusRecord(event.StatusFromCheckpoint(cp, c.Now()))), nil
}

func (p *Pipeline) preProcessSessionEvent(_ context.Context, c Context) (Context, error) {
	evt := c.Payload().(event.SessionEvent)
	msg := evt.Message
	sessionID := evt.LocalSessionID()

	if c.Checkpoint() == nil {
		if msg.Type != session.MessageInit {
			return c, feerrors.NewProcessingError(c.FlowID(),
				"%s message for session %s of a flow with no checkpoint", msg.Type, sessionID)
		}
		return p.initiateResponder(c, sessionID, msg)
	}

	return c.update(func(cp *checkpoint.Checkpoint) error {
		existing := cp.Session(sessionID)
		next := p.sessions.ProcessMessageReceived(sessionID, existing, msg, c.Now())
		if next == nil {
			return nil
		}
		if existing == nil {
			cp.AddSessionToTopFrame(sessionID)
		} else {
			observability.LogSessionStatus(p.logger, sessionID, string(existing.Status), string(next.Status))
		}
		cp.PutSession(next)
		return nil
	})
}

// initiateResponder creates the checkpoint of the flow that answers a session
// INIT. An INIT for a protocol with no responder is answered with a session
// ERROR and no checkpoint is created.
func (p *Pipeline) initiateResponder(c Context, sessionID string, msg session.Message) (Context, error) {
	state := p.sessions.ProcessMessageReceived(sessionID, nil, msg, c.Now())

	responder, ok := p.protocols.ResponderFor(msg.Protocol, msg.ProtocolVersion)
	if !ok {
		p.logger.Warn("session init for unknown protocol rejected",
			slog.String("session_id", sessionID),
			slog.String("protocol", msg.Protocol),
			slog.Int("protocol_version", msg.ProtocolVersion))
		state = p.sessions.ErrorSession(state, &feerrors.Envelope{
			Type:    "ProtocolNotFound",
			Message: "no responder for protocol " + msg.Protocol,
		}, c.Now())
		_, out := p.sessions.GetMessagesToSend(sessionID, state, c.Now())
		return c.WithOutputRecords(sessionRecords(msg.Destination, state, out)...), nil
	}
	def, ok := p.flows.Get(responder)
	if !ok {
		return c, feerrors.NewFatalError(c.FlowID(), "responder flow %q for protocol %s is not registered", responder, msg.Protocol)
	}

	cp := checkpoint.New(c.FlowID(), msg.Destination, responder, c.Now())
	cp.PushFrame(checkpoint.StackItem{
		FlowName:         def.Name,
		Protocol:         msg.Protocol,
		ProtocolVersion:  msg.ProtocolVersion,
		IsInitiatingFlow: def.Initiating,
		SessionIDs:       []string{sessionID},
	})
	cp.PutSession(state)
	p.logger.Info("responder flow created",
		slog.String("flow_id", cp.FlowID),
		slog.String("flow_class", responder),
		slog.String("session_id", sessionID))
	return c.WithCheckpoint(cp), nil
}

func (p *Pipeline) preProcessWakeup(_ context.Context, c Context) (Context, error) {
	if c.Checkpoint() == nil {
		return c, feerrors.NewFatalError(c.FlowID(), "wakeup requires an existing checkpoint")
	}
	return c, nil
}

func (p *Pipeline) preProcessExternalResponse(_ context.Context, c Context) (Context, error) {
	resp := c.Payload().(event.ExternalEventResponse).Response
	if c.Checkpoint() == nil {
		return c, feerrors.NewProcessingError(c.FlowID(),
			"external event response %s for a flow with no checkpoint", resp.RequestID)
	}
	if c.Checkpoint().ExternalEvent == nil {
		p.logger.Warn("external event response without outstanding request",
			slog.String("flow_id", c.FlowID()),
			slog.String("request_id", resp.RequestID))
		return c, nil
	}
	return c.update(func(cp *checkpoint.Checkpoint) error {
		cp.ExternalEvent = p.external.ProcessResponseReceived(cp.ExternalEvent, resp)
		return nil
	})
}

func (p *Pipeline) preProcessKillFlow(_ context.Context, c Context) (Context, error) {
	kill := c.Payload().(event.KillFlow)
	cp := c.Checkpoint()
	if cp == nil || cp.IsTerminal() {
		p.logger.Debug("kill for stopped flow ignored", slog.String("flow_id", c.FlowID()))
		return c, nil
	}
	return c.update(func(cp *checkpoint.Checkpoint) error {
		cp.KillRequested = true
		cp.Termination = &checkpoint.Termination{
			Status: checkpoint.StatusKilled,
			Reason: kill.Reason,
		}
		return nil
	})
}

// sessionRecords stamps source and destination on outbound messages.
func sessionRecords(holding session.Identity, state *session.State, msgs []session.Message) []event.Record {
	records := make([]event.Record, 0, len(msgs))
	for _, msg := range msgs {
		msg.Source = holding
		msg.Destination = state.Counterparty
		records = append(records, event.SessionRecord(msg))
	}
	return records
}
