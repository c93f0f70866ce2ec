package pipeline

import (
	"github.com/randalmurphal/flowengine/pkg/flowengine/checkpoint"
	feerrors "github.com/randalmurphal/flowengine/pkg/flowengine/errors"
	"github.com/randalmurphal/flowengine/pkg/flowengine/flow"
	"github.com/randalmurphal/flowengine/pkg/flowengine/session"
)

// WaitingForHandler decides whether a suspended flow can resume. It is a pure
// function of the context and never changes the checkpoint.
type WaitingForHandler func(c Context) (flow.Continuation, error)

func (p *Pipeline) newWaitingForHandlers() map[flow.WaitingForKind]WaitingForHandler {
	return map[flow.WaitingForKind]WaitingForHandler{
		flow.WaitingForStartFlow:     waitForStart,
		flow.WaitingForWakeup:        waitForWakeup,
		flow.WaitingForSessionData:   waitForSessionData,
		flow.WaitingForSessionInit:   waitForSessionInit,
		flow.WaitingForSessionClose:  waitForSessionClose,
		flow.WaitingForFlowInfo:      waitForFlowInfo,
		flow.WaitingForExternalEvent: p.waitForExternalEvent,
	}
}

func waitForStart(c Context) (flow.Continuation, error) {
	return flow.Run{Value: c.Checkpoint().StartArgs}, nil
}

func waitForWakeup(c Context) (flow.Continuation, error) {
	until := c.Checkpoint().WaitingFor.Until
	if !until.IsZero() && c.Now().Before(until) {
		return flow.Continue{}, nil
	}
	return flow.Run{}, nil
}

// waitForSessionData resumes with one message per session, keyed by session
// id, once every session has data.
func waitForSessionData(c Context) (flow.Continuation, error) {
	cp := c.Checkpoint()
	received := make(map[string][]byte, len(cp.WaitingFor.SessionIDs))
	for _, id := range cp.WaitingFor.SessionIDs {
		s, err := requireSession(cp, id)
		if err != nil {
			return flow.Error{Cause: err}, nil
		}
		if s.Status == session.StatusError {
			return flow.Error{Cause: sessionError(s, "session errored")}, nil
		}
		msg, ok := s.NextReceived()
		if ok {
			received[id] = msg.Payload
			continue
		}
		if s.CloseReceived || s.Status == session.StatusClosed {
			return flow.Error{Cause: sessionError(s, "session closed by counterparty before data arrived")}, nil
		}
	}
	if len(received) < len(cp.WaitingFor.SessionIDs) {
		return flow.Continue{}, nil
	}
	return flow.Run{Value: received}, nil
}

// waitForSessionInit resumes once every session is confirmed.
func waitForSessionInit(c Context) (flow.Continuation, error) {
	cp := c.Checkpoint()
	ready := true
	for _, id := range cp.WaitingFor.SessionIDs {
		s, err := requireSession(cp, id)
		if err != nil {
			return flow.Error{Cause: err}, nil
		}
		switch s.Status {
		case session.StatusError:
			return flow.Error{Cause: sessionError(s, "session errored before confirmation")}, nil
		case session.StatusCreated:
			ready = false
		}
	}
	if !ready {
		return flow.Continue{}, nil
	}
	return flow.Run{}, nil
}

// waitForSessionClose resumes once every session is closed. Unconsumed data
// on a closing session is an error for the flow.
func waitForSessionClose(c Context) (flow.Continuation, error) {
	cp := c.Checkpoint()
	ready := true
	for _, id := range cp.WaitingFor.SessionIDs {
		s, err := requireSession(cp, id)
		if err != nil {
			return flow.Error{Cause: err}, nil
		}
		if s.Status == session.StatusError {
			return flow.Error{Cause: sessionError(s, "session errored while closing")}, nil
		}
		if _, ok := s.NextReceived(); ok {
			return flow.Error{Cause: sessionError(s, "unexpected data received while closing")}, nil
		}
		if s.Status != session.StatusClosed {
			ready = false
		}
	}
	if !ready {
		return flow.Continue{}, nil
	}
	return flow.Run{}, nil
}

// waitForFlowInfo resumes immediately with the requested session views.
func waitForFlowInfo(c Context) (flow.Continuation, error) {
	cp := c.Checkpoint()
	ids := cp.WaitingFor.SessionIDs
	if len(ids) == 0 {
		ids = cp.SessionIDs()
	}
	infos := make([]session.Info, 0, len(ids))
	for _, id := range ids {
		s, err := requireSession(cp, id)
		if err != nil {
			return flow.Error{Cause: err}, nil
		}
		infos = append(infos, s.Info())
	}
	return flow.Run{Value: infos}, nil
}

func (p *Pipeline) waitForExternalEvent(c Context) (flow.Continuation, error) {
	cp := c.Checkpoint()
	ext := cp.ExternalEvent
	if ext == nil {
		return nil, feerrors.NewFatalError(cp.FlowID, "waiting for external event %s without a correlation record", cp.WaitingFor.RequestID)
	}
	if ext.RequestID != cp.WaitingFor.RequestID {
		return nil, feerrors.NewFatalError(cp.FlowID, "correlation record %s does not match awaited request %s", ext.RequestID, cp.WaitingFor.RequestID)
	}
	return p.external.Decide(ext)
}

func requireSession(cp *checkpoint.Checkpoint, id string) (*session.State, error) {
	s := cp.Session(id)
	if s == nil {
		return nil, &feerrors.SessionError{SessionID: id, Message: "no such session"}
	}
	return s, nil
}
