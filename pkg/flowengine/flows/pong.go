package flows

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/randalmurphal/flowengine/pkg/flowengine/flow"
	"github.com/randalmurphal/flowengine/pkg/flowengine/pipeline"
)

const (
	pongStart = iota
	pongAwaitPing
	pongReplied
	pongDone
)

type pongState struct {
	Step      int    `json:"step"`
	SessionID string `json:"session_id,omitempty"`
	Answered  int    `json:"answered"`
}

func (s *pongState) current() int { return s.Step }

var pongSteps = []stepFunc[pongState]{
	pongStart:     pongOpen,
	pongAwaitPing: pongAnswer,
	pongReplied:   pongReceive,
	pongDone:      pongFinish,
}

func pongOpen(fc *pipeline.FiberContext, s *pongState, c flow.Continuation) (flow.IORequest, error) {
	if len(fc.Sessions) == 0 {
		return nil, errors.New("pong started without a session")
	}
	s.SessionID = fc.Sessions[0].SessionID
	return pongReceive(fc, s, c)
}

func pongReceive(_ *pipeline.FiberContext, s *pongState, _ flow.Continuation) (flow.IORequest, error) {
	s.Step = pongAwaitPing
	return flow.Receive{SessionIDs: []string{s.SessionID}}, nil
}

func pongAnswer(_ *pipeline.FiberContext, s *pongState, c flow.Continuation) (flow.IORequest, error) {
	data, err := received(c, s.SessionID)
	if err != nil {
		return nil, err
	}
	var ping Ping
	if err := json.Unmarshal(data, &ping); err != nil {
		return flow.FlowFailed{Cause: fmt.Errorf("invalid ping: %w", err)}, nil
	}
	reply, err := json.Marshal(Pong{Seq: ping.Seq, Text: fmt.Sprintf("pong %d: %s", ping.Seq, ping.Text)})
	if err != nil {
		return nil, err
	}

	s.Answered++
	s.Step = pongReplied
	if ping.Seq >= ping.Total {
		s.Step = pongDone
	}
	return flow.Send{Payloads: []flow.SessionPayload{{SessionID: s.SessionID, Payload: reply}}}, nil
}

func pongFinish(_ *pipeline.FiberContext, s *pongState, _ flow.Continuation) (flow.IORequest, error) {
	result, err := json.Marshal(map[string]int{"answered": s.Answered})
	if err != nil {
		return nil, err
	}
	return flow.FlowFinished{Result: result}, nil
}
