package flows

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/randalmurphal/flowengine/pkg/flowengine/event"
	"github.com/randalmurphal/flowengine/pkg/flowengine/flow"
	"github.com/randalmurphal/flowengine/pkg/flowengine/pipeline"
	"github.com/randalmurphal/flowengine/pkg/flowengine/session"
)

// PingArgs are the start arguments of the ping flow.
type PingArgs struct {
	Counterparty session.Identity `json:"counterparty"`

	// Count is the number of pings to send. Default: 1
	Count int `json:"count,omitempty"`

	// Message is sent with every ping. Default: "ping"
	Message string `json:"message,omitempty"`
}

// Encode returns the args as flow start arguments.
func (a PingArgs) Encode() ([]byte, error) {
	return json.Marshal(a)
}

// PingResult is the result of a finished ping flow.
type PingResult struct {
	SessionID string   `json:"session_id"`
	Replies   []string `json:"replies"`
}

// DecodePingResult decodes a ping flow result.
func DecodePingResult(data []byte) (PingResult, error) {
	var r PingResult
	err := json.Unmarshal(data, &r)
	return r, err
}

// Ping is the message the ping flow sends.
type Ping struct {
	Seq   int    `json:"seq"`
	Total int    `json:"total"`
	Text  string `json:"text"`
}

// Pong is the reply to a Ping.
type Pong struct {
	Seq  int    `json:"seq"`
	Text string `json:"text"`
}

const (
	pingStart = iota
	pingAwaitReply
	pingClosing
)

type pingState struct {
	Step      int      `json:"step"`
	SessionID string   `json:"session_id,omitempty"`
	Args      PingArgs `json:"args"`
	Sent      int      `json:"sent"`
	Replies   []string `json:"replies,omitempty"`
}

func (s *pingState) current() int { return s.Step }

var pingSteps = []stepFunc[pingState]{
	pingStart:      pingOpen,
	pingAwaitReply: pingReply,
	pingClosing:    pingFinish,
}

func pingOpen(fc *pipeline.FiberContext, s *pingState, _ flow.Continuation) (flow.IORequest, error) {
	if err := json.Unmarshal(fc.StartArgs, &s.Args); err != nil {
		return flow.FlowFailed{Cause: fmt.Errorf("invalid ping args: %w", err)}, nil
	}
	if s.Args.Counterparty.Name == "" {
		return flow.FlowFailed{Cause: errors.New("ping needs a counterparty")}, nil
	}
	if s.Args.Count <= 0 {
		s.Args.Count = 1
	}
	if s.Args.Message == "" {
		s.Args.Message = "ping"
	}
	s.SessionID = event.NewSessionID()
	s.Step = pingAwaitReply
	return s.next(s.Args.Counterparty)
}

func pingReply(_ *pipeline.FiberContext, s *pingState, c flow.Continuation) (flow.IORequest, error) {
	data, err := received(c, s.SessionID)
	if err != nil {
		return nil, err
	}
	var pong Pong
	if err := json.Unmarshal(data, &pong); err != nil {
		return flow.FlowFailed{Cause: fmt.Errorf("invalid pong: %w", err)}, nil
	}
	s.Replies = append(s.Replies, pong.Text)

	if s.Sent < s.Args.Count {
		return s.next(session.Identity{})
	}
	s.Step = pingClosing
	return flow.CloseSessions{SessionIDs: []string{s.SessionID}}, nil
}

func pingFinish(_ *pipeline.FiberContext, s *pingState, _ flow.Continuation) (flow.IORequest, error) {
	result, err := json.Marshal(PingResult{SessionID: s.SessionID, Replies: s.Replies})
	if err != nil {
		return nil, err
	}
	return flow.FlowFinished{Result: result}, nil
}

// next sends the next ping and waits for its pong. The counterparty is only
// needed for the first ping, which opens the session.
func (s *pingState) next(counterparty session.Identity) (flow.IORequest, error) {
	s.Sent++
	payload, err := json.Marshal(Ping{Seq: s.Sent, Total: s.Args.Count, Text: s.Args.Message})
	if err != nil {
		return nil, err
	}
	return flow.SendAndReceive{Payloads: []flow.SessionPayload{
		{SessionID: s.SessionID, Counterparty: counterparty, Payload: payload},
	}}, nil
}
