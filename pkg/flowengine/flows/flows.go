// Package flows holds ready-made flows: a ping initiator and the pong
// responder it talks to. They are step machines that persist their progress
// in the fiber state, so they resume correctly from any checkpoint.
package flows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/randalmurphal/flowengine/pkg/flowengine/flow"
	"github.com/randalmurphal/flowengine/pkg/flowengine/pipeline"
)

// Flow class and protocol names.
const (
	PingFlowName    = "ping"
	PongFlowName    = "pong"
	Protocol        = "ping-pong"
	ProtocolVersion = 1
)

// ErrUnexpectedResume is returned when a step is resumed with a value it
// cannot use.
var ErrUnexpectedResume = errors.New("flows: unexpected resume value")

// Register adds the ping and pong flows and makes pong the responder for
// the ping-pong protocol.
func Register(flows *pipeline.FlowRegistry, protocols *pipeline.ProtocolStore) {
	flows.Register(PingFlowName, pipeline.FlowDefinition{
		Name:            PingFlowName,
		Protocol:        Protocol,
		ProtocolVersion: ProtocolVersion,
		Initiating:      true,
		Fiber:           stepper(pingSteps),
	})
	flows.Register(PongFlowName, pipeline.FlowDefinition{
		Name:  PongFlowName,
		Fiber: stepper(pongSteps),
	})
	protocols.Register(Protocol, PongFlowName, ProtocolVersion)
}

// stepFunc runs one step of a machine with state S. It returns the next IO
// request and updates the state, including which step runs next.
type stepFunc[S any] func(fc *pipeline.FiberContext, state *S, c flow.Continuation) (flow.IORequest, error)

// stepState is implemented by machine states.
type stepState interface {
	current() int
}

// stepper builds a fiber from a step table. The machine state is stored as
// JSON in the fiber state.
func stepper[S any, PS interface {
	*S
	stepState
}](steps []stepFunc[S]) pipeline.Fiber {
	return pipeline.FiberFunc(func(_ context.Context, fc *pipeline.FiberContext, c flow.Continuation) (flow.IORequest, error) {
		var state S
		if len(fc.State) > 0 {
			if err := json.Unmarshal(fc.State, &state); err != nil {
				return nil, fmt.Errorf("decode %s state: %w", fc.FlowClassName, err)
			}
		}
		// A failed IO request ends the flow with the same cause.
		if e, ok := c.(flow.Error); ok {
			return flow.FlowFailed{Cause: e.Cause}, nil
		}

		step := PS(&state).current()
		if step < 0 || step >= len(steps) {
			return nil, fmt.Errorf("%s resumed at unknown step %d", fc.FlowClassName, step)
		}
		req, err := steps[step](fc, &state, c)
		if err != nil {
			return nil, err
		}

		data, err := json.Marshal(state)
		if err != nil {
			return nil, fmt.Errorf("encode %s state: %w", fc.FlowClassName, err)
		}
		fc.State = data
		return req, nil
	})
}

// received extracts the payload delivered for sessionID.
func received(c flow.Continuation, sessionID string) ([]byte, error) {
	run, ok := c.(flow.Run)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedResume, c)
	}
	data, ok := run.Value.(map[string][]byte)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedResume, run.Value)
	}
	payload, ok := data[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: no data for session %s", ErrUnexpectedResume, sessionID)
	}
	return payload, nil
}
