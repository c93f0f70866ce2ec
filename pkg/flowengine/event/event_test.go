package event_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/flowengine/pkg/flowengine/checkpoint"
	feerrors "github.com/randalmurphal/flowengine/pkg/flowengine/errors"
	"github.com/randalmurphal/flowengine/pkg/flowengine/event"
	"github.com/randalmurphal/flowengine/pkg/flowengine/external"
	"github.com/randalmurphal/flowengine/pkg/flowengine/session"
)

var ts = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNew_Defaults(t *testing.T) {
	evt := event.New("flow-1", event.Wakeup{})

	assert.NotEmpty(t, evt.Meta.EventID)
	assert.Equal(t, evt.Meta.EventID, evt.Meta.CorrelationID, "root event correlates to itself")
	assert.Empty(t, evt.Meta.CausationID)
	assert.False(t, evt.Meta.Timestamp.IsZero())
	assert.Equal(t, "flow-1", evt.FlowID)
	assert.Equal(t, event.TypeWakeup, evt.Type())
}

func TestNew_Options(t *testing.T) {
	evt := event.New("flow-1", event.KillFlow{Reason: "operator"},
		event.WithEventID("evt-1"),
		event.WithCorrelationID("corr-1"),
		event.WithCausationID("cause-1"),
		event.WithTimestamp(ts),
	)

	assert.Equal(t, event.Metadata{
		EventID:       "evt-1",
		CorrelationID: "corr-1",
		CausationID:   "cause-1",
		Timestamp:     ts,
	}, evt.Meta)
}

func TestNewFromParent(t *testing.T) {
	parent := event.New("flow-1", event.Wakeup{}, event.WithEventID("parent"), event.WithCorrelationID("root"))
	child := event.NewFromParent(parent, "flow-2", event.Wakeup{})

	assert.Equal(t, "root", child.Meta.CorrelationID)
	assert.Equal(t, "parent", child.Meta.CausationID)
	assert.Equal(t, "flow-2", child.FlowID)
	assert.NotEqual(t, parent.Meta.EventID, child.Meta.EventID)
}

func TestFlowEvent_Type_NilPayload(t *testing.T) {
	var nilEvent *event.FlowEvent
	assert.Equal(t, event.PayloadType(""), nilEvent.Type())
	assert.Equal(t, event.PayloadType(""), (&event.FlowEvent{}).Type())
}

func TestFlowEvent_JSONRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload event.Payload
	}{
		{"start flow", event.StartFlow{
			ClientRequestID: "req-1",
			FlowClassName:   "PingFlow",
			Identity:        session.Identity{Name: "alice", Group: "g"},
			StartArgs:       []byte(`{"peer":"bob"}`),
		}},
		{"session event", event.SessionEvent{Message: session.Message{
			SessionID:   "s1",
			Type:        session.MessageData,
			SequenceNum: 2,
			Source:      session.Identity{Name: "alice", Group: "g"},
			Destination: session.Identity{Name: "bob", Group: "g"},
			Payload:     []byte("ping"),
		}}},
		{"wakeup", event.Wakeup{}},
		{"external response", event.ExternalEventResponse{Response: external.Response{
			RequestID: "ext-1",
			Status:    external.StatusFatalError,
			Error:     &feerrors.Envelope{Type: "SignError", Message: "no key"},
			Timestamp: ts,
		}}},
		{"kill flow", event.KillFlow{Reason: "operator"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt := event.New("flow-1", tt.payload, event.WithEventID("evt-1"), event.WithTimestamp(ts))

			data, err := json.Marshal(evt)
			require.NoError(t, err)
			assert.Contains(t, string(data), `"type":"`+string(tt.payload.PayloadType())+`"`)

			var decoded event.FlowEvent
			require.NoError(t, json.Unmarshal(data, &decoded))
			assert.Equal(t, evt, &decoded)
		})
	}
}

func TestFlowEvent_UnmarshalNoPayload(t *testing.T) {
	var decoded event.FlowEvent
	require.NoError(t, json.Unmarshal([]byte(`{"metadata":{"id":"e1"},"flow_id":"flow-1"}`), &decoded))

	assert.Nil(t, decoded.Payload)
	assert.Equal(t, "e1", decoded.Meta.EventID)
}

func TestFlowEvent_UnmarshalUnknownType(t *testing.T) {
	var decoded event.FlowEvent
	err := json.Unmarshal([]byte(`{"flow_id":"flow-1","type":"mystery","payload":{}}`), &decoded)
	assert.ErrorContains(t, err, "mystery")
}

func TestSessionEvent_LocalSessionID(t *testing.T) {
	fromInitiator := event.SessionEvent{Message: session.Message{SessionID: "s1"}}
	fromResponder := event.SessionEvent{Message: session.Message{SessionID: "s1-INITIATED"}}

	assert.Equal(t, "s1-INITIATED", fromInitiator.LocalSessionID())
	assert.Equal(t, "s1", fromResponder.LocalSessionID())
}

func TestNewFlowID(t *testing.T) {
	a := event.NewFlowID()
	b := event.NewFlowID()

	assert.True(t, strings.HasPrefix(a, "flow_"), a)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, event.NewSessionID(), event.NewSessionID())
	assert.NotEqual(t, event.NewRequestID(), event.NewRequestID())
}

func TestRecords(t *testing.T) {
	evt := event.New("flow-1", event.Wakeup{})
	msg := session.Message{SessionID: "s1", Type: session.MessageInit, SequenceNum: 1}
	req := external.Request{RequestID: "ext-1", FlowID: "flow-1"}
	wake := event.ScheduledWakeup{FlowID: "flow-1", At: ts}
	status := event.FlowStatus{FlowID: "flow-1", Status: checkpoint.StatusCompleted}

	records := []event.Record{
		event.FlowEventRecord(evt),
		event.SessionRecord(msg),
		event.TimerRecord(wake),
		event.ExternalRequestRecord(req),
		event.StatusRecord(status),
	}

	assert.Equal(t, event.Record{Topic: event.TopicFlowEvent, Key: "flow-1", Value: evt}, records[0])
	assert.Equal(t, event.Record{Topic: event.TopicSessionOut, Key: "s1-INITIATED", Value: msg}, records[1])
	assert.Equal(t, event.Record{Topic: event.TopicTimer, Key: "flow-1", Value: wake}, records[2])
	assert.Equal(t, event.Record{Topic: event.TopicExternalRequest, Key: "ext-1", Value: req}, records[3])
	assert.Equal(t, event.Record{Topic: event.TopicStatus, Key: "flow-1", Value: status}, records[4])

	assert.Len(t, event.Filter(records, event.TopicTimer), 1)
	assert.Empty(t, event.Filter(records[:1], event.TopicStatus))
}

func TestStatusFromCheckpoint(t *testing.T) {
	cp := checkpoint.New("flow-1", session.Identity{Name: "alice"}, "PingFlow", ts)
	cp.ClientRequestID = "req-1"
	cp.Status = checkpoint.StatusFailed
	cp.Termination = &checkpoint.Termination{
		Status: checkpoint.StatusFailed,
		Error:  &feerrors.Envelope{Type: "ProcessingError", Message: "boom"},
	}

	status := event.StatusFromCheckpoint(cp, ts)

	assert.Equal(t, "flow-1", status.FlowID)
	assert.Equal(t, "req-1", status.ClientRequestID)
	assert.Equal(t, "PingFlow", status.FlowClassName)
	assert.Equal(t, checkpoint.StatusFailed, status.Status)
	assert.Equal(t, "boom", status.Error.Message)
	assert.Equal(t, ts, status.Timestamp)
}
