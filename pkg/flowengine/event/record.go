package event

import (
	"time"

	"github.com/randalmurphal/flowengine/pkg/flowengine/checkpoint"
	feerrors "github.com/randalmurphal/flowengine/pkg/flowengine/errors"
	"github.com/randalmurphal/flowengine/pkg/flowengine/external"
	"github.com/randalmurphal/flowengine/pkg/flowengine/session"
)

// Topic names the destination of an output record.
type Topic string

// Output topics.
const (
	// TopicFlowEvent carries *FlowEvent values back into the pipeline.
	TopicFlowEvent Topic = "flow.event"

	// TopicSessionOut carries session.Message values to peers.
	TopicSessionOut Topic = "flow.session.out"

	// TopicTimer carries ScheduledWakeup values.
	TopicTimer Topic = "flow.timer"

	// TopicExternalRequest carries external.Request values.
	TopicExternalRequest Topic = "flow.external.request"

	// TopicStatus carries FlowStatus values.
	TopicStatus Topic = "flow.status"
)

// Record is one output of processing a flow event.
type Record struct {
	Topic Topic
	Key   string
	Value any
}

// ScheduledWakeup asks for a Wakeup event to be delivered to FlowID at At.
type ScheduledWakeup struct {
	FlowID string    `json:"flow_id"`
	At     time.Time `json:"at"`
}

// FlowStatus reports a flow lifecycle change to the client that started it.
type FlowStatus struct {
	FlowID          string                `json:"flow_id"`
	ClientRequestID string                `json:"client_request_id,omitempty"`
	FlowClassName   string                `json:"flow_class_name"`
	Status          checkpoint.FlowStatus `json:"status"`
	Result          []byte                `json:"result,omitempty"`
	Error           *feerrors.Envelope    `json:"error,omitempty"`
	Timestamp       time.Time             `json:"timestamp"`
}

// FlowEventRecord wraps a flow event, keyed by its flow id.
func FlowEventRecord(evt *FlowEvent) Record {
	return Record{Topic: TopicFlowEvent, Key: evt.FlowID, Value: evt}
}

// SessionRecord wraps an outbound session message, keyed by the session id
// the receiver uses.
func SessionRecord(msg session.Message) Record {
	return Record{Topic: TopicSessionOut, Key: session.CounterpartySessionID(msg.SessionID), Value: msg}
}

// TimerRecord wraps a scheduled wakeup, keyed by flow id.
func TimerRecord(w ScheduledWakeup) Record {
	return Record{Topic: TopicTimer, Key: w.FlowID, Value: w}
}

// ExternalRequestRecord wraps an external request, keyed by request id.
func ExternalRequestRecord(req external.Request) Record {
	return Record{Topic: TopicExternalRequest, Key: req.RequestID, Value: req}
}

// StatusRecord wraps a flow status, keyed by flow id.
func StatusRecord(s FlowStatus) Record {
	return Record{Topic: TopicStatus, Key: s.FlowID, Value: s}
}

// StatusFromCheckpoint builds the status record value for a checkpoint.
func StatusFromCheckpoint(cp *checkpoint.Checkpoint, now time.Time) FlowStatus {
	s := FlowStatus{
		FlowID:          cp.FlowID,
		ClientRequestID: cp.ClientRequestID,
		FlowClassName:   cp.FlowClassName,
		Status:          cp.Status,
		Result:          cp.Result,
		Timestamp:       now,
	}
	if cp.Termination != nil {
		s.Error = cp.Termination.Error
	}
	return s
}

// Filter returns the records published to topic.
func Filter(records []Record, topic Topic) []Record {
	var out []Record
	for _, r := range records {
		if r.Topic == topic {
			out = append(out, r)
		}
	}
	return out
}
