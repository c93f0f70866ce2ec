// Package event defines the flow events consumed by the flow event pipeline
// and the output records it produces.
//
// A FlowEvent carries one of five payloads addressed to a single flow:
//
//   - StartFlow: a client asks to start a flow
//   - SessionEvent: a session protocol message from a peer
//   - Wakeup: a timer fired or the flow asked to be resumed immediately
//   - ExternalEventResponse: an external operation answered
//   - KillFlow: an operator asks to stop the flow
//
// Events are immutable once created. On the wire the payload is tagged with
// its PayloadType so it can be decoded back into the concrete type.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.jetify.com/typeid"

	"github.com/randalmurphal/flowengine/pkg/flowengine/external"
	"github.com/randalmurphal/flowengine/pkg/flowengine/session"
)

// PayloadType tags a flow event payload on the wire.
type PayloadType string

// Payload types.
const (
	TypeStartFlow             PayloadType = "start_flow"
	TypeSessionEvent          PayloadType = "session_event"
	TypeWakeup                PayloadType = "wakeup"
	TypeExternalEventResponse PayloadType = "external_event_response"
	TypeKillFlow              PayloadType = "kill_flow"
)

// AllPayloadTypes returns every payload type.
func AllPayloadTypes() []PayloadType {
	return []PayloadType{
		TypeStartFlow,
		TypeSessionEvent,
		TypeWakeup,
		TypeExternalEventResponse,
		TypeKillFlow,
	}
}

// Payload is implemented by every flow event payload.
type Payload interface {
	PayloadType() PayloadType
}

// StartFlow asks for a new flow instance.
type StartFlow struct {
	ClientRequestID string           `json:"client_request_id"`
	FlowClassName   string           `json:"flow_class_name"`
	Identity        session.Identity `json:"identity"`
	StartArgs       []byte           `json:"start_args,omitempty"`
}

// SessionEvent delivers a session message. Message.SessionID is the sender's
// session id; the receiving flow's id for the session is its counterparty id.
type SessionEvent struct {
	Message session.Message `json:"message"`
}

// LocalSessionID returns the receiving flow's id for the session.
func (s SessionEvent) LocalSessionID() string {
	return session.CounterpartySessionID(s.Message.SessionID)
}

// Wakeup resumes a suspended flow.
type Wakeup struct{}

// ExternalEventResponse delivers the answer to an external request.
type ExternalEventResponse struct {
	Response external.Response `json:"response"`
}

// KillFlow asks for the flow to be terminated.
type KillFlow struct {
	Reason string `json:"reason,omitempty"`
}

// PayloadType implements Payload.
func (StartFlow) PayloadType() PayloadType { return TypeStartFlow }

// PayloadType implements Payload.
func (SessionEvent) PayloadType() PayloadType { return TypeSessionEvent }

// PayloadType implements Payload.
func (Wakeup) PayloadType() PayloadType { return TypeWakeup }

// PayloadType implements Payload.
func (ExternalEventResponse) PayloadType() PayloadType { return TypeExternalEventResponse }

// PayloadType implements Payload.
func (KillFlow) PayloadType() PayloadType { return TypeKillFlow }

// Metadata contains common event metadata fields.
type Metadata struct {
	EventID       string    `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	CausationID   string    `json:"causation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// FlowEvent is one input to the flow event pipeline, addressed to FlowID.
type FlowEvent struct {
	Meta    Metadata
	FlowID  string
	Payload Payload
}

// Type returns the payload type, or "" when there is no payload.
func (e *FlowEvent) Type() PayloadType {
	if e == nil || e.Payload == nil {
		return ""
	}
	return e.Payload.PayloadType()
}

// EventOption configures event creation.
type EventOption func(*eventConfig)

type eventConfig struct {
	id            string
	correlationID string
	causationID   string
	timestamp     time.Time
}

// WithEventID sets a specific event ID (default: auto-generated UUID).
func WithEventID(id string) EventOption {
	return func(cfg *eventConfig) {
		cfg.id = id
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func WithCorrelationID(id string) EventOption {
	return func(cfg *eventConfig) {
		cfg.correlationID = id
	}
}

// WithCausationID sets the ID of the causing event.
func WithCausationID(id string) EventOption {
	return func(cfg *eventConfig) {
		cfg.causationID = id
	}
}

// WithTimestamp sets a specific timestamp (default: time.Now()).
func WithTimestamp(t time.Time) EventOption {
	return func(cfg *eventConfig) {
		cfg.timestamp = t
	}
}

// New creates a flow event for flowID.
func New(flowID string, payload Payload, opts ...EventOption) *FlowEvent {
	cfg := &eventConfig{
		id:        uuid.New().String(),
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	// If no correlation ID, use event ID as the root
	if cfg.correlationID == "" {
		cfg.correlationID = cfg.id
	}

	return &FlowEvent{
		Meta: Metadata{
			EventID:       cfg.id,
			CorrelationID: cfg.correlationID,
			CausationID:   cfg.causationID,
			Timestamp:     cfg.timestamp,
		},
		FlowID:  flowID,
		Payload: payload,
	}
}

// NewFromParent creates an event caused by parent. It inherits the
// correlation ID and sets the causation ID.
func NewFromParent(parent *FlowEvent, flowID string, payload Payload, opts ...EventOption) *FlowEvent {
	parentOpts := []EventOption{
		WithCorrelationID(parent.Meta.CorrelationID),
		WithCausationID(parent.Meta.EventID),
	}
	return New(flowID, payload, append(parentOpts, opts...)...)
}

// NewFlowID returns a new flow id of the form flow_<suffix>.
func NewFlowID() string {
	id, err := typeid.WithPrefix("flow")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewSessionID returns a new random session id.
func NewSessionID() string {
	return uuid.New().String()
}

// NewRequestID returns a new external request id.
func NewRequestID() string {
	return uuid.New().String()
}

type wireEvent struct {
	Meta    Metadata        `json:"metadata"`
	FlowID  string          `json:"flow_id"`
	Type    PayloadType     `json:"type,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *FlowEvent) MarshalJSON() ([]byte, error) {
	w := wireEvent{Meta: e.Meta, FlowID: e.FlowID}
	if e.Payload != nil {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, err
		}
		w.Type = e.Payload.PayloadType()
		w.Payload = data
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler. An event without a type decodes
// with a nil payload.
func (e *FlowEvent) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Meta = w.Meta
	e.FlowID = w.FlowID
	e.Payload = nil
	if w.Type == "" {
		return nil
	}

	payload, err := decodePayload(w.Type, w.Payload)
	if err != nil {
		return err
	}
	e.Payload = payload
	return nil
}

func decodePayload(typ PayloadType, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	switch typ {
	case TypeStartFlow:
		var p StartFlow
		err := json.Unmarshal(raw, &p)
		return p, err
	case TypeSessionEvent:
		var p SessionEvent
		err := json.Unmarshal(raw, &p)
		return p, err
	case TypeWakeup:
		return Wakeup{}, nil
	case TypeExternalEventResponse:
		var p ExternalEventResponse
		err := json.Unmarshal(raw, &p)
		return p, err
	case TypeKillFlow:
		var p KillFlow
		err := json.Unmarshal(raw, &p)
		return p, err
	default:
		return nil, fmt.Errorf("unknown flow event payload type %q", typ)
	}
}
