// Package session implements the reliable peer-to-peer session protocol that
// flows communicate over.
//
// A session turns an unreliable, reorderable, at-least-once channel into an
// ordered, exactly-once message stream with a symmetric close handshake.
// Every numbered message (INIT, DATA, CLOSE, ERROR) carries a per-direction
// sequence number starting at 1. ACKs are unnumbered and cumulative: they carry
// the highest contiguous sequence number received plus any out-of-order
// sequence numbers buffered so far.
//
// All operations are pure with respect to their input: they clone the state
// they are given and return the new state.
package session

import (
	"slices"
	"strings"
	"time"

	feerrors "github.com/randalmurphal/flowengine/pkg/flowengine/errors"
)

// InitiatedSuffix is appended to the initiator's session id to form the id
// the counterparty uses for the same session.
const InitiatedSuffix = "-INITIATED"

// CounterpartySessionID returns the id the other end of the session uses.
func CounterpartySessionID(sessionID string) string {
	if strings.HasSuffix(sessionID, InitiatedSuffix) {
		return strings.TrimSuffix(sessionID, InitiatedSuffix)
	}
	return sessionID + InitiatedSuffix
}

// Status is the lifecycle state of a session.
type Status string

// Session statuses.
const (
	StatusCreated         Status = "CREATED"
	StatusConfirmed       Status = "CONFIRMED"
	StatusClosing         Status = "CLOSING"
	StatusWaitForFinalAck Status = "WAIT_FOR_FINAL_ACK"
	StatusClosed          Status = "CLOSED"
	StatusError           Status = "ERROR"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusClosed || s == StatusError
}

// MessageType identifies a protocol message.
type MessageType string

// Protocol message types.
const (
	MessageInit  MessageType = "INIT"
	MessageData  MessageType = "DATA"
	MessageClose MessageType = "CLOSE"
	MessageAck   MessageType = "ACK"
	MessageError MessageType = "ERROR"
)

// Numbered reports whether messages of this type carry a sequence number.
func (t MessageType) Numbered() bool {
	switch t {
	case MessageInit, MessageData, MessageClose, MessageError:
		return true
	default:
		return false
	}
}

// Identity names a party on the network.
type Identity struct {
	Name  string `json:"name"`
	Group string `json:"group"`
}

// String returns a printable form of the identity.
func (i Identity) String() string {
	return i.Name + "@" + i.Group
}

// Message is one session protocol message.
type Message struct {
	SessionID   string      `json:"session_id"`
	Type        MessageType `json:"type"`
	SequenceNum int         `json:"seq,omitempty"`
	Source      Identity    `json:"source"`
	Destination Identity    `json:"destination"`
	Payload     []byte      `json:"payload,omitempty"`

	// INIT only.
	Protocol        string `json:"protocol,omitempty"`
	ProtocolVersion int    `json:"protocol_version,omitempty"`

	// ACK only.
	ReceivedSequenceNum    int   `json:"received_seq,omitempty"`
	OutOfOrderSequenceNums []int `json:"out_of_order_seqs,omitempty"`

	// ERROR only.
	Error *feerrors.Envelope `json:"error,omitempty"`

	// Retransmission bookkeeping for unacknowledged sends. Never sent on the wire.
	ResendAt time.Time `json:"resend_at,omitzero"`
	Attempts int       `json:"attempts,omitempty"`
}

// EventsState tracks one direction of a session.
type EventsState struct {
	// LastProcessedSequenceNum is the last sequence number sent, or the
	// highest contiguous sequence number received.
	LastProcessedSequenceNum int `json:"last_processed_seq"`

	// UndeliveredMessages holds unacknowledged sends on the send side. On the
	// receive side it holds data not yet consumed by the flow plus messages
	// buffered out of order, sorted by sequence number.
	UndeliveredMessages []Message `json:"undelivered,omitempty"`
}

// State is the reliable-channel state for one peer session.
type State struct {
	SessionID       string   `json:"session_id"`
	Counterparty    Identity `json:"counterparty"`
	Protocol        string   `json:"protocol"`
	ProtocolVersion int      `json:"protocol_version"`

	// Initiated is true when the counterparty opened the session.
	Initiated bool   `json:"initiated"`
	Status    Status `json:"status"`

	SendEventsState     EventsState `json:"send_events"`
	ReceivedEventsState EventsState `json:"received_events"`

	PendingAck    bool               `json:"pending_ack,omitempty"`
	CloseSent     bool               `json:"close_sent,omitempty"`
	CloseReceived bool               `json:"close_received,omitempty"`
	Error         *feerrors.Envelope `json:"error,omitempty"`

	// ViolationPending is set when a CLOSED session must report a protocol
	// violation with an unnumbered ERROR.
	ViolationPending bool `json:"violation_pending,omitempty"`
}

// LastSentSeqNum returns the sequence number of the last numbered message sent.
func (s *State) LastSentSeqNum() int {
	return s.SendEventsState.LastProcessedSequenceNum
}

// LastReceivedSeqNum returns the highest contiguous sequence number received.
func (s *State) LastReceivedSeqNum() int {
	return s.ReceivedEventsState.LastProcessedSequenceNum
}

// NextReceived returns the next message ready for the flow, if any.
func (s *State) NextReceived() (Message, bool) {
	for _, msg := range s.ReceivedEventsState.UndeliveredMessages {
		if msg.SequenceNum > s.ReceivedEventsState.LastProcessedSequenceNum {
			break
		}
		if msg.Type == MessageData {
			return msg, true
		}
	}
	return Message{}, false
}

// Consume removes a delivered message from the inbox so it is never
// delivered again.
func (s *State) Consume(seq int) *State {
	next := s.Clone()
	next.ReceivedEventsState.UndeliveredMessages = removeMessages(
		next.ReceivedEventsState.UndeliveredMessages,
		func(m Message) bool { return m.SequenceNum == seq },
	)
	return next
}

// BufferedSequenceNums returns the out-of-order sequence numbers waiting for
// a gap to fill.
func (s *State) BufferedSequenceNums() []int {
	var seqs []int
	for _, msg := range s.ReceivedEventsState.UndeliveredMessages {
		if msg.SequenceNum > s.ReceivedEventsState.LastProcessedSequenceNum {
			seqs = append(seqs, msg.SequenceNum)
		}
	}
	return seqs
}

// HasUnacknowledged reports whether any sent message awaits an ACK.
func (s *State) HasUnacknowledged() bool {
	return len(s.SendEventsState.UndeliveredMessages) > 0
}

// NextResendAt returns the earliest time a retransmission is due.
func (s *State) NextResendAt() (time.Time, bool) {
	var earliest time.Time
	for _, msg := range s.SendEventsState.UndeliveredMessages {
		if earliest.IsZero() || msg.ResendAt.Before(earliest) {
			earliest = msg.ResendAt
		}
	}
	return earliest, !earliest.IsZero()
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.SendEventsState.UndeliveredMessages = cloneMessages(s.SendEventsState.UndeliveredMessages)
	c.ReceivedEventsState.UndeliveredMessages = cloneMessages(s.ReceivedEventsState.UndeliveredMessages)
	if s.Error != nil {
		env := *s.Error
		c.Error = &env
	}
	return &c
}

// Info is the read-only view of a session handed to flows.
type Info struct {
	SessionID    string   `json:"session_id"`
	Counterparty Identity `json:"counterparty"`
	Protocol     string   `json:"protocol"`
	Status       Status   `json:"status"`
}

// Info returns the read-only view of the session.
func (s *State) Info() Info {
	return Info{
		SessionID:    s.SessionID,
		Counterparty: s.Counterparty,
		Protocol:     s.Protocol,
		Status:       s.Status,
	}
}

func cloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.clone()
	}
	return out
}

func (m Message) clone() Message {
	c := m
	c.Payload = slices.Clone(m.Payload)
	c.OutOfOrderSequenceNums = slices.Clone(m.OutOfOrderSequenceNums)
	if m.Error != nil {
		env := *m.Error
		c.Error = &env
	}
	return c
}

func removeMessages(msgs []Message, drop func(Message) bool) []Message {
	out := msgs[:0]
	for _, m := range msgs {
		if !drop(m) {
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
