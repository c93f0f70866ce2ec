package session

import (
	"log/slog"
	"slices"
	"time"

	feerrors "github.com/randalmurphal/flowengine/pkg/flowengine/errors"
)

// Config controls retransmission and acknowledgement behavior.
type Config struct {
	// ResendWindow is the delay before the first retransmission.
	ResendWindow time.Duration

	// MaxBackoff caps the retransmission delay.
	MaxBackoff time.Duration

	// BackoffFactor grows the delay after each retransmission. 1 gives a
	// fixed interval.
	BackoffFactor float64

	// AckOutOfOrder sends an ACK as soon as an out-of-order message is
	// buffered instead of waiting for the gap to fill.
	AckOutOfOrder bool
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		ResendWindow:  5 * time.Second,
		MaxBackoff:    60 * time.Second,
		BackoffFactor: 2,
		AckOutOfOrder: true,
	}
}

// Manager applies the session protocol to session states.
type Manager struct {
	config Config
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig sets the protocol configuration.
func WithConfig(cfg Config) Option {
	return func(m *Manager) {
		m.config = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a session manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initiate creates the initiating side of a new session and queues its INIT
// message.
func (m *Manager) Initiate(sessionID string, counterparty Identity, protocol string, version int, now time.Time) *State {
	state := &State{
		SessionID:       sessionID,
		Counterparty:    counterparty,
		Protocol:        protocol,
		ProtocolVersion: version,
		Status:          StatusCreated,
	}
	return m.ProcessMessageToSend(sessionID, state, Message{
		Type:            MessageInit,
		Protocol:        protocol,
		ProtocolVersion: version,
	}, now)
}

// ProcessMessageReceived folds one inbound protocol message into the session
// state. A nil state is only valid for an INIT, which creates the initiated
// side of the session. Malformed or impossible messages are logged and
// dropped.
func (m *Manager) ProcessMessageReceived(sessionID string, state *State, msg Message, now time.Time) *State {
	logger := m.logger.With(slog.String("session_id", sessionID), slog.String("message_type", string(msg.Type)))

	if state == nil {
		if msg.Type != MessageInit {
			logger.Warn("message for unknown session dropped", slog.Int("seq", msg.SequenceNum))
			return nil
		}
		state = &State{
			SessionID:       sessionID,
			Counterparty:    msg.Source,
			Protocol:        msg.Protocol,
			ProtocolVersion: msg.ProtocolVersion,
			Initiated:       true,
			Status:          StatusConfirmed,
		}
	} else {
		state = state.Clone()
	}

	switch {
	case msg.Type == MessageAck:
		m.processAck(logger, state, msg)
	case msg.Type == MessageError && msg.SequenceNum == 0:
		// Unnumbered errors report a violation on a session the peer
		// already closed.
		reason := ""
		if msg.Error != nil {
			reason = msg.Error.Message
		}
		logger.Warn("counterparty reported a protocol violation",
			slog.String("reason", reason),
			slog.String("status", string(state.Status)))
	case msg.Type.Numbered():
		m.processNumbered(logger, state, msg, now)
	default:
		logger.Warn("malformed session message dropped")
	}

	m.updateCloseStatus(state)
	return state
}

func (m *Manager) processNumbered(logger *slog.Logger, state *State, msg Message, now time.Time) {
	seq := msg.SequenceNum
	if seq <= 0 {
		logger.Warn("numbered message without sequence number dropped")
		return
	}

	received := &state.ReceivedEventsState
	if seq <= received.LastProcessedSequenceNum || isBuffered(received, seq) {
		// Duplicates are never delivered again but the sender needs to hear
		// an ACK so it stops retransmitting.
		logger.Debug("duplicate session message", slog.Int("seq", seq))
		state.PendingAck = true
		return
	}

	if state.Status == StatusError {
		logger.Debug("message for errored session dropped", slog.Int("seq", seq))
		return
	}
	if state.Status == StatusClosed {
		// CLOSED is terminal: nothing the peer sends changes it.
		if msg.Type == MessageError {
			logger.Debug("error for closed session dropped", slog.Int("seq", seq))
			return
		}
		m.protocolViolation(logger, state, string(msg.Type)+" received for closed session", now)
		return
	}

	switch msg.Type {
	case MessageError:
		// Peer errors take effect immediately regardless of ordering.
		logger.Warn("session errored by counterparty", slog.Int("seq", seq))
		state.Status = StatusError
		state.Error = msg.Error
		if state.Error == nil {
			state.Error = &feerrors.Envelope{Type: "SessionError", Message: "counterparty reported an error"}
		}
		state.PendingAck = true
		return
	}

	stored := msg.clone()
	stored.ResendAt = time.Time{}
	stored.Attempts = 0
	received.UndeliveredMessages = insertSorted(received.UndeliveredMessages, stored)

	if seq > received.LastProcessedSequenceNum+1 {
		logger.Debug("out of order session message buffered",
			slog.Int("seq", seq),
			slog.Int("last_received", received.LastProcessedSequenceNum))
		if m.config.AckOutOfOrder {
			state.PendingAck = true
		}
		return
	}

	m.drain(logger, state, now)
	state.PendingAck = true
}

// drain advances the received sequence number through every buffered message
// that is now contiguous.
func (m *Manager) drain(logger *slog.Logger, state *State, now time.Time) {
	received := &state.ReceivedEventsState
	for state.Status != StatusError {
		idx := slices.IndexFunc(received.UndeliveredMessages, func(msg Message) bool {
			return msg.SequenceNum == received.LastProcessedSequenceNum+1
		})
		if idx < 0 {
			return
		}
		msg := received.UndeliveredMessages[idx]
		received.LastProcessedSequenceNum = msg.SequenceNum

		switch msg.Type {
		case MessageData:
			if state.CloseReceived || state.Status == StatusClosed {
				received.UndeliveredMessages = slices.Delete(received.UndeliveredMessages, idx, idx+1)
				m.protocolViolation(logger, state, "data received after close", now)
				return
			}
			// stays in the inbox until the flow consumes it
		case MessageClose:
			state.CloseReceived = true
			received.UndeliveredMessages = slices.Delete(received.UndeliveredMessages, idx, idx+1)
		default:
			received.UndeliveredMessages = slices.Delete(received.UndeliveredMessages, idx, idx+1)
		}
	}
}

func (m *Manager) processAck(logger *slog.Logger, state *State, msg Message) {
	sent := &state.SendEventsState
	if msg.ReceivedSequenceNum > sent.LastProcessedSequenceNum {
		logger.Warn("ack for unsent sequence number dropped",
			slog.Int("acked", msg.ReceivedSequenceNum),
			slog.Int("last_sent", sent.LastProcessedSequenceNum))
		return
	}
	for _, seq := range msg.OutOfOrderSequenceNums {
		if seq > sent.LastProcessedSequenceNum || seq <= 0 {
			logger.Warn("ack for unsent sequence number dropped",
				slog.Int("acked", seq),
				slog.Int("last_sent", sent.LastProcessedSequenceNum))
			return
		}
	}

	sent.UndeliveredMessages = removeMessages(sent.UndeliveredMessages, func(m Message) bool {
		return m.SequenceNum <= msg.ReceivedSequenceNum || slices.Contains(msg.OutOfOrderSequenceNums, m.SequenceNum)
	})

	if state.Status == StatusCreated && msg.ReceivedSequenceNum >= 1 {
		state.Status = StatusConfirmed
	}
}

// ProcessMessageToSend allocates the next sequence number for an outbound
// message and queues it for transmission. Only INIT, DATA, CLOSE and ERROR
// can be queued.
func (m *Manager) ProcessMessageToSend(sessionID string, state *State, msg Message, now time.Time) *State {
	logger := m.logger.With(slog.String("session_id", sessionID), slog.String("message_type", string(msg.Type)))
	state = state.Clone()

	if !msg.Type.Numbered() {
		logger.Warn("only numbered messages can be queued")
		return state
	}
	if state.Status.IsTerminal() {
		logger.Warn("send on terminated session dropped", slog.String("status", string(state.Status)))
		return state
	}
	if state.CloseSent && msg.Type != MessageError {
		logger.Warn("send after close dropped")
		return state
	}

	m.queue(state, msg, now)
	m.updateCloseStatus(state)
	return state
}

func (m *Manager) queue(state *State, msg Message, now time.Time) {
	sent := &state.SendEventsState
	sent.LastProcessedSequenceNum++
	out := msg.clone()
	out.SessionID = state.SessionID
	out.SequenceNum = sent.LastProcessedSequenceNum
	out.ResendAt = now
	out.Attempts = 0
	sent.UndeliveredMessages = append(sent.UndeliveredMessages, out)

	switch msg.Type {
	case MessageClose:
		state.CloseSent = true
	case MessageError:
		state.Status = StatusError
		if state.Error == nil {
			state.Error = msg.Error
		}
	}
}

// ErrorSession moves the session to ERROR and queues an ERROR message telling
// the counterparty.
func (m *Manager) ErrorSession(state *State, env *feerrors.Envelope, now time.Time) *State {
	if state.Status.IsTerminal() {
		return state.Clone()
	}
	next := m.ProcessMessageToSend(state.SessionID, state, Message{Type: MessageError, Error: env}, now)
	next.Error = env
	return next
}

// GetMessagesToSend returns every message due for (re)transmission at now,
// plus a pending ACK. Sent messages are rescheduled with bounded backoff and
// stay queued until acknowledged. An errored session sends its ERROR once and
// then forgets its queue.
func (m *Manager) GetMessagesToSend(sessionID string, state *State, now time.Time) (*State, []Message) {
	state = state.Clone()
	var out []Message

	sent := &state.SendEventsState
	for i := range sent.UndeliveredMessages {
		msg := &sent.UndeliveredMessages[i]
		if msg.ResendAt.After(now) {
			continue
		}
		if state.Status == StatusError && (msg.Type != MessageError || msg.Attempts > 0) {
			continue
		}
		wire := msg.clone()
		wire.ResendAt = time.Time{}
		wire.Attempts = 0
		out = append(out, wire)

		msg.ResendAt = now.Add(m.backoff(msg.Attempts))
		msg.Attempts++
	}
	if state.Status == StatusError {
		sent.UndeliveredMessages = nil
	}

	if state.ViolationPending {
		out = append(out, Message{
			SessionID: sessionID,
			Type:      MessageError,
			Error:     state.Error,
		})
		state.ViolationPending = false
	}

	if state.PendingAck {
		out = append(out, Message{
			SessionID:              sessionID,
			Type:                   MessageAck,
			ReceivedSequenceNum:    state.ReceivedEventsState.LastProcessedSequenceNum,
			OutOfOrderSequenceNums: state.BufferedSequenceNums(),
		})
		state.PendingAck = false
	}

	if len(out) > 0 {
		m.logger.Debug("session messages to send",
			slog.String("session_id", sessionID),
			slog.Int("count", len(out)))
	}
	return state, out
}

func (m *Manager) backoff(attempt int) time.Duration {
	cfg := feerrors.RetryConfig{
		InitialBackoff: m.config.ResendWindow,
		MaxBackoff:     m.config.MaxBackoff,
		BackoffFactor:  m.config.BackoffFactor,
	}
	return cfg.Backoff(attempt)
}

// protocolViolation errors the session and tells the counterparty. A CLOSED
// session keeps its status and sequence numbers; the violation is recorded
// and reported once with an unnumbered ERROR.
func (m *Manager) protocolViolation(logger *slog.Logger, state *State, reason string, now time.Time) {
	logger.Warn("session protocol violation",
		slog.String("reason", reason),
		slog.String("status", string(state.Status)))
	env := &feerrors.Envelope{Type: "SessionError", Message: reason}
	state.Error = env
	if state.Status == StatusClosed {
		state.ViolationPending = true
		return
	}
	m.queue(state, Message{Type: MessageError, Error: env}, now)
}

// updateCloseStatus recomputes the close handshake status. Both sides must
// have sent CLOSE, the peer's CLOSE must have been received in order, and all
// of this side's messages must be acknowledged before the session is CLOSED.
func (m *Manager) updateCloseStatus(state *State) {
	if state.Status.IsTerminal() || (!state.CloseSent && !state.CloseReceived) {
		return
	}
	prev := state.Status
	switch {
	case state.CloseSent && state.CloseReceived && !state.HasUnacknowledged():
		state.Status = StatusClosed
	case state.CloseSent && state.CloseReceived:
		state.Status = StatusWaitForFinalAck
	default:
		state.Status = StatusClosing
	}
	if prev != state.Status {
		m.logger.Debug("session status changed",
			slog.String("session_id", state.SessionID),
			slog.String("from", string(prev)),
			slog.String("to", string(state.Status)))
	}
}

func isBuffered(received *EventsState, seq int) bool {
	return slices.ContainsFunc(received.UndeliveredMessages, func(m Message) bool {
		return m.SequenceNum == seq
	})
}

func insertSorted(msgs []Message, msg Message) []Message {
	idx, _ := slices.BinarySearchFunc(msgs, msg.SequenceNum, func(m Message, seq int) int {
		return m.SequenceNum - seq
	})
	return slices.Insert(msgs, idx, msg)
}
