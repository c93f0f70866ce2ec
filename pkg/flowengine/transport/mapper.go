package transport

import (
	"log/slog"
	"sync"

	"github.com/randalmurphal/flowengine/pkg/flowengine/event"
	"github.com/randalmurphal/flowengine/pkg/flowengine/session"
)

// maxTombstones bounds how many forgotten session ids are remembered.
const maxTombstones = 1 << 16

// sessionMapper resolves the flow that owns a session id. A flow's own ids
// are learned when it sends on a session. An INIT for an unknown session id
// allocates a new flow to respond. Ids of deleted flows are tombstoned so a
// late duplicate INIT cannot start a second responder.
type sessionMapper struct {
	mu         sync.Mutex
	owner      map[string]string
	tombstones map[string]struct{}
	order      []string
	limit      int
}

func newSessionMapper() *sessionMapper {
	return &sessionMapper{
		owner:      make(map[string]string),
		tombstones: make(map[string]struct{}),
		limit:      maxTombstones,
	}
}

// learn records that flowID sends on sessionID.
func (m *sessionMapper) learn(sessionID, flowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owner[sessionID] = flowID
}

// resolve returns the flow owning sessionID. For an INIT with no owner it
// allocates one, unless the id belonged to a flow that has been deleted.
func (m *sessionMapper) resolve(sessionID string, msgType session.MessageType) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if flowID, ok := m.owner[sessionID]; ok {
		return flowID, true
	}
	if msgType != session.MessageInit {
		return "", false
	}
	if _, ok := m.tombstones[sessionID]; ok {
		return "", false
	}
	flowID := event.NewFlowID()
	m.owner[sessionID] = flowID
	return flowID, true
}

// forget drops the ids of a flow whose checkpoint was deleted and tombstones
// them. The oldest tombstones are evicted past the limit.
func (m *sessionMapper) forget(flowID string, sessionIDs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range sessionIDs {
		if m.owner[id] != flowID {
			continue
		}
		delete(m.owner, id)
		if _, ok := m.tombstones[id]; ok {
			continue
		}
		m.tombstones[id] = struct{}{}
		m.order = append(m.order, id)
	}
	for len(m.order) > m.limit {
		delete(m.tombstones, m.order[0])
		m.order = m.order[1:]
	}
}

// forgotten reports whether sessionID belonged to a deleted flow.
func (m *sessionMapper) forgotten(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tombstones[sessionID]
	return ok
}

// owned returns a copy of the index, for tests and diagnostics.
func (m *sessionMapper) owned() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.owner))
	for k, v := range m.owner {
		out[k] = v
	}
	return out
}

// deliverSession turns an outbound session message into a SessionEvent for
// the flow on the other end. receiverID is the session id the receiver uses.
func (t *Local) deliverSession(parent *event.FlowEvent, receiverID string, msg session.Message) {
	t.sessions.learn(msg.SessionID, parent.FlowID)
	flowID, ok := t.sessions.resolve(receiverID, msg.Type)
	if !ok && t.sessions.forgotten(receiverID) {
		t.logger.Debug("session message for finished flow dropped",
			slog.String("session_id", receiverID),
			slog.String("type", string(msg.Type)))
		return
	}
	if !ok {
		t.logger.Debug("session message for unknown session dropped",
			slog.String("session_id", receiverID),
			slog.String("type", string(msg.Type)))
		return
	}
	t.publishInternal(event.NewFromParent(parent, flowID, event.SessionEvent{Message: msg}))
}
