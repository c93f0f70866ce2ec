package flow

import (
	"time"

	"github.com/randalmurphal/flowengine/pkg/flowengine/session"
)

// RequestKind identifies an IORequest variant.
type RequestKind string

// IO request kinds.
const (
	RequestSend                        RequestKind = "SEND"
	RequestReceive                     RequestKind = "RECEIVE"
	RequestSendAndReceive              RequestKind = "SEND_AND_RECEIVE"
	RequestCloseSessions               RequestKind = "CLOSE_SESSIONS"
	RequestGetFlowInfo                 RequestKind = "GET_FLOW_INFO"
	RequestSleep                       RequestKind = "SLEEP"
	RequestWaitForSessionConfirmations RequestKind = "WAIT_FOR_SESSION_CONFIRMATIONS"
	RequestForceCheckpoint             RequestKind = "FORCE_CHECKPOINT"
	RequestExternalEvent               RequestKind = "EXTERNAL_EVENT"
	RequestSubFlowFinished             RequestKind = "SUB_FLOW_FINISHED"
	RequestSubFlowFailed               RequestKind = "SUB_FLOW_FAILED"
	RequestFlowFinished                RequestKind = "FLOW_FINISHED"
	RequestFlowFailed                  RequestKind = "FLOW_FAILED"
)

// AllRequestKinds returns every request kind.
func AllRequestKinds() []RequestKind {
	return []RequestKind{
		RequestSend,
		RequestReceive,
		RequestSendAndReceive,
		RequestCloseSessions,
		RequestGetFlowInfo,
		RequestSleep,
		RequestWaitForSessionConfirmations,
		RequestForceCheckpoint,
		RequestExternalEvent,
		RequestSubFlowFinished,
		RequestSubFlowFailed,
		RequestFlowFinished,
		RequestFlowFailed,
	}
}

// IORequest is the reason a flow suspended. It is a closed set; every kind
// has exactly one request handler in the pipeline.
type IORequest interface {
	Kind() RequestKind
}

// SessionPayload addresses one outbound message. Counterparty is only needed
// when the session does not exist yet.
type SessionPayload struct {
	SessionID    string
	Counterparty session.Identity
	Payload      []byte
}

// Send queues messages without waiting for replies.
type Send struct {
	Payloads []SessionPayload
}

// Receive waits for one message on each session.
type Receive struct {
	SessionIDs []string
}

// SendAndReceive sends on each session then waits for one reply per session.
type SendAndReceive struct {
	Payloads []SessionPayload
}

// CloseSessions closes sessions and waits for the handshake to finish.
type CloseSessions struct {
	SessionIDs []string
}

// GetFlowInfo asks for the current view of sessions.
type GetFlowInfo struct {
	SessionIDs []string
}

// Sleep suspends the flow until a point in time.
type Sleep struct {
	Until time.Time
}

// WaitForSessionConfirmations waits until every initiated session is confirmed.
type WaitForSessionConfirmations struct{}

// ForceCheckpoint persists the flow and resumes it immediately.
type ForceCheckpoint struct{}

// ExternalEvent sends a request to an external operation and waits for the
// correlated response.
type ExternalEvent struct {
	RequestID        string
	FactoryClassName string
	Payload          []byte
}

// SubFlowFinished pops the current sub-flow frame and closes its sessions.
type SubFlowFinished struct {
	SessionIDs []string
}

// SubFlowFailed pops the current sub-flow frame and errors its sessions.
type SubFlowFailed struct {
	Cause      error
	SessionIDs []string
}

// FlowFinished completes the flow with a result.
type FlowFinished struct {
	Result []byte
}

// FlowFailed fails the flow.
type FlowFailed struct {
	Cause error
}

func (Send) Kind() RequestKind                        { return RequestSend }
func (Receive) Kind() RequestKind                     { return RequestReceive }
func (SendAndReceive) Kind() RequestKind              { return RequestSendAndReceive }
func (CloseSessions) Kind() RequestKind               { return RequestCloseSessions }
func (GetFlowInfo) Kind() RequestKind                 { return RequestGetFlowInfo }
func (Sleep) Kind() RequestKind                       { return RequestSleep }
func (WaitForSessionConfirmations) Kind() RequestKind { return RequestWaitForSessionConfirmations }
func (ForceCheckpoint) Kind() RequestKind             { return RequestForceCheckpoint }
func (ExternalEvent) Kind() RequestKind               { return RequestExternalEvent }
func (SubFlowFinished) Kind() RequestKind             { return RequestSubFlowFinished }
func (SubFlowFailed) Kind() RequestKind               { return RequestSubFlowFailed }
func (FlowFinished) Kind() RequestKind                { return RequestFlowFinished }
func (FlowFailed) Kind() RequestKind                  { return RequestFlowFailed }

// SessionIDs returns the session ids a payload list addresses, in order.
func SessionIDs(payloads []SessionPayload) []string {
	ids := make([]string, 0, len(payloads))
	for _, p := range payloads {
		ids = append(ids, p.SessionID)
	}
	return ids
}
