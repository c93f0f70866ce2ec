package flow

import (
	"fmt"
	"slices"
	"time"
)

// WaitingForKind identifies why a checkpoint is suspended.
type WaitingForKind string

// Waiting-for kinds.
const (
	WaitingForStartFlow     WaitingForKind = "START_FLOW"
	WaitingForWakeup        WaitingForKind = "WAKEUP"
	WaitingForSessionData   WaitingForKind = "SESSION_DATA"
	WaitingForSessionInit   WaitingForKind = "SESSION_INIT"
	WaitingForSessionClose  WaitingForKind = "SESSION_CLOSE"
	WaitingForFlowInfo      WaitingForKind = "FLOW_INFO"
	WaitingForExternalEvent WaitingForKind = "EXTERNAL_EVENT"
)

// AllWaitingForKinds returns every waiting-for kind.
func AllWaitingForKinds() []WaitingForKind {
	return []WaitingForKind{
		WaitingForStartFlow,
		WaitingForWakeup,
		WaitingForSessionData,
		WaitingForSessionInit,
		WaitingForSessionClose,
		WaitingForFlowInfo,
		WaitingForExternalEvent,
	}
}

// WaitingFor is the persisted suspension reason of a checkpoint.
type WaitingFor struct {
	Kind WaitingForKind `json:"kind"`

	// SessionIDs is set for the session kinds and FLOW_INFO.
	SessionIDs []string `json:"session_ids,omitempty"`

	// Until is set for a WAKEUP that came from Sleep.
	Until time.Time `json:"until,omitzero"`

	// RequestID is set for EXTERNAL_EVENT.
	RequestID string `json:"request_id,omitempty"`
}

// String returns a short description for logs.
func (w *WaitingFor) String() string {
	if w == nil {
		return "none"
	}
	switch w.Kind {
	case WaitingForExternalEvent:
		return fmt.Sprintf("%s(%s)", w.Kind, w.RequestID)
	case WaitingForSessionData, WaitingForSessionInit, WaitingForSessionClose, WaitingForFlowInfo:
		return fmt.Sprintf("%s%v", w.Kind, w.SessionIDs)
	default:
		return string(w.Kind)
	}
}

// Clone returns a deep copy.
func (w *WaitingFor) Clone() *WaitingFor {
	if w == nil {
		return nil
	}
	c := *w
	c.SessionIDs = slices.Clone(w.SessionIDs)
	return &c
}

// StartFlow waits for the first run of a new flow.
func StartFlow() *WaitingFor {
	return &WaitingFor{Kind: WaitingForStartFlow}
}

// Wakeup waits for any event, optionally not before until.
func Wakeup(until time.Time) *WaitingFor {
	return &WaitingFor{Kind: WaitingForWakeup, Until: until}
}

// SessionData waits for one message on each session.
func SessionData(sessionIDs ...string) *WaitingFor {
	return &WaitingFor{Kind: WaitingForSessionData, SessionIDs: sessionIDs}
}

// SessionInit waits for sessions to be confirmed.
func SessionInit(sessionIDs ...string) *WaitingFor {
	return &WaitingFor{Kind: WaitingForSessionInit, SessionIDs: sessionIDs}
}

// SessionClose waits for sessions to finish closing.
func SessionClose(sessionIDs ...string) *WaitingFor {
	return &WaitingFor{Kind: WaitingForSessionClose, SessionIDs: sessionIDs}
}

// FlowInfo waits for the next event to hand back session information.
func FlowInfo(sessionIDs ...string) *WaitingFor {
	return &WaitingFor{Kind: WaitingForFlowInfo, SessionIDs: sessionIDs}
}

// ExternalEventResponse waits for the response to requestID.
func ExternalEventResponse(requestID string) *WaitingFor {
	return &WaitingFor{Kind: WaitingForExternalEvent, RequestID: requestID}
}
