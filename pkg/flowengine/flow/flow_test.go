package flow

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestContinuationStrings(t *testing.T) {
	assert.Equal(t, "Continue", Continue{}.String())
	assert.Equal(t, "Run", Run{Value: 1}.String())
	assert.Equal(t, "Error", Error{}.String())
	assert.Equal(t, "Error(boom)", Error{Cause: errors.New("boom")}.String())
}

func TestResumes(t *testing.T) {
	assert.False(t, Resumes(Continue{}))
	assert.True(t, Resumes(Run{}))
	assert.True(t, Resumes(Error{Cause: errors.New("x")}))
}

func TestRequestKindsAreUnique(t *testing.T) {
	requests := []IORequest{
		Send{}, Receive{}, SendAndReceive{}, CloseSessions{}, GetFlowInfo{}, Sleep{},
		WaitForSessionConfirmations{}, ForceCheckpoint{}, ExternalEvent{},
		SubFlowFinished{}, SubFlowFailed{}, FlowFinished{}, FlowFailed{},
	}

	seen := make(map[RequestKind]bool)
	for _, req := range requests {
		assert.False(t, seen[req.Kind()], "duplicate kind %s", req.Kind())
		seen[req.Kind()] = true
	}
	assert.ElementsMatch(t, AllRequestKinds(), keys(seen))
}

func TestWaitingForString(t *testing.T) {
	var none *WaitingFor
	assert.Equal(t, "none", none.String())
	assert.Equal(t, "START_FLOW", StartFlow().String())
	assert.Equal(t, "SESSION_DATA[a b]", SessionData("a", "b").String())
	assert.Equal(t, "EXTERNAL_EVENT(req-1)", ExternalEventResponse("req-1").String())
}

func TestWaitingForClone(t *testing.T) {
	orig := SessionClose("a", "b")
	c := orig.Clone()
	c.SessionIDs[0] = "z"
	assert.Equal(t, "a", orig.SessionIDs[0])

	var none *WaitingFor
	assert.Nil(t, none.Clone())

	until := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, until, Wakeup(until).Clone().Until)
}

func TestSessionIDs(t *testing.T) {
	ids := SessionIDs([]SessionPayload{{SessionID: "a"}, {SessionID: "b"}})
	assert.Equal(t, []string{"a", "b"}, ids)
}

func keys[K comparable, V any](m map[K]V) []K {
	out := make([]K, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
