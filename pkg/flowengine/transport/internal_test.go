package transport

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/flowengine/pkg/flowengine/event"
	"github.com/randalmurphal/flowengine/pkg/flowengine/session"
)

func TestSessionMapper(t *testing.T) {
	m := newSessionMapper()

	_, ok := m.resolve("s1-INITIATED", session.MessageData)
	assert.False(t, ok, "data for an unknown session has no owner")

	responder, ok := m.resolve("s1-INITIATED", session.MessageInit)
	require.True(t, ok)
	assert.NotEmpty(t, responder)

	again, ok := m.resolve("s1-INITIATED", session.MessageInit)
	require.True(t, ok)
	assert.Equal(t, responder, again, "a resent INIT reaches the same responder")

	m.learn("s1", "flow-alice")
	owner, ok := m.resolve("s1", session.MessageAck)
	require.True(t, ok)
	assert.Equal(t, "flow-alice", owner)

	m.forget("flow-other", []string{"s1"})
	assert.Contains(t, m.owned(), "s1", "only the owning flow can forget an id")

	m.forget("flow-alice", []string{"s1"})
	assert.NotContains(t, m.owned(), "s1")
	assert.Contains(t, m.owned(), "s1-INITIATED")
}

func TestSessionMapper_DuplicateInitAfterForget(t *testing.T) {
	m := newSessionMapper()
	responder, ok := m.resolve("s1-INITIATED", session.MessageInit)
	require.True(t, ok)

	m.forget(responder, []string{"s1-INITIATED"})
	assert.True(t, m.forgotten("s1-INITIATED"))

	_, ok = m.resolve("s1-INITIATED", session.MessageInit)
	assert.False(t, ok, "a late INIT does not start a second responder")
	assert.Empty(t, m.owned())

	other, ok := m.resolve("s2-INITIATED", session.MessageInit)
	require.True(t, ok)
	assert.NotEqual(t, responder, other)
}

func TestSessionMapper_TombstonesAreBounded(t *testing.T) {
	m := newSessionMapper()
	m.limit = 2
	for _, id := range []string{"a", "b", "c"} {
		m.learn(id, "flow-1")
	}
	m.forget("flow-1", []string{"a", "b", "c"})

	assert.False(t, m.forgotten("a"), "oldest tombstone evicted")
	assert.True(t, m.forgotten("b"))
	assert.True(t, m.forgotten("c"))
}

func TestTimers(t *testing.T) {
	var fired atomic.Int32
	tm := newTimers(func(event.ScheduledWakeup) { fired.Add(1) })

	at := time.Now().Add(10 * time.Millisecond)
	tm.schedule(event.ScheduledWakeup{FlowID: "f1", At: at})
	tm.schedule(event.ScheduledWakeup{FlowID: "f1", At: at})
	tm.schedule(event.ScheduledWakeup{FlowID: "f2", At: at})
	assert.Equal(t, 2, tm.len(), "duplicate wakeups are scheduled once")

	tm.cancel("f2")
	assert.Equal(t, 1, tm.len())

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, tm.len())

	tm.stopAll()
	tm.schedule(event.ScheduledWakeup{FlowID: "f1", At: time.Now()})
	assert.Zero(t, tm.len(), "stopped timers accept no new wakeups")
}

func TestPartitionFor_IsStable(t *testing.T) {
	tr := &Local{partitions: []*partition{newPartition(0), newPartition(1), newPartition(2)}}
	first := tr.partitionFor("flow-abc")
	for range 10 {
		assert.Same(t, first, tr.partitionFor("flow-abc"))
	}
}
