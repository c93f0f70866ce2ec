package transport

import (
	"sync"
	"time"

	"github.com/randalmurphal/flowengine/pkg/flowengine/event"
)

type timerKey struct {
	flowID string
	at     int64
}

// timers turns scheduled wakeups into delayed publishes. A wakeup already
// scheduled for the same flow and instant is not scheduled twice.
type timers struct {
	fire func(event.ScheduledWakeup)

	mu      sync.Mutex
	pending map[timerKey]*time.Timer
	stopped bool
}

func newTimers(fire func(event.ScheduledWakeup)) *timers {
	return &timers{fire: fire, pending: make(map[timerKey]*time.Timer)}
}

func (t *timers) schedule(w event.ScheduledWakeup) {
	key := timerKey{flowID: w.FlowID, at: w.At.UnixNano()}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if _, ok := t.pending[key]; ok {
		return
	}
	t.pending[key] = time.AfterFunc(time.Until(w.At), func() {
		t.mu.Lock()
		_, ok := t.pending[key]
		delete(t.pending, key)
		t.mu.Unlock()
		if ok {
			t.fire(w)
		}
	})
}

// cancel stops every pending wakeup of a flow.
func (t *timers) cancel(flowID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, timer := range t.pending {
		if key.flowID == flowID {
			timer.Stop()
			delete(t.pending, key)
		}
	}
}

func (t *timers) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for key, timer := range t.pending {
		timer.Stop()
		delete(t.pending, key)
	}
}

func (t *timers) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
