package broker

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// watchdogTable owns the pending ring-timeout timers, keyed by call id.
// Every terminal transition disarms its timer so a stale timeout cannot
// fire after resolution; the fire callback still re-checks call status, so
// a timer that slips through is a safe no-op.
type watchdogTable struct {
	mu     sync.Mutex
	timers map[uuid.UUID]*time.Timer
}

func newWatchdogTable() *watchdogTable {
	return &watchdogTable{
		timers: make(map[uuid.UUID]*time.Timer),
	}
}

// Arm schedules fn after d, replacing any timer already armed for the call
func (w *watchdogTable) Arm(callID uuid.UUID, d time.Duration, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[callID]; ok {
		t.Stop()
	}
	w.timers[callID] = time.AfterFunc(d, func() {
		w.remove(callID)
		fn()
	})
}

// Disarm cancels the pending timer for the call, if any
func (w *watchdogTable) Disarm(callID uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[callID]; ok {
		t.Stop()
		delete(w.timers, callID)
	}
}

func (w *watchdogTable) remove(callID uuid.UUID) {
	w.mu.Lock()
	delete(w.timers, callID)
	w.mu.Unlock()
}

// Pending returns the number of armed watchdogs
func (w *watchdogTable) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.timers)
}
