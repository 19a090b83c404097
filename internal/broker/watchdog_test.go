package broker

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// TestWatchdogArm tests that an armed watchdog fires and removes itself
func TestWatchdogArm(t *testing.T) {
	table := newWatchdogTable()
	callID := uuid.New()

	fired := make(chan struct{})
	table.Arm(callID, 10*time.Millisecond, func() { close(fired) })
	assert.Equal(t, 1, table.Pending())

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("watchdog did not fire")
	}
	assert.Eventually(t, func() bool { return table.Pending() == 0 },
		time.Second, 5*time.Millisecond)
}

// TestWatchdogDisarm tests that a disarmed watchdog never fires
func TestWatchdogDisarm(t *testing.T) {
	table := newWatchdogTable()
	callID := uuid.New()

	var fired atomic.Bool
	table.Arm(callID, 20*time.Millisecond, func() { fired.Store(true) })
	table.Disarm(callID)

	time.Sleep(60 * time.Millisecond)
	assert.False(t, fired.Load())
	assert.Equal(t, 0, table.Pending())
}

// TestWatchdogArm_Replace tests that re-arming replaces the earlier timer
func TestWatchdogArm_Replace(t *testing.T) {
	table := newWatchdogTable()
	callID := uuid.New()

	var first, second atomic.Bool
	table.Arm(callID, 20*time.Millisecond, func() { first.Store(true) })
	table.Arm(callID, 40*time.Millisecond, func() { second.Store(true) })
	assert.Equal(t, 1, table.Pending())

	time.Sleep(100 * time.Millisecond)
	assert.False(t, first.Load())
	assert.True(t, second.Load())
}

// TestWatchdogDisarm_Unknown tests that disarming an unknown id is a no-op
func TestWatchdogDisarm_Unknown(t *testing.T) {
	table := newWatchdogTable()

	table.Disarm(uuid.New())

	assert.Equal(t, 0, table.Pending())
}
