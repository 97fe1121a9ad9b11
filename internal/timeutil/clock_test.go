package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMockClock_TimerFiresAtDeadline(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	timer := clock.NewTimer(15 * time.Second)
	assert.Equal(t, 1, clock.PendingTimers())

	clock.Advance(14 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("timer fired early")
	default:
	}

	clock.Advance(time.Second)
	select {
	case fired := <-timer.C():
		assert.Equal(t, start.Add(15*time.Second), fired)
	default:
		t.Fatal("timer did not fire at deadline")
	}
	assert.Equal(t, 0, clock.PendingTimers())
}

func TestMockClock_StoppedTimerNeverFires(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	timer := clock.NewTimer(time.Second)

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	clock.Advance(time.Minute)
	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}
}

func TestMockClock_SetDoesNotFire(t *testing.T) {
	start := time.Unix(0, 0)
	clock := NewMockClock(start)
	timer := clock.NewTimer(time.Second)

	clock.Set(start.Add(time.Hour))
	assert.Equal(t, time.Hour, clock.Since(start))
	select {
	case <-timer.C():
		t.Fatal("Set must not fire timers")
	default:
	}
}

func TestMockClock_Ticker(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	ticker := clock.NewTicker(time.Second)
	defer ticker.Stop()

	clock.Advance(time.Second)
	select {
	case <-ticker.C():
	default:
		t.Fatal("ticker did not tick")
	}
}
