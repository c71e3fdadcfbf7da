package main

import (
	"time"
)

// roundTimer is a cancellable one-shot deadline. Each room holds at most one
// active instance; starting a new round replaces (and cancels) the previous
// timer. Cancellation does not guarantee the callback has not already begun
// running, so callers additionally guard with a round sequence number under
// the room lock.
type roundTimer struct {
	timer *time.Timer
	start time.Time
}

func startRoundTimer(d time.Duration, fn func()) *roundTimer {
	return &roundTimer{
		timer: time.AfterFunc(d, fn),
		start: time.Now(),
	}
}

// cancel stops the pending callback if it has not fired yet. Safe on nil.
func (t *roundTimer) cancel() {
	if t != nil {
		t.timer.Stop()
	}
}

// elapsed reports how long the timer has been running.
func (t *roundTimer) elapsed() time.Duration {
	if t == nil {
		return 0
	}
	return time.Since(t.start)
}
