package pool

import (
	"time"
)

// NewStoppedTimer returns a timer that will not fire until reset.
func NewStoppedTimer() *time.Timer {
	timer := time.NewTimer(time.Hour)
	StopAndDrainTimer(timer)
	return timer
}

// StopAndDrainTimer stops the timer and drains its channel so a later Reset
// never observes a stale tick.
func StopAndDrainTimer(timer *time.Timer) {
	if timer == nil {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

// ResetAndDrainTimer stops the timer, drains the channel, and starts it again with new duration.
func ResetAndDrainTimer(timer *time.Timer, d time.Duration) {
	if timer == nil {
		return
	}
	StopAndDrainTimer(timer)
	timer.Reset(d)
}
