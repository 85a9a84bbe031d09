// Package clock abstracts the timer operations the relay needs, so tests can
// control when the follow-up command fires.
package clock

import "time"

// Clock is the subset of the time package used for scheduling.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc waits for duration d, then calls f. The returned Timer can
	// cancel the pending call with Stop.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a scheduled one-shot call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the Timer from firing. Returns true if the call stops the
// timer, false if it has already fired or been stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stopFunc: t.Stop}
}
