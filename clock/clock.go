// Package clock lets case deadlines and relay intervals run against either
// wall time or a manually advanced test clock.
package clock

import "time"

// Clock is the subset of the time package the court core depends on.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f in its own goroutine (real clock) or inline during
	// Advance (fake clock) once d has elapsed.
	AfterFunc(d time.Duration, f func()) *Timer

	NewTicker(d time.Duration) *Ticker
}

// Timer is a handle to a pending AfterFunc callback.
type Timer struct {
	stop func() bool
}

// Stop prevents the callback from running. It reports whether the call
// stopped the timer; false means it already fired or was stopped.
func (t *Timer) Stop() bool { return t.stop() }

// Ticker delivers ticks on C until stopped.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}
