package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock only moves when Advance is called. AfterFunc callbacks run
// synchronously on the goroutine calling Advance, in deadline order, which
// makes timer-driven closure deterministic in tests.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeEntry
	changed *sync.Cond
}

type fakeEntry struct {
	at       time.Time
	fn       func()
	ch       chan time.Time
	every    time.Duration
	canceled bool
	done     bool
}

func NewFake(start time.Time) *FakeClock {
	c := &FakeClock{now: start}
	c.changed = sync.NewCond(&c.mu)
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc with a non-positive duration runs f before returning.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}

	c.mu.Lock()
	e := &fakeEntry{at: c.now.Add(d), fn: f}
	c.pending = append(c.pending, e)
	c.changed.Broadcast()
	c.mu.Unlock()

	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if e.canceled || e.done {
			return false
		}
		e.canceled = true
		return true
	}}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	e := &fakeEntry{at: c.now.Add(d), ch: ch, every: d}
	c.pending = append(c.pending, e)
	c.changed.Broadcast()

	return &Ticker{C: ch, stop: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		e.canceled = true
	}}
}

// Set moves the clock to t. Moving backwards is allowed and fires nothing.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	forward := t.Sub(c.now)
	if forward <= 0 {
		c.now = t
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.Advance(forward)
}

// Advance moves the clock forward and fires everything that came due.
// Callbacks may arm new timers; those fire too if they fall inside the
// advanced window.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.takeDue(target)
		if len(due) == 0 {
			return
		}
		for _, e := range due {
			switch {
			case e.fn != nil:
				e.fn()
			case e.ch != nil:
				select {
				case e.ch <- target:
				default:
				}
			}
		}
	}
}

func (c *FakeClock) takeDue(target time.Time) []*fakeEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, keep []*fakeEntry
	for _, e := range c.pending {
		if e.canceled {
			continue
		}
		if e.at.After(target) {
			keep = append(keep, e)
			continue
		}
		due = append(due, e)
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, e := range due {
		if e.every > 0 {
			e.at = e.at.Add(e.every)
			keep = append(keep, e)
			continue
		}
		e.done = true
	}
	c.pending = keep
	return due
}

// Pending counts armed timers and tickers.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

// WaitForTimers blocks until at least n timers are armed. Use it to
// synchronize with goroutines that arm timers before advancing.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.changed.Wait()
	}
}

func (c *FakeClock) pendingLocked() int {
	n := 0
	for _, e := range c.pending {
		if !e.canceled {
			n++
		}
	}
	return n
}
