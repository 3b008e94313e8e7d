package scheduler

import (
	"context"
	"log/slog"
	"time"

	"courtbot/court"
)

// armLocked schedules expiry of caseID at deadline, replacing any earlier
// timer. The caller holds the case lock, which the callback also takes, so
// the callback cannot observe a half-registered timer.
func (s *Scheduler) armLocked(caseID string, deadline time.Time) {
	d := deadline.Sub(s.clock.Now())
	if d <= 0 {
		// Fake clocks run non-positive delays inline, which would deadlock
		// on the case lock. Fire from a goroutine instead.
		d = time.Nanosecond
	}

	s.timersMu.Lock()
	if s.isClosing() {
		s.timersMu.Unlock()
		return
	}
	if old, ok := s.timers[caseID]; ok && old.timer != nil {
		old.timer.Stop()
	}
	s.gen++
	entry := &armedTimer{gen: s.gen, deadline: deadline}
	s.timers[caseID] = entry
	s.timersMu.Unlock()

	gen := entry.gen
	t := s.clock.AfterFunc(d, func() { s.expire(caseID, gen) })

	s.timersMu.Lock()
	if cur, ok := s.timers[caseID]; ok && cur == entry {
		entry.timer = t
		s.timersMu.Unlock()
		return
	}
	s.timersMu.Unlock()
	// Shutdown or a disarm raced the registration.
	t.Stop()
}

// rearmLocked arms a retry for a case still believed to be VOTING after a
// failed store call. The retry never fires earlier than the deadline.
func (s *Scheduler) rearmLocked(c court.Case) {
	if s.isClosing() {
		return
	}
	at := s.clock.Now().Add(retryDelay)
	if c.Deadline.After(at) {
		at = c.Deadline
	}
	s.armLocked(c.ID, at)
}

// disarm stops and forgets the timer for caseID. Stopping an already fired
// or missing timer is fine.
func (s *Scheduler) disarm(caseID string) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if t, ok := s.timers[caseID]; ok {
		if t.timer != nil {
			t.timer.Stop()
		}
		delete(s.timers, caseID)
	}
}

func (s *Scheduler) isClosing() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.closing
}

// expire is the timer callback. A stale generation means the timer was
// replaced or cancelled after it started firing.
func (s *Scheduler) expire(caseID string, gen uint64) {
	done, err := s.begin()
	if err != nil {
		return
	}
	defer done()

	unlock := s.locks.Lock(caseID)
	defer unlock()

	s.timersMu.Lock()
	cur, ok := s.timers[caseID]
	if !ok || cur.gen != gen {
		s.timersMu.Unlock()
		return
	}
	delete(s.timers, caseID)
	s.timersMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	c, err := s.cases.Get(ctx, caseID)
	if err != nil {
		s.logger.ErrorContext(ctx, "load case on expiry failed",
			slog.String("event", "timer_load_failed"),
			slog.String("module", "scheduler"),
			slog.String("layer", "application"),
			slog.String("case_id", caseID),
			slog.Any("error", err),
		)
		s.armLocked(caseID, s.clock.Now().Add(retryDelay))
		return
	}
	if c.State != court.StateVoting {
		return
	}
	if !c.Expired(s.clock.Now()) {
		s.armLocked(c.ID, c.Deadline)
		return
	}
	if _, _, err := s.evaluateLocked(ctx, c, true); err != nil {
		s.logger.ErrorContext(ctx, "close on expiry failed",
			slog.String("event", "timer_close_failed"),
			slog.String("module", "scheduler"),
			slog.String("layer", "application"),
			slog.String("case_id", caseID),
			slog.Any("error", err),
		)
	}
}
