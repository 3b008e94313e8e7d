package main

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"courtbot/clock"
)

const voterIdle = 10 * time.Minute

// voteLimiter throttles ballots per voter so one account cannot flap its
// vote on a case. A zero rate disables limiting.
type voteLimiter struct {
	limit rate.Limit
	burst int
	clock clock.Clock

	mu     sync.Mutex
	voters map[string]*voterState
}

type voterState struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newVoteLimiter(perSecond float64, burst int, clk clock.Clock) *voteLimiter {
	if burst < 1 {
		burst = 1
	}
	return &voteLimiter{
		limit:  rate.Limit(perSecond),
		burst:  burst,
		clock:  clk,
		voters: make(map[string]*voterState),
	}
}

func (l *voteLimiter) Allow(voter string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	now := l.clock.Now()
	l.mu.Lock()
	v, ok := l.voters[voter]
	if !ok {
		v = &voterState{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.voters[voter] = v
	}
	v.lastSeen = now
	l.mu.Unlock()
	return v.limiter.AllowN(now, 1)
}

// sweep forgets voters idle for longer than voterIdle.
func (l *voteLimiter) sweep() int {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, v := range l.voters {
		if now.Sub(v.lastSeen) > voterIdle {
			delete(l.voters, id)
			removed++
		}
	}
	return removed
}

// run sweeps on a ticker until ctx is done.
func (l *voteLimiter) run(ctx context.Context) error {
	ticker := l.clock.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.sweep()
		}
	}
}
