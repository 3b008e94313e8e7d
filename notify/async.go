package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"courtbot/court"
)

var ErrSinkClosed = errors.New("notify: sink closed")

// Async decouples a slow sink from the caller. Events are delivered in
// order by a single worker; Notify blocks only when the queue is full.
type Async struct {
	next   Sink
	logger *slog.Logger
	queue  chan Event

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewAsync(next Sink, size int, logger *slog.Logger) *Async {
	if size <= 0 {
		size = 64
	}
	a := &Async{
		next:   next,
		logger: court.ResolveLogger(logger),
		queue:  make(chan Event, size),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) Notify(ctx context.Context, e Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrSinkClosed
	}
	select {
	case a.queue <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) run() {
	defer close(a.done)
	for e := range a.queue {
		// Delivery outlives the request that produced the event.
		if err := a.next.Notify(context.Background(), e); err != nil {
			a.logger.Warn("async notification failed",
				"event", "notify_async_failed",
				"module", "notify",
				"layer", "sink",
				"case_id", e.CaseID,
				"type", string(e.Type),
				"error", err.Error(),
			)
		}
	}
}

// Close stops accepting events and waits until the queue is drained or ctx
// expires.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
