package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"courtbot/court"
)

// Sink receives notifications. Implementations should return quickly;
// wrap slow ones in Async.
type Sink interface {
	Notify(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Notify(ctx context.Context, e Event) error { return f(ctx, e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })

// Fanout delivers to every sink and joins their errors. A failing sink does
// not stop delivery to the others.
type Fanout []Sink

func (f Fanout) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes every event as a structured log line.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: court.ResolveLogger(logger)}
}

func (s *LogSink) Notify(ctx context.Context, e Event) error {
	attrs := []any{
		"event", string(e.Type),
		"module", "notify",
		"layer", "sink",
		"case_id", e.CaseID,
		"guild_id", e.GuildID,
		"subject", e.Subject,
	}
	if e.Verdict != court.VerdictNone {
		attrs = append(attrs, "verdict", string(e.Verdict), "early", e.Early)
	}
	if e.Tally != nil {
		attrs = append(attrs, "guilty", e.Tally.Guilty, "not_guilty", e.Tally.NotGuilty, "abstain", e.Tally.Abstain)
	}
	s.logger.InfoContext(ctx, "case notification", attrs...)
	return nil
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of typ were recorded for caseID.
func (r *Recorder) Count(caseID string, typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.CaseID == caseID && e.Type == typ {
			n++
		}
	}
	return n
}
