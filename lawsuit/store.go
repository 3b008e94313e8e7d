// Package lawsuit persists cases and guards their lifecycle with a
// compare-and-swap transition.
package lawsuit

import (
	"context"
	"fmt"
	"time"

	"courtbot/court"
)

// Store is the case store. Implementations must make Transition atomic:
// of two concurrent transitions out of the same state exactly one succeeds
// and the other observes court.ErrStaleState.
type Store interface {
	Create(ctx context.Context, c court.Case) (court.Case, error)
	Get(ctx context.Context, id string) (court.Case, error)
	Transition(ctx context.Context, params TransitionParams) (court.Case, error)
	List(ctx context.Context, filter Filter) ([]court.Case, error)
}

// TransitionParams describes one CAS step. Verdict must be set exactly when
// To is court.StateClosed.
type TransitionParams struct {
	ID      string
	From    court.State
	To      court.State
	Verdict court.Verdict
	At      time.Time
	// Outbox, when set, is enqueued in the same transaction by stores that
	// support a durable outbox.
	Outbox *OutboxEntry
}

// OutboxEntry is a notification payload stored alongside a transition.
type OutboxEntry struct {
	Topic   string
	Payload []byte
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	GuildID string
	States  []court.State
	Limit   int
}

func (f Filter) matches(c court.Case) bool {
	if f.GuildID != "" && c.GuildID != f.GuildID {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if c.State == s {
			return true
		}
	}
	return false
}

func stateStrings(states []court.State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

// ValidateTransition checks params against the state machine before any
// store is touched.
func ValidateTransition(p TransitionParams) error {
	if p.ID == "" {
		return fmt.Errorf("%w: missing case id", court.ErrInvalidCommand)
	}
	if !court.CanTransition(p.From, p.To) {
		return fmt.Errorf("%w: %s -> %s", court.ErrInvalidTransition, p.From, p.To)
	}
	if p.To == court.StateClosed && !p.Verdict.Valid() {
		return fmt.Errorf("%w: closing without a verdict", court.ErrInvalidTransition)
	}
	if p.To != court.StateClosed && p.Verdict != court.VerdictNone {
		return fmt.Errorf("%w: verdict on non-closing transition", court.ErrInvalidTransition)
	}
	return nil
}

func validateNew(c court.Case) error {
	switch {
	case c.ID == "":
		return fmt.Errorf("%w: missing case id", court.ErrInvalidCommand)
	case c.State != court.StateFiled:
		return fmt.Errorf("%w: new case must be filed, got %s", court.ErrInvalidTransition, c.State)
	case c.Verdict != court.VerdictNone:
		return fmt.Errorf("%w: new case carries a verdict", court.ErrInvalidTransition)
	}
	return nil
}

// apply mutates c according to an already validated transition.
func apply(c *court.Case, p TransitionParams) {
	c.State = p.To
	if p.To == court.StateClosed {
		c.Verdict = p.Verdict
		at := p.At
		c.ClosedAt = &at
	}
}
