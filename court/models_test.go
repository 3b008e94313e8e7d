package court

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateFiled, StateVoting, true},
		{StateFiled, StateCancelled, true},
		{StateVoting, StateClosed, true},
		{StateVoting, StateCancelled, true},
		{StateFiled, StateClosed, false},
		{StateVoting, StateFiled, false},
		{StateClosed, StateVoting, false},
		{StateClosed, StateCancelled, false},
		{StateCancelled, StateVoting, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestParseChoice(t *testing.T) {
	for raw, want := range map[string]Choice{
		"GUILTY":     ChoiceGuilty,
		"not_guilty": ChoiceNotGuilty,
		"Not-Guilty": ChoiceNotGuilty,
		" abstain ":  ChoiceAbstain,
	} {
		got, err := ParseChoice(raw)
		if err != nil || got != want {
			t.Errorf("ParseChoice(%q) = %q, %v; want %q", raw, got, err, want)
		}
	}

	if _, err := ParseChoice("maybe"); !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("expected ErrInvalidCommand, got %v", err)
	}
}

func TestTallyAddAndRecount(t *testing.T) {
	votes := []Vote{
		{VoterID: "a", Choice: ChoiceGuilty},
		{VoterID: "b", Choice: ChoiceGuilty},
		{VoterID: "c", Choice: ChoiceNotGuilty},
		{VoterID: "d", Choice: ChoiceAbstain},
	}
	got := Recount(votes)
	if got != (Tally{Guilty: 2, NotGuilty: 1, Abstain: 1}) {
		t.Fatalf("unexpected tally %+v", got)
	}
	if got.Total() != 4 || got.NonAbstain() != 3 {
		t.Fatalf("unexpected totals %d/%d", got.Total(), got.NonAbstain())
	}

	moved := got.Add(ChoiceGuilty, -1).Add(ChoiceAbstain, 1)
	if moved.Total() != 4 || moved.Guilty != 1 || moved.Abstain != 2 {
		t.Fatalf("unexpected tally after move %+v", moved)
	}
}

func TestPolicyValidate(t *testing.T) {
	if err := DefaultPolicy().Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
	bad := []Policy{
		{Quorum: 0, Threshold: 0.5},
		{Quorum: 1, Threshold: 0},
		{Quorum: 1, Threshold: 1.2},
	}
	for _, p := range bad {
		if err := p.Validate(); !errors.Is(err, ErrInvalidPolicy) {
			t.Errorf("expected ErrInvalidPolicy for %+v, got %v", p, err)
		}
	}
}

func TestPolicyOverride(t *testing.T) {
	q := 5
	early := true
	got := PolicyOverride{Quorum: &q, EarlyCloseOnQuorum: &early}.Apply(DefaultPolicy())
	if got.Quorum != 5 || got.Threshold != 0.5 || !got.EarlyCloseOnQuorum {
		t.Fatalf("unexpected policy %+v", got)
	}
}

func TestCaseExpiredIsInclusive(t *testing.T) {
	deadline := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Case{Deadline: deadline}
	if c.Expired(deadline.Add(-time.Nanosecond)) {
		t.Fatalf("case expired before deadline")
	}
	if !c.Expired(deadline) {
		t.Fatalf("case should be expired at its deadline")
	}
}
