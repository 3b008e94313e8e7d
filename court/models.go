// Package court holds the vocabulary shared by the case store, the vote
// ledger, the verdict engine and the scheduler.
package court

import (
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle position of a case.
type State string

const (
	StateFiled     State = "filed"
	StateVoting    State = "voting"
	StateClosed    State = "closed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateCancelled
}

func (s State) Valid() bool {
	switch s {
	case StateFiled, StateVoting, StateClosed, StateCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the case state machine.
func CanTransition(from, to State) bool {
	switch from {
	case StateFiled:
		return to == StateVoting || to == StateCancelled
	case StateVoting:
		return to == StateClosed || to == StateCancelled
	}
	return false
}

// Choice is a single voter's position on a case.
type Choice string

const (
	ChoiceGuilty    Choice = "guilty"
	ChoiceNotGuilty Choice = "not_guilty"
	ChoiceAbstain   Choice = "abstain"
)

// ParseChoice accepts the canonical lower-case form as well as the
// upper-case names used by chat front ends (GUILTY, NOT_GUILTY, ABSTAIN).
func ParseChoice(raw string) (Choice, error) {
	c := Choice(strings.ToLower(strings.TrimSpace(raw)))
	switch c {
	case ChoiceGuilty, ChoiceNotGuilty, ChoiceAbstain:
		return c, nil
	case "not-guilty", "notguilty":
		return ChoiceNotGuilty, nil
	}
	return "", fmt.Errorf("%w: unknown choice %q", ErrInvalidCommand, raw)
}

// Verdict is the outcome attached to a case when it closes.
type Verdict string

const (
	VerdictNone      Verdict = ""
	VerdictPass      Verdict = "pass"
	VerdictFail      Verdict = "fail"
	VerdictUndecided Verdict = "undecided"
)

func (v Verdict) Valid() bool {
	switch v {
	case VerdictPass, VerdictFail, VerdictUndecided:
		return true
	}
	return false
}

// Case mirrors the cases table.
type Case struct {
	ID        string
	GuildID   string
	Subject   string
	Filer     string
	Reason    string
	Policy    Policy
	Window    time.Duration
	CreatedAt time.Time
	// Deadline is absolute so a restarted process resumes the same window.
	Deadline time.Time
	State    State
	Verdict  Verdict
	ClosedAt *time.Time
}

// Expired reports whether the voting window has elapsed at now.
func (c Case) Expired(now time.Time) bool {
	return !now.Before(c.Deadline)
}

// Vote is the current vote of one voter on one case.
type Vote struct {
	CaseID  string
	VoterID string
	Choice  Choice
	CastAt  time.Time
}

// Tally counts current votes per choice.
type Tally struct {
	Guilty    int `json:"guilty"`
	NotGuilty int `json:"notGuilty"`
	Abstain   int `json:"abstain"`
}

// Total equals the number of distinct voters on the case.
func (t Tally) Total() int { return t.Guilty + t.NotGuilty + t.Abstain }

func (t Tally) NonAbstain() int { return t.Guilty + t.NotGuilty }

// Add returns t with delta applied to the bucket for c.
func (t Tally) Add(c Choice, delta int) Tally {
	switch c {
	case ChoiceGuilty:
		t.Guilty += delta
	case ChoiceNotGuilty:
		t.NotGuilty += delta
	case ChoiceAbstain:
		t.Abstain += delta
	}
	return t
}

// Recount builds a tally from scratch.
func Recount(votes []Vote) Tally {
	var t Tally
	for _, v := range votes {
		t = t.Add(v.Choice, 1)
	}
	return t
}
