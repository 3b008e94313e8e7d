// Package ballot records votes on open cases and answers tally queries.
package ballot

import (
	"context"
	"fmt"
	"time"

	"courtbot/court"
)

// Ledger owns the current vote of every voter on every case. Record must
// update the voter set and the tally together so that Tally().Total()
// always equals VoterCount().
type Ledger interface {
	Record(ctx context.Context, caseID, voterID string, choice court.Choice, at time.Time) (Receipt, error)
	Tally(ctx context.Context, caseID string) (court.Tally, error)
	VoterCount(ctx context.Context, caseID string) (int, error)
	Votes(ctx context.Context, caseID string) ([]court.Vote, error)
}

// CaseReader is the slice of the case store the ledger needs.
type CaseReader interface {
	Get(ctx context.Context, id string) (court.Case, error)
}

// Receipt describes the effect of one Record call.
type Receipt struct {
	Vote court.Vote
	// Previous is empty when this is the voter's first vote on the case.
	Previous court.Choice
	// Tally is the snapshot right after the vote was applied.
	Tally court.Tally
}

// Changed reports whether the vote moved the tally.
func (r Receipt) Changed() bool {
	return r.Previous != r.Vote.Choice
}

func validateVote(caseID, voterID string, choice court.Choice) error {
	switch {
	case caseID == "":
		return fmt.Errorf("%w: missing case id", court.ErrInvalidCommand)
	case voterID == "":
		return fmt.Errorf("%w: missing voter id", court.ErrInvalidCommand)
	}
	switch choice {
	case court.ChoiceGuilty, court.ChoiceNotGuilty, court.ChoiceAbstain:
		return nil
	}
	return fmt.Errorf("%w: unknown choice %q", court.ErrInvalidCommand, choice)
}

// applyVote moves one voter from prev (possibly empty) to next.
func applyVote(t court.Tally, prev, next court.Choice) court.Tally {
	if prev != "" {
		t = t.Add(prev, -1)
	}
	return t.Add(next, 1)
}
