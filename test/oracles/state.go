package oracles

import (
	"context"
	"fmt"

	"courtbot/ballot"
	"courtbot/court"
	"courtbot/lawsuit"
	"courtbot/notify"
)

// Violation is one broken invariant found by Check.
type Violation struct {
	Oracle string
	CaseID string
	Detail string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s case=%s: %s", v.Oracle, v.CaseID, v.Detail)
}

// Check walks every case through the store and ledger interfaces and checks
// the same invariants as the SQL oracles against the delivered events. It
// works for any backend.
func Check(ctx context.Context, cases lawsuit.Store, ledger ballot.Ledger, events []notify.Event) ([]Violation, error) {
	all, err := cases.List(ctx, lawsuit.Filter{})
	if err != nil {
		return nil, err
	}
	closedEvents := make(map[string]int)
	closedTally := make(map[string]court.Tally)
	for _, e := range events {
		if e.Type == notify.EventCaseClosed {
			closedEvents[e.CaseID]++
			if e.Tally != nil {
				closedTally[e.CaseID] = *e.Tally
			}
		}
	}

	var out []Violation
	add := func(oracle, caseID, format string, args ...any) {
		out = append(out, Violation{Oracle: oracle, CaseID: caseID, Detail: fmt.Sprintf(format, args...)})
	}
	for _, c := range all {
		closed := c.State == court.StateClosed
		if closed != (c.Verdict != court.VerdictNone) || closed != (c.ClosedAt != nil) {
			add("O1_verdict_iff_closed", c.ID, "state=%s verdict=%q", c.State, c.Verdict)
		}

		votes, err := ledger.Votes(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		tally, err := ledger.Tally(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		// Open cases may take a vote between the two reads.
		if recount := court.Recount(votes); c.State.Terminal() && recount != tally {
			add("tally_matches_votes", c.ID, "tally=%+v recount=%+v", tally, recount)
		}
		for _, v := range votes {
			if c.ClosedAt != nil && v.CastAt.After(*c.ClosedAt) {
				add("O2_vote_after_close", c.ID, "voter %s at %s after %s", v.VoterID, v.CastAt, *c.ClosedAt)
			}
			if v.VoterID == c.Subject {
				add("O6_no_self_vote", c.ID, "subject voted")
			}
		}
		if c.State == court.StateCancelled && len(votes) > 0 {
			add("O5_cancelled_with_votes", c.ID, "%d votes", len(votes))
		}

		want := 0
		if closed {
			want = 1
		}
		if closedEvents[c.ID] != want {
			add("O4_close_notification_exactly_once", c.ID, "state=%s closed events=%d", c.State, closedEvents[c.ID])
		}
		if t, ok := closedTally[c.ID]; ok && closed && t != tally {
			add("closed_tally_final", c.ID, "announced %+v, ledger %+v", t, tally)
		}
	}
	return out, nil
}
