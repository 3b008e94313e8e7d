// Package verdict decides whether a case should close and with which outcome.
// Evaluate is a pure function; callers own all state.
package verdict

import "courtbot/court"

// Input is everything the engine looks at.
type Input struct {
	Tally         court.Tally
	VoterCount    int
	Policy        court.Policy
	WindowExpired bool
}

// Decision is the engine's answer for one evaluation.
type Decision struct {
	Verdict        court.Verdict
	Close          bool
	Early          bool
	QuorumReached  bool
	GuiltyFraction float64
}

// Evaluate applies the policy to a tally.
//
// Below quorum with the window open the case stays open as UNDECIDED.
// With no GUILTY or NOT_GUILTY votes the outcome is UNDECIDED. Otherwise
// the case FAILs when the guilty share of non-abstaining votes reaches the
// threshold and PASSes below it. An expired window always closes; an open
// window closes early only when the policy allows it, quorum is met and the
// outcome is not UNDECIDED.
func Evaluate(in Input) Decision {
	d := Decision{
		Verdict:       court.VerdictUndecided,
		QuorumReached: in.VoterCount >= in.Policy.Quorum,
	}

	if !d.QuorumReached && !in.WindowExpired {
		return d
	}

	if nonAbstain := in.Tally.NonAbstain(); nonAbstain > 0 {
		d.GuiltyFraction = float64(in.Tally.Guilty) / float64(nonAbstain)
		if d.GuiltyFraction >= in.Policy.Threshold {
			d.Verdict = court.VerdictFail
		} else {
			d.Verdict = court.VerdictPass
		}
	}

	switch {
	case in.WindowExpired:
		d.Close = true
	case in.Policy.EarlyCloseOnQuorum && d.QuorumReached && d.Verdict != court.VerdictUndecided:
		d.Close = true
		d.Early = true
	}
	return d
}
