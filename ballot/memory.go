package ballot

import (
	"context"
	"sort"
	"sync"
	"time"

	"courtbot/court"
)

// MemoryLedger keeps one ballot box per case. Each box has its own mutex;
// the ledger-wide mutex only guards box creation. The case state check in
// Record is only as fresh as the caller's own serialization of that case.
type MemoryLedger struct {
	cases CaseReader

	mu    sync.Mutex
	boxes map[string]*box
}

type box struct {
	mu    sync.Mutex
	votes map[string]court.Vote
	tally court.Tally
}

func NewMemoryLedger(cases CaseReader) *MemoryLedger {
	return &MemoryLedger{cases: cases, boxes: make(map[string]*box)}
}

func (l *MemoryLedger) boxFor(caseID string) *box {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.boxes[caseID]
	if !ok {
		b = &box{votes: make(map[string]court.Vote)}
		l.boxes[caseID] = b
	}
	return b
}

func (l *MemoryLedger) Record(ctx context.Context, caseID, voterID string, choice court.Choice, at time.Time) (Receipt, error) {
	if err := validateVote(caseID, voterID, choice); err != nil {
		return Receipt{}, err
	}
	c, err := l.cases.Get(ctx, caseID)
	if err != nil {
		return Receipt{}, err
	}
	if c.State != court.StateVoting {
		return Receipt{}, court.ErrCaseClosed
	}

	b := l.boxFor(caseID)
	b.mu.Lock()
	defer b.mu.Unlock()

	vote := court.Vote{CaseID: caseID, VoterID: voterID, Choice: choice, CastAt: at}
	prev := b.votes[voterID].Choice
	b.votes[voterID] = vote
	b.tally = applyVote(b.tally, prev, choice)

	return Receipt{Vote: vote, Previous: prev, Tally: b.tally}, nil
}

func (l *MemoryLedger) Tally(ctx context.Context, caseID string) (court.Tally, error) {
	if _, err := l.cases.Get(ctx, caseID); err != nil {
		return court.Tally{}, err
	}
	b := l.boxFor(caseID)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tally, nil
}

func (l *MemoryLedger) VoterCount(ctx context.Context, caseID string) (int, error) {
	if _, err := l.cases.Get(ctx, caseID); err != nil {
		return 0, err
	}
	b := l.boxFor(caseID)
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.votes), nil
}

func (l *MemoryLedger) Votes(ctx context.Context, caseID string) ([]court.Vote, error) {
	if _, err := l.cases.Get(ctx, caseID); err != nil {
		return nil, err
	}
	b := l.boxFor(caseID)
	b.mu.Lock()
	out := make([]court.Vote, 0, len(b.votes))
	for _, v := range b.votes {
		out = append(out, v)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].VoterID < out[j].VoterID })
	return out, nil
}
