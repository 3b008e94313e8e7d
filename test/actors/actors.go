package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"courtbot/court"
	"courtbot/notify"
	"courtbot/scheduler"
)

// Court is the slice of the scheduler the actors drive.
type Court interface {
	FileCase(ctx context.Context, cmd scheduler.FileCaseCommand) (scheduler.FileResult, error)
	CastVote(ctx context.Context, cmd scheduler.CastVoteCommand) (scheduler.VoteResult, error)
	TimerFired(ctx context.Context, caseID string) error
	CancelCase(ctx context.Context, caseID string) (court.Case, error)
	CloseNow(ctx context.Context, caseID string) (court.Case, error)
}

// Board is the shared set of case ids the actors pick targets from.
type Board struct {
	// Tolerate, when set, accepts extra errors such as dropped connections
	// under chaos.
	Tolerate func(error) bool

	mu  sync.RWMutex
	ids []string
}

func (b *Board) Add(id string) {
	b.mu.Lock()
	b.ids = append(b.ids, id)
	b.mu.Unlock()
}

// Pick returns a random id, or false while the board is empty.
func (b *Board) Pick(rng *rand.Rand) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ids) == 0 {
		return "", false
	}
	return b.ids[rng.Intn(len(b.ids))], true
}

func (b *Board) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.ids)
}

// expected lists the errors a contended court legitimately returns.
func (b *Board) expected(err error) bool {
	if b.Tolerate != nil && err != nil && b.Tolerate(err) {
		return true
	}
	return err == nil ||
		errors.Is(err, court.ErrCaseClosed) ||
		errors.Is(err, court.ErrAlreadyVoting) ||
		errors.Is(err, court.ErrShuttingDown) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause(rng *rand.Rand, base, jitter int) {
	time.Sleep(time.Duration(base+rng.Intn(jitter)) * time.Millisecond)
}

// Filer keeps filing short-window cases against random subjects.
func Filer(ctx context.Context, c Court, board *Board, name string, window time.Duration, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for n := 0; !stopped(ctx, stop); n++ {
		early := rng.Intn(2) == 0
		quorum := 1 + rng.Intn(4)
		res, err := c.FileCase(ctx, scheduler.FileCaseCommand{
			CaseID:  fmt.Sprintf("%s-%d", name, n),
			GuildID: fmt.Sprintf("guild-%d", rng.Intn(3)),
			Subject: fmt.Sprintf("subject-%d", rng.Intn(20)),
			Filer:   name,
			Reason:  "stress",
			Window:  window,
			Policy:  court.PolicyOverride{Quorum: &quorum, EarlyCloseOnQuorum: &early},
		})
		if err != nil {
			if board.expected(err) {
				pause(rng, 20, 40)
				continue
			}
			return fmt.Errorf("filer %s: %w", name, err)
		}
		board.Add(res.Case.ID)
		pause(rng, 20, 40)
	}
	return nil
}

// Voter casts and changes ballots on random cases.
func Voter(ctx context.Context, c Court, board *Board, name string, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	choices := []court.Choice{court.ChoiceGuilty, court.ChoiceNotGuilty, court.ChoiceAbstain}
	for !stopped(ctx, stop) {
		id, ok := board.Pick(rng)
		if !ok {
			pause(rng, 5, 5)
			continue
		}
		_, err := c.CastVote(ctx, scheduler.CastVoteCommand{
			CaseID: id,
			Voter:  name,
			Choice: choices[rng.Intn(len(choices))],
		})
		if !board.expected(err) {
			return fmt.Errorf("voter %s on %s: %w", name, id, err)
		}
		pause(rng, 1, 10)
	}
	return nil
}

// Judge randomly closes or cancels cases and fires stray timers, racing the
// scheduler's own expiry.
func Judge(ctx context.Context, c Court, board *Board, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for !stopped(ctx, stop) {
		id, ok := board.Pick(rng)
		if !ok {
			pause(rng, 5, 5)
			continue
		}
		var err error
		switch rng.Intn(3) {
		case 0:
			_, err = c.CloseNow(ctx, id)
		case 1:
			_, err = c.CancelCase(ctx, id)
		default:
			err = c.TimerFired(ctx, id)
		}
		if !board.expected(err) {
			return fmt.Errorf("judge on %s: %w", id, err)
		}
		pause(rng, 10, 30)
	}
	return nil
}

// Relay drains the outbox until stopped, as the server's relay loop does.
func Relay(ctx context.Context, relay *notify.OutboxRelay, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		if _, err := relay.RunOnce(ctx); err != nil && ctx.Err() == nil {
			// Chaos may kill the connection mid-batch; the rows stay pending.
			time.Sleep(50 * time.Millisecond)
			continue
		}
		time.Sleep(25 * time.Millisecond)
	}
	return nil
}
