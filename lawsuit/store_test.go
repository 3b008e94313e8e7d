package lawsuit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courtbot/court"
	"courtbot/db"
)

var filedAt = time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)

func newCase(id string) court.Case {
	return court.Case{
		ID:        id,
		GuildID:   "guild-1",
		Subject:   "user-subject",
		Filer:     "user-filer",
		Reason:    "spamming the lobby",
		Policy:    court.DefaultPolicy(),
		Window:    10 * time.Minute,
		CreatedAt: filedAt,
		Deadline:  filedAt.Add(10 * time.Minute),
		State:     court.StateFiled,
	}
}

// runStoreSuite exercises the Store contract against one implementation.
func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	t.Run("create and get", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		want := newCase("case-create")

		_, err := s.Create(ctx, want)
		require.NoError(t, err)

		got, err := s.Get(ctx, want.ID)
		require.NoError(t, err)
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, want.Subject, got.Subject)
		assert.Equal(t, want.Policy, got.Policy)
		assert.Equal(t, want.Window, got.Window)
		assert.True(t, want.Deadline.Equal(got.Deadline), "deadline round trip")
		assert.Equal(t, court.StateFiled, got.State)
		assert.Equal(t, court.VerdictNone, got.Verdict)
		assert.Nil(t, got.ClosedAt)
	})

	t.Run("duplicate id", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		_, err := s.Create(ctx, newCase("case-dup"))
		require.NoError(t, err)
		_, err = s.Create(ctx, newCase("case-dup"))
		assert.ErrorIs(t, err, court.ErrDuplicateCase)
	})

	t.Run("unknown case", func(t *testing.T) {
		s := open(t)
		_, err := s.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, court.ErrNotFound)

		_, err = s.Transition(context.Background(), TransitionParams{
			ID: "missing", From: court.StateFiled, To: court.StateVoting, At: filedAt,
		})
		assert.ErrorIs(t, err, court.ErrNotFound)
	})

	t.Run("cas transitions", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		_, err := s.Create(ctx, newCase("case-cas"))
		require.NoError(t, err)

		voting, err := s.Transition(ctx, TransitionParams{
			ID: "case-cas", From: court.StateFiled, To: court.StateVoting, At: filedAt,
		})
		require.NoError(t, err)
		assert.Equal(t, court.StateVoting, voting.State)

		_, err = s.Transition(ctx, TransitionParams{
			ID: "case-cas", From: court.StateFiled, To: court.StateVoting, At: filedAt,
		})
		assert.ErrorIs(t, err, court.ErrStaleState)

		closedAt := filedAt.Add(10 * time.Minute)
		closed, err := s.Transition(ctx, TransitionParams{
			ID: "case-cas", From: court.StateVoting, To: court.StateClosed,
			Verdict: court.VerdictFail, At: closedAt,
		})
		require.NoError(t, err)
		assert.Equal(t, court.StateClosed, closed.State)
		assert.Equal(t, court.VerdictFail, closed.Verdict)
		require.NotNil(t, closed.ClosedAt)
		assert.True(t, closedAt.Equal(*closed.ClosedAt))

		_, err = s.Transition(ctx, TransitionParams{
			ID: "case-cas", From: court.StateVoting, To: court.StateClosed,
			Verdict: court.VerdictPass, At: closedAt,
		})
		assert.ErrorIs(t, err, court.ErrStaleState)

		got, err := s.Get(ctx, "case-cas")
		require.NoError(t, err)
		assert.Equal(t, court.VerdictFail, got.Verdict, "losing CAS must not overwrite the verdict")
	})

	t.Run("verdict iff closed", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		_, err := s.Create(ctx, newCase("case-verdict"))
		require.NoError(t, err)

		_, err = s.Transition(ctx, TransitionParams{
			ID: "case-verdict", From: court.StateFiled, To: court.StateVoting,
			Verdict: court.VerdictPass, At: filedAt,
		})
		assert.ErrorIs(t, err, court.ErrInvalidTransition)

		_, err = s.Transition(ctx, TransitionParams{
			ID: "case-verdict", From: court.StateFiled, To: court.StateClosed,
			Verdict: court.VerdictPass, At: filedAt,
		})
		assert.ErrorIs(t, err, court.ErrInvalidTransition)
	})

	t.Run("concurrent close has one winner", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		_, err := s.Create(ctx, newCase("case-race"))
		require.NoError(t, err)
		_, err = s.Transition(ctx, TransitionParams{
			ID: "case-race", From: court.StateFiled, To: court.StateVoting, At: filedAt,
		})
		require.NoError(t, err)

		const racers = 8
		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			wins   int
			stales int
		)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				verdict := court.VerdictPass
				if i%2 == 0 {
					verdict = court.VerdictFail
				}
				_, err := s.Transition(ctx, TransitionParams{
					ID: "case-race", From: court.StateVoting, To: court.StateClosed,
					Verdict: verdict, At: filedAt.Add(time.Minute),
				})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, court.ErrStaleState):
					stales++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
		assert.Equal(t, racers-1, stales)
	})

	t.Run("list filters", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		a := newCase("case-a")
		b := newCase("case-b")
		b.GuildID = "guild-2"
		b.CreatedAt = filedAt.Add(time.Second)
		for _, c := range []court.Case{a, b} {
			_, err := s.Create(ctx, c)
			require.NoError(t, err)
		}
		_, err := s.Transition(ctx, TransitionParams{
			ID: "case-b", From: court.StateFiled, To: court.StateVoting, At: filedAt,
		})
		require.NoError(t, err)

		all, err := s.List(ctx, Filter{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "case-a", all[0].ID)

		voting, err := s.List(ctx, Filter{States: []court.State{court.StateVoting}})
		require.NoError(t, err)
		require.Len(t, voting, 1)
		assert.Equal(t, "case-b", voting[0].ID)

		guild, err := s.List(ctx, Filter{GuildID: "guild-1"})
		require.NoError(t, err)
		require.Len(t, guild, 1)
		assert.Equal(t, "case-a", guild[0].ID)

		limited, err := s.List(ctx, Filter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		conn, err := db.OpenSQLite(context.Background(), ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.Close() })
		return NewSQLiteStore(conn)
	})
}

func TestSQLiteStoreRefusesCancelAfterVote(t *testing.T) {
	ctx := context.Background()
	conn, err := db.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	defer conn.Close()

	s := NewSQLiteStore(conn)
	_, err = s.Create(ctx, newCase("case-voted"))
	require.NoError(t, err)
	_, err = s.Transition(ctx, TransitionParams{ID: "case-voted", From: court.StateFiled, To: court.StateVoting, At: filedAt})
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `INSERT INTO votes (case_id, voter_id, choice, cast_at) VALUES ('case-voted','v1','guilty',0)`)
	require.NoError(t, err)

	_, err = s.Transition(ctx, TransitionParams{ID: "case-voted", From: court.StateVoting, To: court.StateCancelled, At: filedAt})
	assert.ErrorIs(t, err, court.ErrAlreadyVoting)
}

func TestValidateTransition(t *testing.T) {
	assert.ErrorIs(t, ValidateTransition(TransitionParams{From: court.StateFiled, To: court.StateVoting}), court.ErrInvalidCommand)
	assert.ErrorIs(t, ValidateTransition(TransitionParams{ID: "x", From: court.StateClosed, To: court.StateVoting}), court.ErrInvalidTransition)
	assert.ErrorIs(t, ValidateTransition(TransitionParams{ID: "x", From: court.StateVoting, To: court.StateClosed}), court.ErrInvalidTransition)
	assert.NoError(t, ValidateTransition(TransitionParams{ID: "x", From: court.StateVoting, To: court.StateClosed, Verdict: court.VerdictUndecided}))
}
