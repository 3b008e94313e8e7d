package lawsuit

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"courtbot/court"
	"courtbot/db"
)

func TestRepositoryIntegration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if err := db.MigratePostgres(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	run := time.Now().UnixNano()
	repo := NewRepository(pool)
	runStoreSuite(t, func(t *testing.T) Store { return &prefixedStore{Store: repo, prefix: fmt.Sprintf("it-%d-%s-", run, t.Name())} })

	t.Run("closing writes timeline and outbox", func(t *testing.T) {
		id := fmt.Sprintf("it-%d-outbox", run)
		c := newCase(id)
		if _, err := repo.Create(ctx, c); err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := repo.Transition(ctx, TransitionParams{ID: id, From: court.StateFiled, To: court.StateVoting, At: filedAt}); err != nil {
			t.Fatalf("open: %v", err)
		}
		payload := []byte(fmt.Sprintf(`{"caseId":%q}`, id))
		if _, err := repo.Transition(ctx, TransitionParams{
			ID: id, From: court.StateVoting, To: court.StateClosed, Verdict: court.VerdictPass,
			At: filedAt.Add(time.Minute), Outbox: &OutboxEntry{Topic: "case.closed", Payload: payload},
		}); err != nil {
			t.Fatalf("close: %v", err)
		}

		var events, outbox int
		if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM case_events WHERE case_id = $1`, id).Scan(&events); err != nil {
			t.Fatalf("count events: %v", err)
		}
		if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE topic = 'case.closed' AND payload->>'caseId' = $1`, id).Scan(&outbox); err != nil {
			t.Fatalf("count outbox: %v", err)
		}
		if events != 2 || outbox != 1 {
			t.Fatalf("expected 2 timeline rows and 1 outbox row, got %d and %d", events, outbox)
		}
	})
}

// prefixedStore namespaces ids so the shared suite can run repeatedly
// against one database.
type prefixedStore struct {
	Store
	prefix string
}

func (p *prefixedStore) Create(ctx context.Context, c court.Case) (court.Case, error) {
	c.ID = p.prefix + c.ID
	out, err := p.Store.Create(ctx, c)
	out.ID = c.ID[len(p.prefix):]
	return out, err
}

func (p *prefixedStore) Get(ctx context.Context, id string) (court.Case, error) {
	c, err := p.Store.Get(ctx, p.prefix+id)
	if err == nil {
		c.ID = id
	}
	return c, err
}

func (p *prefixedStore) Transition(ctx context.Context, params TransitionParams) (court.Case, error) {
	params.ID = p.prefix + params.ID
	c, err := p.Store.Transition(ctx, params)
	if err == nil {
		c.ID = c.ID[len(p.prefix):]
	}
	return c, err
}

func (p *prefixedStore) List(ctx context.Context, f Filter) ([]court.Case, error) {
	all, err := p.Store.List(ctx, Filter{GuildID: f.GuildID, States: f.States})
	if err != nil {
		return nil, err
	}
	var out []court.Case
	for _, c := range all {
		if len(c.ID) > len(p.prefix) && c.ID[:len(p.prefix)] == p.prefix {
			c.ID = c.ID[len(p.prefix):]
			out = append(out, c)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
