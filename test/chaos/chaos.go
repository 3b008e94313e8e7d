package chaos

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"courtbot/notify"
)

// TerminateRandomBackend kills a random backend of the test database every
// so often, so store calls see dropped connections mid-transaction.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, seed int64, stop <-chan struct{}) {
	rng := rand.New(rand.NewSource(seed))
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rng.Intn(5) == 0 {
				_, _ = pool.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = current_database() AND pid <> pg_backend_pid() ORDER BY random() LIMIT 1`)
			}
		}
	}
}

// Flaky wraps next so that roughly one delivery in n fails before reaching
// it. Relays must retry those rows.
func Flaky(next notify.Sink, seed int64, n int) notify.Sink {
	if n < 1 {
		n = 1
	}
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(seed))
	return notify.SinkFunc(func(ctx context.Context, e notify.Event) error {
		mu.Lock()
		fail := rng.Intn(n) == 0
		mu.Unlock()
		if fail {
			return errors.New("chaos: injected delivery failure")
		}
		return next.Notify(ctx, e)
	})
}
