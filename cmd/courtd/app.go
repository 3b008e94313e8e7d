package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"courtbot/ballot"
	"courtbot/clock"
	"courtbot/config"
	"courtbot/db"
	"courtbot/lawsuit"
	"courtbot/notify"
	"courtbot/prison"
	"courtbot/scheduler"
)

const asyncQueueSize = 256

// app is the wired process: scheduler, prison service and whatever
// delivery machinery the backend needs.
type app struct {
	sched   *scheduler.Scheduler
	prison  *prison.Service
	relay   *notify.OutboxRelay
	limiter *voteLimiter
	logger  *slog.Logger

	asyncSinks []*notify.Async
	closers    []func()
}

type backend struct {
	cases    lawsuit.Store
	ballots  ballot.Ledger
	registry prison.Registry
	pool     notify.TxStarter
}

func openBackend(ctx context.Context, cfg config.Config, migrate bool) (backend, func(), error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		conn, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return backend{}, nil, err
		}
		return backend{
			cases:    lawsuit.NewSQLiteStore(conn),
			ballots:  ballot.NewSQLiteLedger(conn),
			registry: prison.NewSQLiteRegistry(conn),
		}, func() { _ = conn.Close() }, nil
	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.MaxConns})
		if err != nil {
			return backend{}, nil, err
		}
		if migrate {
			if err := db.MigratePostgres(ctx, pool); err != nil {
				pool.Close()
				return backend{}, nil, err
			}
		}
		return backend{
			cases:    lawsuit.NewRepository(pool),
			ballots:  ballot.NewRepository(pool),
			registry: prison.NewRepository(pool),
			pool:     pool,
		}, pool.Close, nil
	default:
		cases := lawsuit.NewMemoryStore()
		return backend{
			cases:    cases,
			ballots:  ballot.NewMemoryLedger(cases),
			registry: prison.NewMemoryRegistry(),
		}, func() {}, nil
	}
}

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger, migrate bool) (*app, error) {
	be, closeBackend, err := openBackend(ctx, cfg, migrate)
	if err != nil {
		return nil, err
	}
	clk := clock.Real()
	a := &app{
		logger:  logger,
		limiter: newVoteLimiter(cfg.VoteRate, cfg.VoteBurst, clk),
		closers: []func(){closeBackend},
	}
	a.prison = prison.NewService(be.registry, clk, logger)

	external := notify.Fanout{prison.NewSentencer(a.prison)}
	if cfg.Redis.Addr != "" {
		client := notify.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		a.closers = append(a.closers, func() { _ = client.Close() })
		external = append(external, a.async(notify.NewRedisSink(client, cfg.Redis.Prefix)))
	}
	if cfg.Webhook.URL != "" {
		hook := notify.NewWebhookSink(cfg.Webhook.URL, []byte(cfg.Webhook.Secret), &http.Client{Timeout: 10 * time.Second})
		external = append(external, a.async(hook))
	}

	logSink := notify.NewLogSink(logger)
	var sink notify.Sink = append(notify.Fanout{logSink}, external...)
	if be.pool != nil {
		// Postgres delivers through the transactional outbox; the scheduler
		// only logs.
		sink = logSink
		a.relay = notify.NewOutboxRelay(be.pool, external,
			notify.WithRelayClock(clk),
			notify.WithRelayLogger(logger),
		)
	}

	a.sched = scheduler.New(be.cases, be.ballots, sink, cfg.Scheduler()).
		WithClock(clk).
		WithLogger(logger)
	if be.pool != nil {
		a.sched.WithOutbox()
	}
	return a, nil
}

func (a *app) async(next notify.Sink) notify.Sink {
	s := notify.NewAsync(next, asyncQueueSize, a.logger)
	a.asyncSinks = append(a.asyncSinks, s)
	return s
}

func (a *app) server() *Server {
	return &Server{
		caseService:   a.sched,
		prisonService: a.prison,
		limiter:       a.limiter,
		logger:        a.logger,
	}
}

// close shuts the scheduler down first so no new events are produced, then
// drains the async sinks and releases connections.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if err := a.sched.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, s := range a.asyncSinks {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain sink: %w", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	return errors.Join(errs...)
}
