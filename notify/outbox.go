package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"courtbot/clock"
	"courtbot/court"
)

// TxStarter is satisfied by *pgxpool.Pool.
type TxStarter interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// OutboxRelay drains the Postgres outbox written by lawsuit.Repository and
// hands each event to a sink. Several relays may run at once; rows are
// claimed with SKIP LOCKED. Delivery is at least once, so receivers should
// dedupe on Event.ID.
type OutboxRelay struct {
	pool        TxStarter
	sink        Sink
	logger      *slog.Logger
	clock       clock.Clock
	batchSize   int
	maxAttempts int
}

type RelayOption func(*OutboxRelay)

func WithBatchSize(n int) RelayOption {
	return func(r *OutboxRelay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithMaxAttempts(n int) RelayOption {
	return func(r *OutboxRelay) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func WithRelayClock(c clock.Clock) RelayOption {
	return func(r *OutboxRelay) { r.clock = c }
}

func WithRelayLogger(l *slog.Logger) RelayOption {
	return func(r *OutboxRelay) { r.logger = court.ResolveLogger(l) }
}

func NewOutboxRelay(pool TxStarter, sink Sink, opts ...RelayOption) *OutboxRelay {
	r := &OutboxRelay{
		pool:        pool,
		sink:        sink,
		logger:      slog.Default(),
		clock:       clock.Real(),
		batchSize:   32,
		maxAttempts: 8,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type outboxRow struct {
	id      int64
	topic   string
	payload []byte
}

// RunOnce claims one batch and reports how many rows were delivered.
func (r *OutboxRelay) RunOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("notify: outbox begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, topic, payload::text
		FROM outbox
		WHERE status = 'pending'
		ORDER BY id
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("notify: outbox claim: %w", err)
	}
	batch := make([]outboxRow, 0, r.batchSize)
	for rows.Next() {
		var (
			row     outboxRow
			payload string
		)
		if err := rows.Scan(&row.id, &row.topic, &payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("notify: outbox scan: %w", err)
		}
		row.payload = []byte(payload)
		batch = append(batch, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("notify: outbox iterate: %w", err)
	}

	delivered := 0
	now := r.clock.Now()
	for _, row := range batch {
		e, deliveryErr := Decode(row.payload)
		if deliveryErr == nil {
			deliveryErr = r.sink.Notify(ctx, e)
		}
		if deliveryErr == nil {
			if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', processed_at = $2 WHERE id = $1`, row.id, now); err != nil {
				return delivered, fmt.Errorf("notify: outbox mark processed: %w", err)
			}
			delivered++
			continue
		}

		r.logger.Warn("outbox delivery failed",
			"event", "outbox_delivery_failed",
			"module", "notify",
			"layer", "relay",
			"outbox_id", row.id,
			"topic", row.topic,
			"error", deliveryErr.Error(),
		)
		if _, err := tx.Exec(ctx, `
			UPDATE outbox
			SET attempts = attempts + 1,
			    last_error = $2,
			    status = CASE WHEN attempts + 1 >= $3 THEN 'dead' ELSE 'pending' END
			WHERE id = $1
		`, row.id, deliveryErr.Error(), r.maxAttempts); err != nil {
			return delivered, fmt.Errorf("notify: outbox record failure: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("notify: outbox commit: %w", err)
	}
	return delivered, nil
}

// Run polls until ctx is cancelled. A full batch is followed immediately by
// another poll.
func (r *OutboxRelay) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("outbox relay started",
		"event", "outbox_relay_started",
		"module", "notify",
		"layer", "relay",
		"interval", interval.String(),
	)
	for {
		n, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("outbox relay batch failed",
				"event", "outbox_relay_failed",
				"module", "notify",
				"layer", "relay",
				"error", err.Error(),
			)
		}
		if n == r.batchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
