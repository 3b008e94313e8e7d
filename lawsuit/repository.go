package lawsuit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"courtbot/court"
)

const caseColumns = `id, guild_id, subject, filer, reason, quorum, threshold, early_close,
	window_ms, created_at, deadline, state, COALESCE(verdict, ''), closed_at`

// Repository is the Postgres case store. Transitions, their case_events
// timeline row and the optional outbox row commit together.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Create(ctx context.Context, c court.Case) (court.Case, error) {
	if err := validateNew(c); err != nil {
		return court.Case{}, err
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO cases (id, guild_id, subject, filer, reason, quorum, threshold, early_close,
		                   window_ms, created_at, deadline, state)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, c.ID, c.GuildID, c.Subject, c.Filer, c.Reason, c.Policy.Quorum, c.Policy.Threshold,
		c.Policy.EarlyCloseOnQuorum, c.Window.Milliseconds(), c.CreatedAt, c.Deadline, string(c.State))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return court.Case{}, court.ErrDuplicateCase
		}
		return court.Case{}, fmt.Errorf("lawsuit: create: %w", err)
	}
	return c, nil
}

func (r *Repository) Get(ctx context.Context, id string) (court.Case, error) {
	c, err := scanCase(r.pool.QueryRow(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return court.Case{}, court.ErrNotFound
		}
		return court.Case{}, fmt.Errorf("lawsuit: get: %w", err)
	}
	return c, nil
}

func (r *Repository) Transition(ctx context.Context, p TransitionParams) (court.Case, error) {
	if err := ValidateTransition(p); err != nil {
		return court.Case{}, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return court.Case{}, fmt.Errorf("lawsuit: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var current court.State
	if err := tx.QueryRow(ctx, `SELECT state FROM cases WHERE id = $1 FOR UPDATE`, p.ID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return court.Case{}, court.ErrNotFound
		}
		return court.Case{}, fmt.Errorf("lawsuit: fetch current state: %w", err)
	}
	if current != p.From {
		return court.Case{}, court.ErrStaleState
	}

	if p.To == court.StateCancelled {
		var voted bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM votes WHERE case_id = $1)`, p.ID).Scan(&voted); err != nil {
			return court.Case{}, fmt.Errorf("lawsuit: check votes: %w", err)
		}
		if voted {
			return court.Case{}, court.ErrAlreadyVoting
		}
	}

	var (
		verdict  *string
		closedAt *time.Time
	)
	if p.To == court.StateClosed {
		v := string(p.Verdict)
		verdict = &v
		at := p.At
		closedAt = &at
	}

	updated, err := scanCase(tx.QueryRow(ctx, `
		UPDATE cases
		SET state = $2, verdict = $3, closed_at = $4, updated_at = $5
		WHERE id = $1
		RETURNING `+caseColumns, p.ID, string(p.To), verdict, closedAt, p.At))
	if err != nil {
		return court.Case{}, fmt.Errorf("lawsuit: update state: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO case_events (case_id, from_state, to_state, verdict, at)
		VALUES ($1,$2,$3,$4,$5)
	`, p.ID, string(p.From), string(p.To), verdict, p.At); err != nil {
		return court.Case{}, fmt.Errorf("lawsuit: insert timeline: %w", err)
	}

	if p.Outbox != nil {
		if _, err := tx.Exec(ctx, `
			INSERT INTO outbox (topic, payload)
			VALUES ($1, $2::jsonb)
		`, p.Outbox.Topic, string(p.Outbox.Payload)); err != nil {
			return court.Case{}, fmt.Errorf("lawsuit: enqueue outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return court.Case{}, fmt.Errorf("lawsuit: commit transition: %w", err)
	}
	return updated, nil
}

func (r *Repository) List(ctx context.Context, f Filter) ([]court.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases WHERE ($1 = '' OR guild_id = $1)`
	args := []any{f.GuildID}
	if len(f.States) > 0 {
		query += " AND state = ANY($2)"
		args = append(args, stateStrings(f.States))
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("lawsuit: list: %w", err)
	}
	defer rows.Close()

	out := make([]court.Case, 0, 8)
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("lawsuit: scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lawsuit: iterate: %w", err)
	}
	return out, nil
}

func scanCase(row pgx.Row) (court.Case, error) {
	var (
		c        court.Case
		windowMS int64
		closedAt *time.Time
	)
	err := row.Scan(&c.ID, &c.GuildID, &c.Subject, &c.Filer, &c.Reason,
		&c.Policy.Quorum, &c.Policy.Threshold, &c.Policy.EarlyCloseOnQuorum,
		&windowMS, &c.CreatedAt, &c.Deadline, &c.State, &c.Verdict, &closedAt)
	if err != nil {
		return court.Case{}, err
	}
	c.Window = time.Duration(windowMS) * time.Millisecond
	c.ClosedAt = closedAt
	return c, nil
}
