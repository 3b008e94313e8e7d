package ballot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"courtbot/court"
)

// Repository is the Postgres vote ledger. Record locks the case row, so
// votes and lifecycle transitions on one case are serialized by the
// database even across processes.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Record(ctx context.Context, caseID, voterID string, choice court.Choice, at time.Time) (Receipt, error) {
	if err := validateVote(caseID, voterID, choice); err != nil {
		return Receipt{}, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Receipt{}, fmt.Errorf("ballot: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var state court.State
	if err := tx.QueryRow(ctx, `SELECT state FROM cases WHERE id = $1 FOR NO KEY UPDATE`, caseID).Scan(&state); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Receipt{}, court.ErrNotFound
		}
		return Receipt{}, fmt.Errorf("ballot: fetch case: %w", err)
	}
	if state != court.StateVoting {
		return Receipt{}, court.ErrCaseClosed
	}

	var prev court.Choice
	err = tx.QueryRow(ctx, `SELECT choice FROM votes WHERE case_id = $1 AND voter_id = $2`, caseID, voterID).Scan(&prev)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Receipt{}, fmt.Errorf("ballot: fetch previous vote: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO votes (case_id, voter_id, choice, cast_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (case_id, voter_id) DO UPDATE
		SET choice = EXCLUDED.choice, cast_at = EXCLUDED.cast_at
	`, caseID, voterID, string(choice), at); err != nil {
		return Receipt{}, fmt.Errorf("ballot: upsert vote: %w", err)
	}

	tally, err := tallyQuery(ctx, tx, caseID)
	if err != nil {
		return Receipt{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Receipt{}, fmt.Errorf("ballot: commit vote: %w", err)
	}
	return Receipt{
		Vote:     court.Vote{CaseID: caseID, VoterID: voterID, Choice: choice, CastAt: at},
		Previous: prev,
		Tally:    tally,
	}, nil
}

func (r *Repository) Tally(ctx context.Context, caseID string) (court.Tally, error) {
	if err := r.ensureCase(ctx, caseID); err != nil {
		return court.Tally{}, err
	}
	return tallyQuery(ctx, r.pool, caseID)
}

func (r *Repository) VoterCount(ctx context.Context, caseID string) (int, error) {
	if err := r.ensureCase(ctx, caseID); err != nil {
		return 0, err
	}
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM votes WHERE case_id = $1`, caseID).Scan(&n); err != nil {
		return 0, fmt.Errorf("ballot: count voters: %w", err)
	}
	return n, nil
}

func (r *Repository) Votes(ctx context.Context, caseID string) ([]court.Vote, error) {
	if err := r.ensureCase(ctx, caseID); err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT case_id, voter_id, choice, cast_at
		FROM votes WHERE case_id = $1
		ORDER BY voter_id
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("ballot: list votes: %w", err)
	}
	defer rows.Close()

	out := make([]court.Vote, 0, 16)
	for rows.Next() {
		var v court.Vote
		if err := rows.Scan(&v.CaseID, &v.VoterID, &v.Choice, &v.CastAt); err != nil {
			return nil, fmt.Errorf("ballot: scan vote: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ballot: iterate votes: %w", err)
	}
	return out, nil
}

func (r *Repository) ensureCase(ctx context.Context, caseID string) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM cases WHERE id = $1)`, caseID).Scan(&exists); err != nil {
		return fmt.Errorf("ballot: check case: %w", err)
	}
	if !exists {
		return court.ErrNotFound
	}
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// tallyQuery counts in one statement so the result is a consistent snapshot.
func tallyQuery(ctx context.Context, q querier, caseID string) (court.Tally, error) {
	rows, err := q.Query(ctx, `SELECT choice, COUNT(*) FROM votes WHERE case_id = $1 GROUP BY choice`, caseID)
	if err != nil {
		return court.Tally{}, fmt.Errorf("ballot: tally: %w", err)
	}
	defer rows.Close()

	var t court.Tally
	for rows.Next() {
		var (
			choice court.Choice
			n      int
		)
		if err := rows.Scan(&choice, &n); err != nil {
			return court.Tally{}, fmt.Errorf("ballot: scan tally: %w", err)
		}
		t = t.Add(choice, n)
	}
	if err := rows.Err(); err != nil {
		return court.Tally{}, fmt.Errorf("ballot: iterate tally: %w", err)
	}
	return t, nil
}
