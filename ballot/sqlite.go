package ballot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"courtbot/court"
)

// SQLiteLedger stores votes next to lawsuit.SQLiteStore in the same file.
type SQLiteLedger struct {
	db *sql.DB
}

func NewSQLiteLedger(db *sql.DB) *SQLiteLedger {
	return &SQLiteLedger{db: db}
}

func (l *SQLiteLedger) Record(ctx context.Context, caseID, voterID string, choice court.Choice, at time.Time) (Receipt, error) {
	if err := validateVote(caseID, voterID, choice); err != nil {
		return Receipt{}, err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Receipt{}, fmt.Errorf("ballot: sqlite begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var state string
	if err := tx.QueryRowContext(ctx, `SELECT state FROM cases WHERE id = ?`, caseID).Scan(&state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Receipt{}, court.ErrNotFound
		}
		return Receipt{}, fmt.Errorf("ballot: sqlite fetch case: %w", err)
	}
	if court.State(state) != court.StateVoting {
		return Receipt{}, court.ErrCaseClosed
	}

	var prev string
	err = tx.QueryRowContext(ctx, `SELECT choice FROM votes WHERE case_id = ? AND voter_id = ?`, caseID, voterID).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Receipt{}, fmt.Errorf("ballot: sqlite fetch previous vote: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO votes (case_id, voter_id, choice, cast_at)
		VALUES (?,?,?,?)
		ON CONFLICT (case_id, voter_id) DO UPDATE
		SET choice = excluded.choice, cast_at = excluded.cast_at
	`, caseID, voterID, string(choice), at.UnixNano()); err != nil {
		return Receipt{}, fmt.Errorf("ballot: sqlite upsert vote: %w", err)
	}

	tally, err := sqliteTally(ctx, tx, caseID)
	if err != nil {
		return Receipt{}, err
	}
	if err := tx.Commit(); err != nil {
		return Receipt{}, fmt.Errorf("ballot: sqlite commit: %w", err)
	}

	return Receipt{
		Vote:     court.Vote{CaseID: caseID, VoterID: voterID, Choice: choice, CastAt: at},
		Previous: court.Choice(prev),
		Tally:    tally,
	}, nil
}

func (l *SQLiteLedger) Tally(ctx context.Context, caseID string) (court.Tally, error) {
	if err := l.ensureCase(ctx, caseID); err != nil {
		return court.Tally{}, err
	}
	return sqliteTally(ctx, l.db, caseID)
}

func (l *SQLiteLedger) VoterCount(ctx context.Context, caseID string) (int, error) {
	if err := l.ensureCase(ctx, caseID); err != nil {
		return 0, err
	}
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM votes WHERE case_id = ?`, caseID).Scan(&n); err != nil {
		return 0, fmt.Errorf("ballot: sqlite count voters: %w", err)
	}
	return n, nil
}

func (l *SQLiteLedger) Votes(ctx context.Context, caseID string) ([]court.Vote, error) {
	if err := l.ensureCase(ctx, caseID); err != nil {
		return nil, err
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT case_id, voter_id, choice, cast_at FROM votes
		WHERE case_id = ? ORDER BY voter_id
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("ballot: sqlite list votes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []court.Vote
	for rows.Next() {
		var (
			v      court.Vote
			choice string
			castAt int64
		)
		if err := rows.Scan(&v.CaseID, &v.VoterID, &choice, &castAt); err != nil {
			return nil, fmt.Errorf("ballot: sqlite scan vote: %w", err)
		}
		v.Choice = court.Choice(choice)
		v.CastAt = time.Unix(0, castAt).UTC()
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ballot: sqlite iterate votes: %w", err)
	}
	return out, nil
}

func (l *SQLiteLedger) ensureCase(ctx context.Context, caseID string) error {
	var exists bool
	if err := l.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM cases WHERE id = ?)`, caseID).Scan(&exists); err != nil {
		return fmt.Errorf("ballot: sqlite check case: %w", err)
	}
	if !exists {
		return court.ErrNotFound
	}
	return nil
}

type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func sqliteTally(ctx context.Context, q sqlQuerier, caseID string) (court.Tally, error) {
	rows, err := q.QueryContext(ctx, `SELECT choice, COUNT(*) FROM votes WHERE case_id = ? GROUP BY choice`, caseID)
	if err != nil {
		return court.Tally{}, fmt.Errorf("ballot: sqlite tally: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var t court.Tally
	for rows.Next() {
		var (
			choice string
			n      int
		)
		if err := rows.Scan(&choice, &n); err != nil {
			return court.Tally{}, fmt.Errorf("ballot: sqlite scan tally: %w", err)
		}
		t = t.Add(court.Choice(choice), n)
	}
	if err := rows.Err(); err != nil {
		return court.Tally{}, fmt.Errorf("ballot: sqlite iterate tally: %w", err)
	}
	return t, nil
}
