package lawsuit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"courtbot/court"
)

const sqliteCaseColumns = `id, guild_id, subject, filer, reason, quorum, threshold, early_close,
	window_ms, created_at, deadline, state, COALESCE(verdict, ''), closed_at`

// SQLiteStore is the single-node case store. Times are stored as Unix
// nanoseconds. It has no outbox; notifications go straight to sinks.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore expects the schema from db.OpenSQLite.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Create(ctx context.Context, c court.Case) (court.Case, error) {
	if err := validateNew(c); err != nil {
		return court.Case{}, err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cases (id, guild_id, subject, filer, reason, quorum, threshold, early_close,
		                   window_ms, created_at, deadline, state)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
	`, c.ID, c.GuildID, c.Subject, c.Filer, c.Reason, c.Policy.Quorum, c.Policy.Threshold,
		c.Policy.EarlyCloseOnQuorum, c.Window.Milliseconds(), c.CreatedAt.UnixNano(), c.Deadline.UnixNano(), string(c.State))
	if err != nil {
		if isSQLiteConstraint(err) {
			return court.Case{}, court.ErrDuplicateCase
		}
		return court.Case{}, fmt.Errorf("lawsuit: sqlite create: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (court.Case, error) {
	c, err := scanSQLiteCase(s.db.QueryRowContext(ctx, `SELECT `+sqliteCaseColumns+` FROM cases WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return court.Case{}, court.ErrNotFound
		}
		return court.Case{}, fmt.Errorf("lawsuit: sqlite get: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) Transition(ctx context.Context, p TransitionParams) (court.Case, error) {
	if err := ValidateTransition(p); err != nil {
		return court.Case{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return court.Case{}, fmt.Errorf("lawsuit: sqlite begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current court.State
	if err := tx.QueryRowContext(ctx, `SELECT state FROM cases WHERE id = ?`, p.ID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return court.Case{}, court.ErrNotFound
		}
		return court.Case{}, fmt.Errorf("lawsuit: sqlite fetch state: %w", err)
	}
	if current != p.From {
		return court.Case{}, court.ErrStaleState
	}

	if p.To == court.StateCancelled {
		var voted bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM votes WHERE case_id = ?)`, p.ID).Scan(&voted); err != nil {
			return court.Case{}, fmt.Errorf("lawsuit: sqlite check votes: %w", err)
		}
		if voted {
			return court.Case{}, court.ErrAlreadyVoting
		}
	}

	var (
		verdict  sql.NullString
		closedAt sql.NullInt64
	)
	if p.To == court.StateClosed {
		verdict = sql.NullString{String: string(p.Verdict), Valid: true}
		closedAt = sql.NullInt64{Int64: p.At.UnixNano(), Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE cases SET state = ?, verdict = ?, closed_at = ?
		WHERE id = ? AND state = ?
	`, string(p.To), verdict, closedAt, p.ID, string(p.From))
	if err != nil {
		return court.Case{}, fmt.Errorf("lawsuit: sqlite update state: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return court.Case{}, court.ErrStaleState
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO case_events (case_id, from_state, to_state, verdict, at)
		VALUES (?,?,?,?,?)
	`, p.ID, string(p.From), string(p.To), verdict, p.At.UnixNano()); err != nil {
		return court.Case{}, fmt.Errorf("lawsuit: sqlite insert timeline: %w", err)
	}

	updated, err := scanSQLiteCase(tx.QueryRowContext(ctx, `SELECT `+sqliteCaseColumns+` FROM cases WHERE id = ?`, p.ID))
	if err != nil {
		return court.Case{}, fmt.Errorf("lawsuit: sqlite reload: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return court.Case{}, fmt.Errorf("lawsuit: sqlite commit: %w", err)
	}
	return updated, nil
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]court.Case, error) {
	query := `SELECT ` + sqliteCaseColumns + ` FROM cases WHERE (? = '' OR guild_id = ?)`
	args := []any{f.GuildID, f.GuildID}
	if len(f.States) > 0 {
		query += " AND state IN (?" + strings.Repeat(",?", len(f.States)-1) + ")"
		for _, st := range f.States {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("lawsuit: sqlite list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []court.Case
	for rows.Next() {
		c, err := scanSQLiteCase(rows)
		if err != nil {
			return nil, fmt.Errorf("lawsuit: sqlite scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lawsuit: sqlite iterate: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteCase(row rowScanner) (court.Case, error) {
	var (
		c                   court.Case
		windowMS            int64
		createdAt, deadline int64
		closedAt            sql.NullInt64
		state, verdict      string
	)
	err := row.Scan(&c.ID, &c.GuildID, &c.Subject, &c.Filer, &c.Reason,
		&c.Policy.Quorum, &c.Policy.Threshold, &c.Policy.EarlyCloseOnQuorum,
		&windowMS, &createdAt, &deadline, &state, &verdict, &closedAt)
	if err != nil {
		return court.Case{}, err
	}
	c.Window = time.Duration(windowMS) * time.Millisecond
	c.CreatedAt = time.Unix(0, createdAt).UTC()
	c.Deadline = time.Unix(0, deadline).UTC()
	c.State = court.State(state)
	c.Verdict = court.Verdict(verdict)
	if closedAt.Valid {
		at := time.Unix(0, closedAt.Int64).UTC()
		c.ClosedAt = &at
	}
	return c, nil
}

// isSQLiteConstraint matches primary key and unique violations. The driver
// reports them as text, e.g. "constraint failed: UNIQUE constraint failed".
func isSQLiteConstraint(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}
