package prison

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type SQLiteRegistry struct {
	db *sql.DB
}

func NewSQLiteRegistry(db *sql.DB) *SQLiteRegistry {
	return &SQLiteRegistry{db: db}
}

func (r *SQLiteRegistry) Arrest(ctx context.Context, e Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	caseID := sql.NullString{String: e.CaseID, Valid: e.CaseID != ""}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO prison_entries (guild_id, user_id, case_id, reason, arrested_at)
		VALUES (?,?,?,?,?)
	`, e.GuildID, e.UserID, caseID, e.Reason, e.ArrestedAt.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyImprisoned
		}
		return fmt.Errorf("prison: sqlite arrest: %w", err)
	}
	return nil
}

func (r *SQLiteRegistry) Release(ctx context.Context, guildID, userID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM prison_entries WHERE guild_id = ? AND user_id = ?`, guildID, userID)
	if err != nil {
		return fmt.Errorf("prison: sqlite release: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotImprisoned
	}
	return nil
}

func (r *SQLiteRegistry) Get(ctx context.Context, guildID, userID string) (Entry, error) {
	e, err := scanEntry(r.db.QueryRowContext(ctx, `
		SELECT guild_id, user_id, COALESCE(case_id, ''), reason, arrested_at
		FROM prison_entries WHERE guild_id = ? AND user_id = ?
	`, guildID, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotImprisoned
		}
		return Entry{}, fmt.Errorf("prison: sqlite get: %w", err)
	}
	return e, nil
}

func (r *SQLiteRegistry) List(ctx context.Context, guildID string) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT guild_id, user_id, COALESCE(case_id, ''), reason, arrested_at
		FROM prison_entries WHERE guild_id = ? ORDER BY arrested_at
	`, guildID)
	if err != nil {
		return nil, fmt.Errorf("prison: sqlite list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("prison: sqlite scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(row interface{ Scan(...any) error }) (Entry, error) {
	var (
		e  Entry
		at int64
	)
	if err := row.Scan(&e.GuildID, &e.UserID, &e.CaseID, &e.Reason, &at); err != nil {
		return Entry{}, err
	}
	e.ArrestedAt = time.Unix(0, at).UTC()
	return e, nil
}
