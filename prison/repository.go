package prison

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Arrest(ctx context.Context, e Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	var caseID *string
	if e.CaseID != "" {
		caseID = &e.CaseID
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO prison_entries (guild_id, user_id, case_id, reason, arrested_at)
		VALUES ($1,$2,$3,$4,$5)
	`, e.GuildID, e.UserID, caseID, e.Reason, e.ArrestedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyImprisoned
		}
		return fmt.Errorf("prison: arrest: %w", err)
	}
	return nil
}

func (r *Repository) Release(ctx context.Context, guildID, userID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM prison_entries WHERE guild_id = $1 AND user_id = $2`, guildID, userID)
	if err != nil {
		return fmt.Errorf("prison: release: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotImprisoned
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, guildID, userID string) (Entry, error) {
	var e Entry
	err := r.pool.QueryRow(ctx, `
		SELECT guild_id, user_id, COALESCE(case_id, ''), reason, arrested_at
		FROM prison_entries WHERE guild_id = $1 AND user_id = $2
	`, guildID, userID).Scan(&e.GuildID, &e.UserID, &e.CaseID, &e.Reason, &e.ArrestedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrNotImprisoned
		}
		return Entry{}, fmt.Errorf("prison: get: %w", err)
	}
	return e, nil
}

func (r *Repository) List(ctx context.Context, guildID string) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT guild_id, user_id, COALESCE(case_id, ''), reason, arrested_at
		FROM prison_entries WHERE guild_id = $1
		ORDER BY arrested_at
	`, guildID)
	if err != nil {
		return nil, fmt.Errorf("prison: list: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, 8)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.GuildID, &e.UserID, &e.CaseID, &e.Reason, &e.ArrestedAt); err != nil {
			return nil, fmt.Errorf("prison: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("prison: iterate: %w", err)
	}
	return out, nil
}
