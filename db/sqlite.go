package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (or creates) a SQLite database and applies the embedded
// schema. Use ":memory:" for a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	dsn := path
	if path == ":memory:" {
		dsn = "file::memory:"
	}
	conn, err := sql.Open("sqlite", dsn+sqlitePragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("db: open sqlite: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps an
	// in-memory database alive and shared.
	conn.SetMaxOpenConns(1)

	if err := MigrateSQLite(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func sqlitePragmas(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// MigrateSQLite applies every embedded SQLite migration.
func MigrateSQLite(ctx context.Context, conn *sql.DB) error {
	migrations, err := SQLiteMigrations()
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if _, err := conn.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("db: apply sqlite %s: %w", m.Name, err)
		}
	}
	return nil
}
