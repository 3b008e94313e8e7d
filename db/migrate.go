package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed migrations/*.sql
var postgresMigrations embed.FS

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

// PGExecer is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type PGExecer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Migration is one embedded schema file.
type Migration struct {
	Name string
	SQL  string
}

// PostgresMigrations returns the Postgres schema files in apply order.
func PostgresMigrations() ([]Migration, error) {
	return load(postgresMigrations, "migrations")
}

// SQLiteMigrations returns the SQLite schema files in apply order.
func SQLiteMigrations() ([]Migration, error) {
	return load(sqliteMigrations, "migrations/sqlite")
}

func load(fsys embed.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("db: read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []Migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		data, err := fs.ReadFile(fsys, dir+"/"+e.Name())
		if err != nil {
			return nil, fmt.Errorf("db: read %s: %w", e.Name(), err)
		}
		out = append(out, Migration{Name: e.Name(), SQL: string(data)})
	}
	return out, nil
}

// MigratePostgres applies every embedded Postgres migration. The schema is
// idempotent so re-running on start-up is safe.
func MigratePostgres(ctx context.Context, db PGExecer) error {
	migrations, err := PostgresMigrations()
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if _, err := db.Exec(ctx, m.SQL); err != nil {
			return fmt.Errorf("db: apply %s: %w", m.Name, err)
		}
	}
	return nil
}
