// Package migrate applies the SQL files in migrations/ to a database, each exactly once.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// lockID serializes concurrent migration runs, e.g. the server and syncmail starting together.
const lockID = 0x63657030

// Migration is one forward schema change read from a NNN_name.up.sql file.
type Migration struct {
	Name string
	SQL  string
}

// FindDir returns the first of candidates that is a directory.
func FindDir(candidates ...string) (string, error) {
	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("migrations directory not found. Tried: %v", candidates)
}

// Load reads every .up.sql file of dir, ordered by filename.
func Load(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", path, err)
		}
		migrations = append(migrations, Migration{Name: entry.Name(), SQL: string(content)})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Name < migrations[j].Name
	})
	return migrations, nil
}

// Apply runs the migrations not yet recorded in schema_migrations and returns their names.
// Each migration commits in its own transaction together with its bookkeeping row.
func Apply(ctx context.Context, pool *pgxpool.Pool, migrations []Migration) ([]string, error) {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name       TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var applied []string
	for _, migration := range migrations {
		ran, err := applyOne(ctx, pool, migration)
		if err != nil {
			return applied, err
		}
		if ran {
			applied = append(applied, migration.Name)
		}
	}
	return applied, nil
}

func applyOne(ctx context.Context, pool *pgxpool.Pool, migration Migration) (bool, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin migration %s: %w", migration.Name, err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, lockID); err != nil {
		return false, fmt.Errorf("failed to lock for migration %s: %w", migration.Name, err)
	}

	var appliedName string
	err = tx.QueryRow(ctx, `SELECT name FROM schema_migrations WHERE name = $1`, migration.Name).Scan(&appliedName)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("failed to check migration %s: %w", migration.Name, err)
	}

	if _, err := tx.Exec(ctx, migration.SQL); err != nil {
		return false, fmt.Errorf("failed to execute migration %s: %w", migration.Name, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, migration.Name); err != nil {
		return false, fmt.Errorf("failed to record migration %s: %w", migration.Name, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit migration %s: %w", migration.Name, err)
	}
	return true, nil
}

// Run loads dir and applies what is missing.
func Run(ctx context.Context, pool *pgxpool.Pool, dir string) ([]string, error) {
	migrations, err := Load(dir)
	if err != nil {
		return nil, err
	}
	return Apply(ctx, pool, migrations)
}
