package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/cepmail/backend/internal/migrate"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const postgresImage = "postgres:16-alpine"

// Test binaries run from their package directory, so the schema is
// searched for upwards.
var migrationDirs = []string{
	"migrations",
	"../migrations",
	"../../migrations",
	"../../../migrations",
}

// startPostgres runs a disposable Postgres container for t and returns its DSN.
func startPostgres(ctx context.Context, t *testing.T) string {
	t.Helper()

	// Postgres logs readiness twice: once for the init server, once for the real one.
	ready := wait.ForLog("database system is ready to accept connections").
		WithOccurrence(2).
		WithStartupTimeout(time.Minute)

	container, err := postgres.Run(ctx, postgresImage,
		postgres.WithDatabase("cepmail_test"),
		postgres.WithUsername("cepmail"),
		postgres.WithPassword("cepmail"),
		testcontainers.WithWaitStrategy(ready),
	)
	if err != nil {
		t.Fatalf("Postgres container did not start: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Errorf("Postgres container did not stop: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Postgres container has no DSN: %v", err)
	}
	return dsn
}

// NewTestDB returns a pool on a fresh, fully migrated database. Both the
// pool and the container are released when the test finishes.
func NewTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	ctx := context.Background()
	cfg, err := pgxpool.ParseConfig(startPostgres(ctx, t))
	if err != nil {
		t.Fatalf("bad test DSN: %v", err)
	}
	// Room for the test itself plus any poller goroutines it starts.
	cfg.MaxConns = 8

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("test pool: %v", err)
	}
	t.Cleanup(pool.Close)

	dir, err := migrate.FindDir(migrationDirs...)
	if err != nil {
		t.Fatalf("schema not found: %v", err)
	}
	if _, err := migrate.Run(ctx, pool, dir); err != nil {
		t.Fatalf("schema did not apply: %v", err)
	}
	return pool
}
