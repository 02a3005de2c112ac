//Package dbtest opens throwaway relay databases for tests, SQLite
//files by default and PostgreSQL containers where a test needs the
//postgres dialect
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/chris-pikul/envelope-relay/db"
)

//Open creates a fresh SQLite database with the relay schema inside
//the test's temp dir. It is closed when the test ends.
func Open(t testing.TB) *db.DB {
	t.Helper()
	return OpenPath(t, filepath.Join(t.TempDir(), "relay.db"))
}

//OpenPath opens (creating if needed) the database at path. Opening the
//same path twice gives two independent pools over one database, which
//is how tests stand in for two relay processes.
func OpenPath(t testing.TB, path string) *db.DB {
	t.Helper()
	d, err := db.Open(context.Background(), db.DriverSQLite, path)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

//OpenPostgres starts a throwaway PostgreSQL container and opens the
//relay schema on it, returning the DSN too for callers that need their
//own connections. The test is skipped when no container runtime is
//available or with -short.
func OpenPostgres(t *testing.T) (*db.DB, string) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("relay"),
		postgres.WithUsername("relay"),
		postgres.WithPassword("relay"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable", "application_name=relay-test")
	require.NoError(t, err)

	d, err := db.Open(ctx, db.DriverPostgres, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d, dsn
}
