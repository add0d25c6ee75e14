package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/choiros/choird/pkg/config"
	"github.com/choiros/choird/pkg/events"
)

// TestPostgresStore exercises the postgres dialect end to end in a container:
// migrations, placeholder rebinding, append, and rebuild. Set
// CHOIR_TEST_POSTGRES=1 to enable; it needs a Docker daemon.
func TestPostgresStore(t *testing.T) {
	if os.Getenv("CHOIR_TEST_POSTGRES") == "" {
		t.Skip("set CHOIR_TEST_POSTGRES=1 to run postgres integration tests")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("choir"),
		tcpostgres.WithUsername("choir"),
		tcpostgres.WithPassword("choir"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := Open(ctx, config.DatabaseConfig{
		Driver:       DriverPostgres,
		DSN:          dsn,
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	}, "testuser")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	version, dirty, err := MigrationVersion(s.DB(), DriverPostgres)
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.GreaterOrEqual(t, version, uint(1))

	seq, err := s.Append(ctx, events.TypeFileWrite, map[string]any{
		"path": "main.go", "content_hash": "deadbeef",
	}, events.SourceAgent)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	file, err := s.GetFile(ctx, "main.go")
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", file.ContentHash)

	count, err := s.RebuildProjections(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRebindConvertsPlaceholdersForPostgres(t *testing.T) {
	s := &Store{driver: DriverPostgres}
	assert.Equal(t, `SELECT value FROM sync_state WHERE key = $1 AND value != $2`,
		s.rebind(`SELECT value FROM sync_state WHERE key = ? AND value != ?`))

	s = &Store{driver: DriverSQLite}
	assert.Equal(t, `SELECT 1 WHERE a = ?`, s.rebind(`SELECT 1 WHERE a = ?`))
}
