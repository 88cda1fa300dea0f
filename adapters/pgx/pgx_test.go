package pgx

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/lborres/gatekeep/core"
	"github.com/lborres/gatekeep/internal/storetest"
)

// testPool connects to GATEKEEP_TEST_POSTGRES_DSN, migrates and empties every
// table. Tests skip when the variable is unset.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("GATEKEEP_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("GATEKEEP_TEST_POSTGRES_DSN is not set")
	}

	ctx := context.Background()
	pool, err := Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))
	_, err = pool.Exec(ctx, `TRUNCATE users, sessions CASCADE`)
	require.NoError(t, err)
	return pool
}

func TestAdapter_Storage(t *testing.T) {
	storetest.RunStorage(t, func(t *testing.T) core.StorageAdapter {
		return New(testPool(t))
	})
}

func TestSessionStore(t *testing.T) {
	storetest.RunSessionStore(t, func(t *testing.T) core.SessionStore {
		return NewSessionStore(testPool(t))
	})
}

func TestMigrate_Idempotent(t *testing.T) {
	pool := testPool(t)
	require.NoError(t, Migrate(context.Background(), pool))
}
