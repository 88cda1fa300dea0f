package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lborres/gatekeep/core"
	"github.com/lborres/gatekeep/internal/storetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "gatekeep.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_Storage(t *testing.T) {
	storetest.RunStorage(t, func(t *testing.T) core.StorageAdapter {
		return openTestStore(t)
	})
}

func TestSessionStore(t *testing.T) {
	storetest.RunSessionStore(t, func(t *testing.T) core.SessionStore {
		return openTestStore(t).Sessions()
	})
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "  ")
	require.Error(t, err)
}

func TestOpen_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "gatekeep.db")

	first, err := Open(ctx, path)
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, first.Sessions().CreateSession(ctx, &core.SessionEntry{ID: "s1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, first.Close())

	second, err := Open(ctx, path)
	require.NoError(t, err, "migrations are not reapplied")
	t.Cleanup(func() { _ = second.Close() })

	got, err := second.Sessions().GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "s1", got.ID)
}

func TestSessionStore_DeleteCascadesCeremonies(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	sessions := store.Sessions()
	now := time.Now().UTC()

	require.NoError(t, sessions.CreateSession(ctx, &core.SessionEntry{ID: "s1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, sessions.PutCeremony(ctx, "s1", core.NewOAuthCeremony([]byte(`{}`), now.Add(time.Minute))))
	require.NoError(t, sessions.DeleteSession(ctx, "s1"))

	var n int
	require.NoError(t, store.db.QueryRowContext(ctx, `SELECT count(*) FROM session_ceremonies`).Scan(&n))
	require.Zero(t, n)
}
