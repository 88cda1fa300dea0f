// Package storetest holds behaviour suites shared by every storage adapter.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lborres/gatekeep/core"
)

// RunSessionStore checks the core.SessionStore contract against a fresh store
// from newStore for every subtest.
func RunSessionStore(t *testing.T, newStore func(t *testing.T) core.SessionStore) {
	t.Helper()
	ctx := context.Background()

	entry := func(id string, ttl time.Duration) *core.SessionEntry {
		now := time.Now().UTC().Truncate(time.Millisecond)
		return &core.SessionEntry{ID: id, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	}

	t.Run("create and get", func(t *testing.T) {
		store := newStore(t)
		e := entry("s1", time.Hour)
		e.UserID = "u1"
		require.NoError(t, store.CreateSession(ctx, e))

		got, err := store.GetSession(ctx, "s1")
		require.NoError(t, err)
		require.Equal(t, "s1", got.ID)
		require.Equal(t, "u1", got.UserID)
		require.WithinDuration(t, e.ExpiresAt, got.ExpiresAt, time.Second)
	})

	t.Run("unknown and expired read as not found", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.CreateSession(ctx, entry("old", -time.Minute)))

		_, err := store.GetSession(ctx, "missing")
		require.ErrorIs(t, err, core.ErrSessionNotFound)
		_, err = store.GetSession(ctx, "old")
		require.ErrorIs(t, err, core.ErrSessionNotFound)
	})

	t.Run("delete removes entry and ceremonies", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.CreateSession(ctx, entry("s1", time.Hour)))
		require.NoError(t, store.PutCeremony(ctx, "s1", core.NewSecondFactorCeremony("u1", time.Now().Add(time.Minute))))

		require.NoError(t, store.DeleteSession(ctx, "s1"))
		require.NoError(t, store.DeleteSession(ctx, "s1"), "deleting twice is not an error")

		_, err := store.GetSession(ctx, "s1")
		require.ErrorIs(t, err, core.ErrSessionNotFound)
		_, err = store.GetCeremony(ctx, "s1", core.CeremonySecondFactor)
		require.ErrorIs(t, err, core.ErrCeremonyNotFound)
	})

	t.Run("ceremony needs a live session", func(t *testing.T) {
		store := newStore(t)
		err := store.PutCeremony(ctx, "missing", core.NewSecondFactorCeremony("u1", time.Now().Add(time.Minute)))
		require.ErrorIs(t, err, core.ErrSessionNotFound)
	})

	t.Run("one ceremony per kind", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.CreateSession(ctx, entry("s1", time.Hour)))
		exp := time.Now().Add(time.Minute)

		require.NoError(t, store.PutCeremony(ctx, "s1", core.NewRegistrationCeremony("u1", []byte(`{"n":1}`), exp)))
		require.NoError(t, store.PutCeremony(ctx, "s1", core.NewRegistrationCeremony("u1", []byte(`{"n":2}`), exp)))
		require.NoError(t, store.PutCeremony(ctx, "s1", core.NewAuthenticationCeremony([]byte(`{"a":1}`), exp)))

		reg, err := store.GetCeremony(ctx, "s1", core.CeremonyRegistration)
		require.NoError(t, err)
		require.Equal(t, core.CeremonyRegistration, reg.Kind)
		require.Equal(t, "u1", reg.UserID)
		require.JSONEq(t, `{"n":2}`, string(reg.Payload))

		auth, err := store.GetCeremony(ctx, "s1", core.CeremonyAuthentication)
		require.NoError(t, err)
		require.JSONEq(t, `{"a":1}`, string(auth.Payload))

		_, err = store.GetCeremony(ctx, "s1", core.CeremonyOAuth)
		require.ErrorIs(t, err, core.ErrCeremonyNotFound)
	})

	t.Run("take is single use", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.CreateSession(ctx, entry("s1", time.Hour)))
		require.NoError(t, store.PutCeremony(ctx, "s1", core.NewSecondFactorCeremony("u1", time.Now().Add(time.Minute))))

		got, err := store.TakeCeremony(ctx, "s1", core.CeremonySecondFactor)
		require.NoError(t, err)
		require.Equal(t, "u1", got.UserID)

		_, err = store.TakeCeremony(ctx, "s1", core.CeremonySecondFactor)
		require.ErrorIs(t, err, core.ErrCeremonyNotFound)
	})

	t.Run("expired ceremony reads as not found", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.CreateSession(ctx, entry("s1", time.Hour)))
		require.NoError(t, store.PutCeremony(ctx, "s1", core.NewSecondFactorCeremony("u1", time.Now().Add(-time.Second))))

		_, err := store.GetCeremony(ctx, "s1", core.CeremonySecondFactor)
		require.ErrorIs(t, err, core.ErrCeremonyNotFound)
		_, err = store.TakeCeremony(ctx, "s1", core.CeremonySecondFactor)
		require.ErrorIs(t, err, core.ErrCeremonyNotFound)
	})

	t.Run("concurrent take has one winner", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.CreateSession(ctx, entry("s1", time.Hour)))
		require.NoError(t, store.PutCeremony(ctx, "s1", core.NewAuthenticationCeremony([]byte(`{}`), time.Now().Add(time.Minute))))

		const callers = 16
		var (
			wins int32
			wg   sync.WaitGroup
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := store.TakeCeremony(ctx, "s1", core.CeremonyAuthentication); err == nil {
					atomic.AddInt32(&wins, 1)
				}
			}()
		}
		wg.Wait()

		require.EqualValues(t, 1, wins)
	})

	t.Run("delete expired", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.CreateSession(ctx, entry("live", time.Hour)))
		require.NoError(t, store.CreateSession(ctx, entry("dead", -time.Minute)))

		_, err := store.DeleteExpired(ctx, time.Now())
		require.NoError(t, err)

		_, err = store.GetSession(ctx, "live")
		require.NoError(t, err)
		_, err = store.GetSession(ctx, "dead")
		require.ErrorIs(t, err, core.ErrSessionNotFound)
	})
}
