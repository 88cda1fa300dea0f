package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/lborres/gatekeep/core"
)

func newUser(username string) *core.User {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &core.User{
		ID:          uuid.NewString(),
		Username:    username,
		DisplayName: username,
		Role:        core.RoleUser,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func newCredential(email string) *core.LocalCredential {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &core.LocalCredential{Email: email, PasswordHash: "hash", CreatedAt: now, UpdatedAt: now}
}

// seedUser creates a user with an email and password credential.
func seedUser(t *testing.T, store core.StorageAdapter, username string) *core.User {
	t.Helper()
	u := newUser(username)
	require.NoError(t, store.CreateUserWithCredential(context.Background(), u, newCredential(username+"@example.com")))
	return u
}

// RunStorage checks the core.StorageAdapter contract against a fresh, empty
// store from newStore for every subtest.
func RunStorage(t *testing.T, newStore func(t *testing.T) core.StorageAdapter) {
	t.Helper()
	ctx := context.Background()

	t.Run("user with credential", func(t *testing.T) {
		store := newStore(t)
		u := seedUser(t, store, "alice")

		got, err := store.GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		require.Equal(t, "alice", got.Username)
		require.Equal(t, core.RoleUser, got.Role)

		cred, err := store.GetCredentialByEmail(ctx, "alice@example.com")
		require.NoError(t, err)
		require.Equal(t, u.ID, cred.UserID)
		require.False(t, cred.EmailVerified)

		exists, err := store.UsernameExists(ctx, "alice")
		require.NoError(t, err)
		require.True(t, exists)

		methods, err := store.GetAuthMethods(ctx, u.ID)
		require.NoError(t, err)
		require.Equal(t, core.MethodPassword, methods)
	})

	t.Run("unique email and username", func(t *testing.T) {
		store := newStore(t)
		seedUser(t, store, "alice")

		err := store.CreateUserWithCredential(ctx, newUser("bob"), newCredential("alice@example.com"))
		require.ErrorIs(t, err, core.ErrEmailTaken)

		err = store.CreateUserWithCredential(ctx, newUser("alice"), newCredential("other@example.com"))
		require.ErrorIs(t, err, core.ErrUsernameTaken)

		exists, err := store.UsernameExists(ctx, "bob")
		require.NoError(t, err)
		require.False(t, exists, "a failed insert leaves no user behind")
	})

	t.Run("missing rows", func(t *testing.T) {
		store := newStore(t)
		_, err := store.GetUserByID(ctx, "missing")
		require.ErrorIs(t, err, core.ErrUserNotFound)
		_, err = store.GetCredentialByUserID(ctx, "missing")
		require.ErrorIs(t, err, core.ErrCredentialNotFound)
		_, err = store.GetExternalIdentityByEmail(ctx, "x@example.com")
		require.ErrorIs(t, err, core.ErrIdentityNotFound)
		_, err = store.GetTOTP(ctx, "missing")
		require.ErrorIs(t, err, core.ErrTOTPNotFound)
		_, err = store.GetPasskeyByCredentialID(ctx, []byte("missing"))
		require.ErrorIs(t, err, core.ErrPasskeyNotFound)
		_, err = store.GetSessionRecord(ctx, "u", "missing")
		require.ErrorIs(t, err, core.ErrSessionRecordNotFound)
	})

	t.Run("password and verification", func(t *testing.T) {
		store := newStore(t)
		u := seedUser(t, store, "alice")

		require.NoError(t, store.UpdatePasswordHash(ctx, u.ID, "new-hash"))
		require.ErrorIs(t, store.UpdatePasswordHash(ctx, "missing", "x"), core.ErrCredentialNotFound)

		require.NoError(t, store.SetVerificationToken(ctx, u.ID, "token-hash"))
		userID, err := store.VerifyEmailByToken(ctx, "token-hash")
		require.NoError(t, err)
		require.Equal(t, u.ID, userID)

		_, err = store.VerifyEmailByToken(ctx, "token-hash")
		require.ErrorIs(t, err, core.ErrCredentialNotFound, "tokens are single use")

		cred, err := store.GetCredentialByUserID(ctx, u.ID)
		require.NoError(t, err)
		require.True(t, cred.EmailVerified)
		require.Nil(t, cred.VerificationToken)
		require.Equal(t, "new-hash", cred.PasswordHash)
	})

	t.Run("identity users and later passwords", func(t *testing.T) {
		store := newStore(t)
		u := newUser("dana")
		link := &core.ExternalIdentity{ID: uuid.NewString(), Provider: "google", Email: "dana@example.com", CreatedAt: u.CreatedAt}
		require.NoError(t, store.CreateUserWithIdentity(ctx, u, link))

		got, err := store.GetExternalIdentityByEmail(ctx, "dana@example.com")
		require.NoError(t, err)
		require.Equal(t, u.ID, got.UserID)
		byUser, err := store.GetExternalIdentityByUserID(ctx, u.ID)
		require.NoError(t, err)
		require.Equal(t, link.ID, byUser.ID)

		methods, err := store.GetAuthMethods(ctx, u.ID)
		require.NoError(t, err)
		require.Equal(t, core.MethodOAuth, methods)

		cred := newCredential("dana@example.com")
		cred.UserID = u.ID
		require.NoError(t, store.CreateCredential(ctx, cred))
		require.ErrorIs(t, store.CreateCredential(ctx, cred), core.ErrPasswordAlreadySet)

		methods, err = store.GetAuthMethods(ctx, u.ID)
		require.NoError(t, err)
		require.True(t, methods.HasPassword())
	})

	t.Run("one owner per email across tables", func(t *testing.T) {
		store := newStore(t)
		dana := newUser("dana")
		link := &core.ExternalIdentity{ID: uuid.NewString(), Provider: "google", Email: "dana@example.com", CreatedAt: dana.CreatedAt}
		require.NoError(t, store.CreateUserWithIdentity(ctx, dana, link))
		seedUser(t, store, "alice")

		err := store.CreateUserWithCredential(ctx, newUser("eve"), newCredential("dana@example.com"))
		require.ErrorIs(t, err, core.ErrEmailTaken, "an identity email cannot be signed up")

		other := &core.ExternalIdentity{ID: uuid.NewString(), Provider: "github", Email: "dana@example.com", CreatedAt: dana.CreatedAt}
		err = store.CreateUserWithIdentity(ctx, newUser("dana2"), other)
		require.ErrorIs(t, err, core.ErrEmailTaken, "a second provider cannot claim the email")

		other = &core.ExternalIdentity{ID: uuid.NewString(), Provider: "github", Email: "alice@example.com", CreatedAt: dana.CreatedAt}
		err = store.CreateUserWithIdentity(ctx, newUser("alice2"), other)
		require.ErrorIs(t, err, core.ErrEmailTaken, "a credential email cannot be linked to a new user")

		frank := newUser("frank")
		frankLink := &core.ExternalIdentity{ID: uuid.NewString(), Provider: "github", Email: "frank@example.com", CreatedAt: frank.CreatedAt}
		require.NoError(t, store.CreateUserWithIdentity(ctx, frank, frankLink))
		cred := newCredential("dana@example.com")
		cred.UserID = frank.ID
		require.ErrorIs(t, store.CreateCredential(ctx, cred), core.ErrEmailTaken, "only the identity owner may reuse its email")
		cred = newCredential("alice@example.com")
		cred.UserID = frank.ID
		require.ErrorIs(t, store.CreateCredential(ctx, cred), core.ErrEmailTaken)

		for _, username := range []string{"eve", "dana2", "alice2"} {
			exists, err := store.UsernameExists(ctx, username)
			require.NoError(t, err)
			require.False(t, exists, "a rejected claim leaves no user behind")
		}

		got, err := store.GetExternalIdentityByEmail(ctx, "dana@example.com")
		require.NoError(t, err)
		require.Equal(t, dana.ID, got.UserID)
		require.Equal(t, "google", got.Provider)
	})

	t.Run("totp lifecycle", func(t *testing.T) {
		store := newStore(t)
		u := seedUser(t, store, "alice")

		require.ErrorIs(t, store.EnableTOTP(ctx, u.ID, []string{"a"}), core.ErrTOTPNotFound)

		require.NoError(t, store.PutPendingTOTP(ctx, u.ID, "first"))
		require.NoError(t, store.PutPendingTOTP(ctx, u.ID, "second"))
		secret, err := store.GetTOTP(ctx, u.ID)
		require.NoError(t, err)
		require.Equal(t, "second", secret.Secret)
		require.Equal(t, core.TOTPPendingEnable, secret.State())

		require.NoError(t, store.EnableTOTP(ctx, u.ID, []string{"h1", "h2", "h3"}))
		secret, err = store.GetTOTP(ctx, u.ID)
		require.NoError(t, err)
		require.Equal(t, core.TOTPEnabled, secret.State())

		codes, err := store.ListUnusedBackupCodes(ctx, u.ID)
		require.NoError(t, err)
		require.Len(t, codes, 3)

		ok, err := store.ConsumeBackupCode(ctx, codes[0].ID, time.Now())
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = store.ConsumeBackupCode(ctx, codes[0].ID, time.Now())
		require.NoError(t, err)
		require.False(t, ok, "a used code cannot be consumed again")

		n, err := store.CountUnusedBackupCodes(ctx, u.ID)
		require.NoError(t, err)
		require.Equal(t, 2, n)

		require.NoError(t, store.ReplaceBackupCodes(ctx, u.ID, []string{"h4"}))
		n, err = store.CountUnusedBackupCodes(ctx, u.ID)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		require.NoError(t, store.DeleteTOTP(ctx, u.ID))
		_, err = store.GetTOTP(ctx, u.ID)
		require.ErrorIs(t, err, core.ErrTOTPNotFound)
		n, err = store.CountUnusedBackupCodes(ctx, u.ID)
		require.NoError(t, err)
		require.Zero(t, n)
	})

	t.Run("concurrent backup code consume has one winner", func(t *testing.T) {
		store := newStore(t)
		u := seedUser(t, store, "alice")
		require.NoError(t, store.PutPendingTOTP(ctx, u.ID, "secret"))
		require.NoError(t, store.EnableTOTP(ctx, u.ID, []string{"h1"}))
		codes, err := store.ListUnusedBackupCodes(ctx, u.ID)
		require.NoError(t, err)
		require.Len(t, codes, 1)

		const callers = 8
		var (
			wins int32
			wg   sync.WaitGroup
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if ok, err := store.ConsumeBackupCode(ctx, codes[0].ID, time.Now()); err == nil && ok {
					atomic.AddInt32(&wins, 1)
				}
			}()
		}
		wg.Wait()

		require.EqualValues(t, 1, wins)
	})

	t.Run("passkeys", func(t *testing.T) {
		store := newStore(t)
		u := seedUser(t, store, "alice")
		now := time.Now().UTC().Truncate(time.Millisecond)

		p := &core.PasskeyCredential{
			ID: uuid.NewString(), UserID: u.ID, CredentialID: []byte{1, 2, 3},
			Credential: []byte(`{"v":1}`), SignCount: 5, Name: "laptop", CreatedAt: now,
		}
		require.NoError(t, store.CreatePasskey(ctx, p))

		dup := *p
		dup.ID = uuid.NewString()
		require.ErrorIs(t, store.CreatePasskey(ctx, &dup), core.ErrPasskeyExists)

		got, err := store.GetPasskeyByCredentialID(ctx, []byte{1, 2, 3})
		require.NoError(t, err)
		require.Equal(t, p.ID, got.ID)
		require.EqualValues(t, 5, got.SignCount)
		require.Nil(t, got.LastUsedAt)

		updated, err := store.UpdatePasskeyUsage(ctx, p.ID, []byte(`{"v":2}`), 4, 9, now)
		require.NoError(t, err)
		require.False(t, updated, "a stale counter must not update")
		updated, err = store.UpdatePasskeyUsage(ctx, p.ID, []byte(`{"v":2}`), 5, 9, now)
		require.NoError(t, err)
		require.True(t, updated)

		mine, err := store.ListPasskeysByUser(ctx, u.ID)
		require.NoError(t, err)
		require.Len(t, mine, 1)
		require.EqualValues(t, 9, mine[0].SignCount)
		require.NotNil(t, mine[0].LastUsedAt)

		all, err := store.ListAllPasskeys(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)

		methods, err := store.GetAuthMethods(ctx, u.ID)
		require.NoError(t, err)
		require.True(t, methods.Has(core.MethodPasskey))

		require.ErrorIs(t, store.DeletePasskey(ctx, "someone-else", p.ID), core.ErrPasskeyNotFound)
		require.NoError(t, store.DeletePasskey(ctx, u.ID, p.ID))
		require.ErrorIs(t, store.DeletePasskey(ctx, u.ID, p.ID), core.ErrPasskeyNotFound)
	})

	t.Run("session records", func(t *testing.T) {
		store := newStore(t)
		u := seedUser(t, store, "alice")
		other := seedUser(t, store, "bob")
		base := time.Now().UTC().Truncate(time.Millisecond)

		record := func(userID, sessionID string, lastActive, expires time.Time) *core.SessionRecord {
			return &core.SessionRecord{
				ID: uuid.NewString(), UserID: userID, SessionID: sessionID,
				UserAgent: "agent", IPAddress: "198.51.100.1",
				LastActiveAt: lastActive, ExpiresAt: expires, CreatedAt: lastActive,
			}
		}

		for i, id := range []string{"s1", "s2", "s3"} {
			require.NoError(t, store.UpsertSessionRecord(ctx, record(u.ID, id, base.Add(time.Duration(i)*time.Minute), base.Add(time.Hour))))
		}
		require.NoError(t, store.UpsertSessionRecord(ctx, record(other.ID, "theirs", base, base.Add(time.Hour))))

		refreshed := record(u.ID, "s1", base.Add(10*time.Minute), base.Add(time.Hour))
		refreshed.IPAddress = "198.51.100.9"
		require.NoError(t, store.UpsertSessionRecord(ctx, refreshed))

		list, err := store.ListSessionRecords(ctx, u.ID)
		require.NoError(t, err)
		require.Len(t, list, 3, "an upsert keeps one record per session")
		require.Equal(t, "s1", list[0].SessionID)
		require.Equal(t, "198.51.100.9", list[0].IPAddress)

		_, err = store.GetSessionRecord(ctx, other.ID, list[0].ID)
		require.ErrorIs(t, err, core.ErrSessionRecordNotFound)
		require.ErrorIs(t, store.DeleteSessionRecord(ctx, other.ID, list[0].ID), core.ErrSessionRecordNotFound)

		removed, err := store.DeleteOtherSessionRecords(ctx, u.ID, "s1")
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"s2", "s3"}, removed)

		require.NoError(t, store.DeleteSessionRecordBySessionID(ctx, "s1"))
		list, err = store.ListSessionRecords(ctx, u.ID)
		require.NoError(t, err)
		require.Empty(t, list)

		require.NoError(t, store.UpsertSessionRecord(ctx, record(u.ID, "dead", base, base.Add(-time.Minute))))
		n, err := store.DeleteExpiredSessionRecords(ctx, base)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		theirs, err := store.ListSessionRecords(ctx, other.ID)
		require.NoError(t, err)
		require.Len(t, theirs, 1, "live records survive pruning")
	})
}
