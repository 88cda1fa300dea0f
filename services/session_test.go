package services

import (
	"context"
	"testing"
	"time"

	"github.com/lborres/gatekeep/core"
	"github.com/lborres/gatekeep/pkg/cache"
	"github.com/lborres/gatekeep/pkg/crypto"
)

func newTestSessionManager() (*SessionManager, *cache.MemorySessionStore) {
	store := cache.NewMemorySessionStore(cache.Config{})
	return NewSessionManager(core.SessionConfig{MaxAge: time.Hour, CeremonyTTL: 5 * time.Minute}, store), store
}

// Requirement: Start creates an anonymous entry stored under the token hash.
func TestSessionManager_Start(t *testing.T) {
	// Arrange
	ctx := context.Background()
	manager, store := newTestSessionManager()

	// Act
	token, err := manager.Start(ctx)

	// Assert
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if token.Token == "" {
		t.Fatal("Start() should return a cookie token")
	}
	if token.Entry.ID != crypto.HashToken(token.Token) {
		t.Error("entry id should be the hash of the token")
	}
	if token.Entry.Authenticated() {
		t.Error("a started session should have no principal")
	}
	if got := token.Entry.ExpiresAt.Sub(token.Entry.CreatedAt); got != time.Hour {
		t.Errorf("session lifetime = %v, want %v", got, time.Hour)
	}
	if _, err := store.GetSession(ctx, token.Entry.ID); err != nil {
		t.Errorf("entry should be stored: %v", err)
	}
}

// Requirement: Resolve maps tokens to live entries and rejects everything else.
func TestSessionManager_Resolve(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		token   func(t *testing.T, m *SessionManager) string
		advance time.Duration
		wantErr error
	}{
		{
			name: "live token",
			token: func(t *testing.T, m *SessionManager) string {
				tok, err := m.Start(ctx)
				if err != nil {
					t.Fatal(err)
				}
				return tok.Token
			},
		},
		{
			name:    "empty token",
			token:   func(*testing.T, *SessionManager) string { return "" },
			wantErr: core.ErrInvalidToken,
		},
		{
			name:    "unknown token",
			token:   func(*testing.T, *SessionManager) string { return "never-issued" },
			wantErr: core.ErrSessionNotFound,
		},
		{
			name: "expired entry",
			token: func(t *testing.T, m *SessionManager) string {
				tok, err := m.Start(ctx)
				if err != nil {
					t.Fatal(err)
				}
				return tok.Token
			},
			advance: 2 * time.Hour,
			wantErr: core.ErrSessionExpired,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			// Arrange
			manager, _ := newTestSessionManager()
			token := test.token(t, manager)
			if test.advance > 0 {
				later := time.Now().Add(test.advance)
				manager.now = func() time.Time { return later }
			}

			// Act
			entry, err := manager.Resolve(ctx, token)

			// Assert
			if test.wantErr != nil {
				assertErrorIs(t, err, test.wantErr)
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if entry.ID != crypto.HashToken(token) {
				t.Error("Resolve() returned the wrong entry")
			}
		})
	}
}

// Requirement: Establish issues a new session id for the login and drops the
// session that came before it.
func TestSessionManager_Establish(t *testing.T) {
	// Arrange
	ctx := context.Background()
	manager, store := newTestSessionManager()
	anon, err := manager.Start(ctx)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Act
	token, err := manager.Establish(ctx, anon.Entry.ID, "user-1")

	// Assert
	if err != nil {
		t.Fatalf("Establish() error = %v", err)
	}
	if token.Entry.ID == anon.Entry.ID {
		t.Fatal("Establish() should rotate the session id")
	}
	if token.Entry.UserID != "user-1" {
		t.Errorf("principal = %q, want user-1", token.Entry.UserID)
	}
	if _, err := store.GetSession(ctx, anon.Entry.ID); err == nil {
		t.Error("previous session should be deleted")
	}
	if _, err := manager.Resolve(ctx, anon.Token); err == nil {
		t.Error("previous token should no longer resolve")
	}
}

// Requirement: ceremonies never outlive the session holding them.
func TestSessionManager_CeremonyExpiry(t *testing.T) {
	// Arrange
	manager, _ := newTestSessionManager()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	manager.now = func() time.Time { return now }

	tests := []struct {
		name  string
		entry *core.SessionEntry
		want  time.Time
	}{
		{name: "long lived session", entry: &core.SessionEntry{ExpiresAt: now.Add(time.Hour)}, want: now.Add(5 * time.Minute)},
		{name: "session ending soon", entry: &core.SessionEntry{ExpiresAt: now.Add(time.Minute)}, want: now.Add(time.Minute)},
		{name: "no session", entry: nil, want: now.Add(5 * time.Minute)},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			if got := manager.CeremonyExpiry(test.entry); !got.Equal(test.want) {
				t.Errorf("CeremonyExpiry() = %v, want %v", got, test.want)
			}
		})
	}
}

// Requirement: Destroy needs a session id.
func TestSessionManager_Destroy(t *testing.T) {
	ctx := context.Background()
	manager, store := newTestSessionManager()

	assertErrorIs(t, manager.Destroy(ctx, ""), core.ErrSessionNotFound)

	token, err := manager.Start(ctx)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := manager.Destroy(ctx, token.Entry.ID); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("store should be empty, has %d entries", store.Len())
	}
}
