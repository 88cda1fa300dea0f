package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lborres/gatekeep/core"
	"github.com/lborres/gatekeep/pkg/crypto"
)

// SessionManager maps cookie tokens to session store entries. The store only ever
// sees the sha256 of a token, so a leaked store does not yield usable cookies.
type SessionManager struct {
	config core.SessionConfig
	store  core.SessionStore
	now    func() time.Time
}

func NewSessionManager(config core.SessionConfig, store core.SessionStore) *SessionManager {
	if config.MaxAge <= 0 {
		config.MaxAge = core.DefaultSessionMaxAge
	}
	if config.CeremonyTTL <= 0 {
		config.CeremonyTTL = core.DefaultCeremonyTTL
	}
	return &SessionManager{config: config, store: store, now: time.Now}
}

// Start creates an anonymous session.
func (sm *SessionManager) Start(ctx context.Context) (*core.SessionToken, error) {
	return sm.create(ctx, "")
}

// Establish creates a session whose principal is userID and drops previousID, so a
// session id seen before login is never the one that carries the login.
func (sm *SessionManager) Establish(ctx context.Context, previousID, userID string) (*core.SessionToken, error) {
	token, err := sm.create(ctx, userID)
	if err != nil {
		return nil, err
	}
	if previousID != "" {
		if err := sm.store.DeleteSession(ctx, previousID); err != nil {
			return nil, fmt.Errorf("failed to drop previous session: %w", err)
		}
	}
	return token, nil
}

func (sm *SessionManager) create(ctx context.Context, userID string) (*core.SessionToken, error) {
	pair, err := crypto.GenerateHashedToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session token: %w", err)
	}

	now := sm.now().UTC()
	entry := &core.SessionEntry{
		ID:        pair.Hash,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(sm.config.MaxAge),
	}
	if err := sm.store.CreateSession(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return &core.SessionToken{Token: pair.Token, Entry: entry}, nil
}

// Resolve returns the live entry named by a cookie token.
func (sm *SessionManager) Resolve(ctx context.Context, token string) (*core.SessionEntry, error) {
	if token == "" {
		return nil, core.ErrInvalidToken
	}

	entry, err := sm.store.GetSession(ctx, crypto.HashToken(token))
	if err != nil {
		if errors.Is(err, core.ErrSessionNotFound) {
			return nil, core.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if entry.Expired(sm.now()) {
		return nil, core.ErrSessionExpired
	}
	return entry, nil
}

// Destroy deletes the entry with the given id.
func (sm *SessionManager) Destroy(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return core.ErrSessionNotFound
	}
	if err := sm.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// CeremonyExpiry is when a ceremony started now on entry must end.
func (sm *SessionManager) CeremonyExpiry(entry *core.SessionEntry) time.Time {
	return core.ClampExpiry(sm.now().Add(sm.config.CeremonyTTL), entry)
}

// MaxAge is the fixed lifetime of a logged in session.
func (sm *SessionManager) MaxAge() time.Duration {
	return sm.config.MaxAge
}

// restoreCeremony puts a taken ceremony back after a storage fault so the same
// step can be retried. Rejected input keeps it consumed.
func restoreCeremony(ctx context.Context, store core.SessionStore, logger *slog.Logger, sessionID string, ceremony *core.PendingCeremony, cause error) {
	if ceremony == nil || core.KindOf(cause) != core.ErrInternal {
		return
	}
	if err := store.PutCeremony(ctx, sessionID, *ceremony); err != nil {
		logger.ErrorContext(ctx, "failed to restore ceremony", "kind", string(ceremony.Kind), "error", err)
	}
}
