package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lborres/gatekeep/core"
)

// SessionTracker keeps the device-attributed session records in step with the
// session store entries they describe.
type SessionTracker struct {
	records  core.SessionRecordStorage
	sessions core.SessionStore
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

func NewSessionTracker(records core.SessionRecordStorage, sessions core.SessionStore, logger *slog.Logger) *SessionTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionTracker{
		records:  records,
		sessions: sessions,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Record writes or refreshes the record for sessionID.
func (t *SessionTracker) Record(ctx context.Context, sessionID, userID string, meta core.RequestMeta, expiresAt time.Time) error {
	now := t.now().UTC()
	record := &core.SessionRecord{
		ID:           t.newID(),
		UserID:       userID,
		SessionID:    sessionID,
		UserAgent:    meta.UserAgent,
		IPAddress:    meta.IPAddress,
		LastActiveAt: now,
		ExpiresAt:    expiresAt.UTC(),
		CreatedAt:    now,
	}
	if err := t.records.UpsertSessionRecord(ctx, record); err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}
	return nil
}

// List returns the user's sessions, newest activity first, marking the caller's
// own. A current session without a record is recorded first.
func (t *SessionTracker) List(ctx context.Context, userID string, meta core.RequestMeta) ([]core.SessionInfo, error) {
	current := meta.SessionID()

	records, err := t.records.ListSessionRecords(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	if current != "" && !containsSession(records, current) {
		if err := t.Record(ctx, current, userID, meta, meta.Session.ExpiresAt); err != nil {
			return nil, err
		}
		records, err = t.records.ListSessionRecords(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to list sessions: %w", err)
		}
	}

	infos := make([]core.SessionInfo, 0, len(records))
	for _, r := range records {
		infos = append(infos, core.SessionInfo{SessionRecord: *r, IsCurrent: r.SessionID == current})
	}
	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].LastActiveAt.After(infos[j].LastActiveAt)
	})
	return infos, nil
}

func containsSession(records []*core.SessionRecord, sessionID string) bool {
	for _, r := range records {
		if r.SessionID == sessionID {
			return true
		}
	}
	return false
}

// Revoke ends one of the user's sessions. Records owned by someone else read as
// not found.
func (t *SessionTracker) Revoke(ctx context.Context, userID, recordID string) error {
	record, err := t.records.GetSessionRecord(ctx, userID, recordID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return core.ErrSessionRecordNotFound
		}
		return fmt.Errorf("failed to load session: %w", err)
	}

	if err := t.sessions.DeleteSession(ctx, record.SessionID); err != nil {
		return fmt.Errorf("failed to delete session entry: %w", err)
	}
	if err := t.records.DeleteSessionRecord(ctx, userID, recordID); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return core.ErrSessionRecordNotFound
		}
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// RevokeOthers ends every session of the user except currentSessionID. Entries
// that fail to delete are logged and skipped; the records are gone either way.
func (t *SessionTracker) RevokeOthers(ctx context.Context, userID, currentSessionID string) (int, error) {
	removed, err := t.records.DeleteOtherSessionRecords(ctx, userID, currentSessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete sessions: %w", err)
	}

	for _, sessionID := range removed {
		if sessionID == currentSessionID {
			continue
		}
		if err := t.sessions.DeleteSession(ctx, sessionID); err != nil {
			t.logger.ErrorContext(ctx, "failed to delete revoked session entry", "user_id", userID, "error", err)
		}
	}
	return len(removed), nil
}

// Forget drops the record of a session that is being signed out.
func (t *SessionTracker) Forget(ctx context.Context, sessionID string) error {
	if err := t.records.DeleteSessionRecordBySessionID(ctx, sessionID); err != nil && !errors.Is(err, core.ErrNotFound) {
		return fmt.Errorf("failed to delete session record: %w", err)
	}
	return nil
}

// Prune removes expired records and expired store entries.
func (t *SessionTracker) Prune(ctx context.Context) (records int, entries int, err error) {
	now := t.now()
	records, err = t.records.DeleteExpiredSessionRecords(ctx, now)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to prune session records: %w", err)
	}
	entries, err = t.sessions.DeleteExpired(ctx, now)
	if err != nil {
		return records, 0, fmt.Errorf("failed to prune session entries: %w", err)
	}
	return records, entries, nil
}
