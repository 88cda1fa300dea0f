package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lborres/gatekeep/core"
)

// SessionStore implements core.SessionStore on the sessions and
// session_ceremonies tables of a Store.
type SessionStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ core.SessionStore = (*SessionStore)(nil)

func (s *SessionStore) CreateSession(ctx context.Context, e *core.SessionEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET user_id = excluded.user_id, expires_at = excluded.expires_at`,
		e.ID, e.UserID, toMillis(e.CreatedAt), toMillis(e.ExpiresAt),
	)
	return err
}

func (s *SessionStore) GetSession(ctx context.Context, id string) (*core.SessionEntry, error) {
	var (
		e                    core.SessionEntry
		createdAt, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, created_at, expires_at FROM sessions WHERE id = ? AND expires_at > ?`, id, toMillis(s.now()),
	).Scan(&e.ID, &e.UserID, &createdAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	e.CreatedAt = fromMillis(createdAt)
	e.ExpiresAt = fromMillis(expiresAt)
	return &e, nil
}

func (s *SessionStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

func (s *SessionStore) PutCeremony(ctx context.Context, sessionID string, c core.PendingCeremony) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO session_ceremonies (session_id, kind, user_id, payload, expires_at)
		 SELECT ?1, ?2, ?3, ?4, ?5
		 WHERE EXISTS (SELECT 1 FROM sessions WHERE id = ?1 AND expires_at > ?6)
		 ON CONFLICT (session_id, kind) DO UPDATE
		 SET user_id = excluded.user_id, payload = excluded.payload, expires_at = excluded.expires_at`,
		sessionID, string(c.Kind), c.UserID, c.Payload, toMillis(c.ExpiresAt), toMillis(s.now()),
	)
	if err != nil {
		return err
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrSessionNotFound
	}
	return nil
}

func (s *SessionStore) GetCeremony(ctx context.Context, sessionID string, kind core.CeremonyKind) (*core.PendingCeremony, error) {
	var expiresAt int64
	c := &core.PendingCeremony{Kind: kind}
	err := s.db.QueryRowContext(ctx,
		`SELECT c.user_id, c.payload, c.expires_at
		 FROM session_ceremonies c JOIN sessions s ON s.id = c.session_id
		 WHERE c.session_id = ?1 AND c.kind = ?2 AND c.expires_at > ?3 AND s.expires_at > ?3`,
		sessionID, string(kind), toMillis(s.now()),
	).Scan(&c.UserID, &c.Payload, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrCeremonyNotFound
		}
		return nil, fmt.Errorf("get ceremony: %w", err)
	}
	c.ExpiresAt = fromMillis(expiresAt)
	return c, nil
}

// TakeCeremony deletes and returns the row in one statement.
func (s *SessionStore) TakeCeremony(ctx context.Context, sessionID string, kind core.CeremonyKind) (*core.PendingCeremony, error) {
	now := s.now()
	var expiresAt int64
	c := &core.PendingCeremony{Kind: kind}
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM session_ceremonies
		 WHERE session_id = ?1 AND kind = ?2
		   AND EXISTS (SELECT 1 FROM sessions WHERE id = ?1 AND expires_at > ?3)
		 RETURNING user_id, payload, expires_at`,
		sessionID, string(kind), toMillis(now),
	).Scan(&c.UserID, &c.Payload, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrCeremonyNotFound
		}
		return nil, fmt.Errorf("take ceremony: %w", err)
	}
	c.ExpiresAt = fromMillis(expiresAt)
	if c.Expired(now) {
		return nil, core.ErrCeremonyNotFound
	}
	return c, nil
}

func (s *SessionStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_ceremonies WHERE expires_at <= ?`, toMillis(now)); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, err
	}
	n, err := affected(res)
	if err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}
