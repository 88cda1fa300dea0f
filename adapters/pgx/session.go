package pgx

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lborres/gatekeep/core"
)

// SessionStore implements core.SessionStore on the sessions and
// session_ceremonies tables.
type SessionStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ core.SessionStore = (*SessionStore)(nil)

func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool, now: time.Now}
}

func (s *SessionStore) CreateSession(ctx context.Context, e *core.SessionEntry) error {
	query := `INSERT INTO sessions (id, user_id, created_at, expires_at)
	          VALUES ($1, $2, $3, $4)
	          ON CONFLICT (id) DO UPDATE
	          SET user_id = EXCLUDED.user_id, expires_at = EXCLUDED.expires_at`

	_, err := s.pool.Exec(ctx, query, e.ID, e.UserID, e.CreatedAt.UTC(), e.ExpiresAt.UTC())
	return err
}

func (s *SessionStore) GetSession(ctx context.Context, id string) (*core.SessionEntry, error) {
	query := `SELECT id, user_id, created_at, expires_at FROM sessions WHERE id = $1 AND expires_at > $2`

	e := &core.SessionEntry{}
	if err := s.pool.QueryRow(ctx, query, id, s.now().UTC()).Scan(&e.ID, &e.UserID, &e.CreatedAt, &e.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrSessionNotFound
		}
		return nil, err
	}
	return e, nil
}

func (s *SessionStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return err
}

func (s *SessionStore) PutCeremony(ctx context.Context, sessionID string, c core.PendingCeremony) error {
	query := `INSERT INTO session_ceremonies (session_id, kind, user_id, payload, expires_at)
	          SELECT $1::text, $2::text, $3::text, $4::bytea, $5::timestamptz
	          WHERE EXISTS (SELECT 1 FROM sessions WHERE id = $1 AND expires_at > $6::timestamptz)
	          ON CONFLICT (session_id, kind) DO UPDATE
	          SET user_id = EXCLUDED.user_id, payload = EXCLUDED.payload, expires_at = EXCLUDED.expires_at`

	tag, err := s.pool.Exec(ctx, query, sessionID, string(c.Kind), c.UserID, c.Payload, c.ExpiresAt.UTC(), s.now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return core.ErrSessionNotFound
	}
	return nil
}

func (s *SessionStore) GetCeremony(ctx context.Context, sessionID string, kind core.CeremonyKind) (*core.PendingCeremony, error) {
	query := `SELECT c.user_id, c.payload, c.expires_at
	          FROM session_ceremonies c JOIN sessions s ON s.id = c.session_id
	          WHERE c.session_id = $1 AND c.kind = $2 AND c.expires_at > $3 AND s.expires_at > $3`

	c := &core.PendingCeremony{Kind: kind}
	if err := s.pool.QueryRow(ctx, query, sessionID, string(kind), s.now().UTC()).Scan(&c.UserID, &c.Payload, &c.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrCeremonyNotFound
		}
		return nil, err
	}
	return c, nil
}

// TakeCeremony deletes the row and returns it in one statement; of two
// concurrent callers only one sees the row.
func (s *SessionStore) TakeCeremony(ctx context.Context, sessionID string, kind core.CeremonyKind) (*core.PendingCeremony, error) {
	query := `DELETE FROM session_ceremonies
	          WHERE session_id = $1 AND kind = $2
	            AND EXISTS (SELECT 1 FROM sessions WHERE id = $1 AND expires_at > $3)
	          RETURNING user_id, payload, expires_at`

	now := s.now().UTC()
	c := &core.PendingCeremony{Kind: kind}
	if err := s.pool.QueryRow(ctx, query, sessionID, string(kind), now).Scan(&c.UserID, &c.Payload, &c.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrCeremonyNotFound
		}
		return nil, err
	}
	if c.Expired(now) {
		return nil, core.ErrCeremonyNotFound
	}
	return c, nil
}

func (s *SessionStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	var removed int
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM session_ceremonies WHERE expires_at <= $1`, now.UTC()); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now.UTC())
		if err != nil {
			return err
		}
		removed = int(tag.RowsAffected())
		return nil
	})
	return removed, err
}
