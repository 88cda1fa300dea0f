package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lborres/gatekeep/core"
)

const recordColumns = `id, user_id, session_id, user_agent, ip_address, last_active_at, expires_at, created_at`

func scanRecord(row rowScanner) (*core.SessionRecord, error) {
	var (
		r                               core.SessionRecord
		lastActive, expires, createdAt int64
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.SessionID, &r.UserAgent, &r.IPAddress, &lastActive, &expires, &createdAt); err != nil {
		return nil, err
	}
	r.LastActiveAt = fromMillis(lastActive)
	r.ExpiresAt = fromMillis(expires)
	r.CreatedAt = fromMillis(createdAt)
	return &r, nil
}

func (s *Store) UpsertSessionRecord(ctx context.Context, r *core.SessionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_id) DO UPDATE
		 SET user_agent = excluded.user_agent,
		     ip_address = excluded.ip_address,
		     last_active_at = excluded.last_active_at,
		     expires_at = excluded.expires_at`,
		r.ID, r.UserID, r.SessionID, r.UserAgent, r.IPAddress,
		toMillis(r.LastActiveAt), toMillis(r.ExpiresAt), toMillis(r.CreatedAt),
	)
	return err
}

func (s *Store) ListSessionRecords(ctx context.Context, userID string) ([]*core.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM session_records WHERE user_id = ? ORDER BY last_active_at DESC`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.SessionRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetSessionRecord(ctx context.Context, userID, id string) (*core.SessionRecord, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM session_records WHERE id = ? AND user_id = ?`, id, userID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrSessionRecordNotFound
		}
		return nil, fmt.Errorf("get session record: %w", err)
	}
	return r, nil
}

func (s *Store) DeleteSessionRecord(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM session_records WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrSessionRecordNotFound
	}
	return nil
}

func (s *Store) DeleteSessionRecordBySessionID(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_records WHERE session_id = ?`, sessionID)
	return err
}

func (s *Store) DeleteOtherSessionRecords(ctx context.Context, userID, keepSessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM session_records WHERE user_id = ? AND session_id <> ? RETURNING session_id`, userID, keepSessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var removed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		removed = append(removed, id)
	}
	return removed, rows.Err()
}

func (s *Store) DeleteExpiredSessionRecords(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM session_records WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, err
	}
	n, err := affected(res)
	return int(n), err
}
