package pgx

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lborres/gatekeep/core"
)

const recordColumns = `id, user_id, session_id, user_agent, ip_address, last_active_at, expires_at, created_at`

func scanRecord(row pgx.Row) (*core.SessionRecord, error) {
	r := &core.SessionRecord{}
	err := row.Scan(&r.ID, &r.UserID, &r.SessionID, &r.UserAgent, &r.IPAddress, &r.LastActiveAt, &r.ExpiresAt, &r.CreatedAt)
	return r, err
}

func (a *Adapter) UpsertSessionRecord(ctx context.Context, r *core.SessionRecord) error {
	query := `INSERT INTO session_records (` + recordColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	          ON CONFLICT (session_id) DO UPDATE
	          SET user_agent = EXCLUDED.user_agent,
	              ip_address = EXCLUDED.ip_address,
	              last_active_at = EXCLUDED.last_active_at,
	              expires_at = EXCLUDED.expires_at`

	_, err := a.pool.Exec(ctx, query,
		r.ID, r.UserID, r.SessionID, r.UserAgent, r.IPAddress, r.LastActiveAt, r.ExpiresAt, r.CreatedAt,
	)
	return err
}

func (a *Adapter) ListSessionRecords(ctx context.Context, userID string) ([]*core.SessionRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM session_records
	          WHERE user_id = $1 ORDER BY last_active_at DESC`

	rows, err := a.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*core.SessionRecord, error) {
		return scanRecord(row)
	})
}

func (a *Adapter) GetSessionRecord(ctx context.Context, userID, id string) (*core.SessionRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM session_records WHERE id = $1 AND user_id = $2`

	r, err := scanRecord(a.pool.QueryRow(ctx, query, id, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrSessionRecordNotFound
		}
		return nil, err
	}
	return r, nil
}

func (a *Adapter) DeleteSessionRecord(ctx context.Context, userID, id string) error {
	tag, err := a.pool.Exec(ctx, `DELETE FROM session_records WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return core.ErrSessionRecordNotFound
	}
	return nil
}

func (a *Adapter) DeleteSessionRecordBySessionID(ctx context.Context, sessionID string) error {
	_, err := a.pool.Exec(ctx, `DELETE FROM session_records WHERE session_id = $1`, sessionID)
	return err
}

func (a *Adapter) DeleteOtherSessionRecords(ctx context.Context, userID, keepSessionID string) ([]string, error) {
	query := `DELETE FROM session_records
	          WHERE user_id = $1 AND session_id <> $2
	          RETURNING session_id`

	rows, err := a.pool.Query(ctx, query, userID, keepSessionID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (a *Adapter) DeleteExpiredSessionRecords(ctx context.Context, now time.Time) (int, error) {
	tag, err := a.pool.Exec(ctx, `DELETE FROM session_records WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
