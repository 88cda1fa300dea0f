package pgx

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lborres/gatekeep/core"
)

func (a *Adapter) PutPendingTOTP(ctx context.Context, userID, secret string) error {
	query := `INSERT INTO totp_secrets (user_id, secret, enabled, created_at)
	          VALUES ($1, $2, false, $3)
	          ON CONFLICT (user_id) DO UPDATE
	          SET secret = EXCLUDED.secret, enabled = false, created_at = EXCLUDED.created_at`

	_, err := a.pool.Exec(ctx, query, userID, secret, a.now().UTC())
	return err
}

func (a *Adapter) GetTOTP(ctx context.Context, userID string) (*core.TOTPSecret, error) {
	query := `SELECT user_id, secret, enabled, created_at FROM totp_secrets WHERE user_id = $1`

	s := &core.TOTPSecret{}
	if err := a.pool.QueryRow(ctx, query, userID).Scan(&s.UserID, &s.Secret, &s.Enabled, &s.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrTOTPNotFound
		}
		return nil, err
	}
	return s, nil
}

func (a *Adapter) EnableTOTP(ctx context.Context, userID string, codeHashes []string) error {
	return pgx.BeginFunc(ctx, a.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE totp_secrets SET enabled = true WHERE user_id = $1`, userID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return core.ErrTOTPNotFound
		}
		return a.replaceCodes(ctx, tx, userID, codeHashes)
	})
}

func (a *Adapter) DeleteTOTP(ctx context.Context, userID string) error {
	return pgx.BeginFunc(ctx, a.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM backup_codes WHERE user_id = $1`, userID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM totp_secrets WHERE user_id = $1`, userID)
		return err
	})
}

func (a *Adapter) ReplaceBackupCodes(ctx context.Context, userID string, codeHashes []string) error {
	return pgx.BeginFunc(ctx, a.pool, func(tx pgx.Tx) error {
		return a.replaceCodes(ctx, tx, userID, codeHashes)
	})
}

// replaceCodes swaps the user's whole batch with codeHashes using COPY.
func (a *Adapter) replaceCodes(ctx context.Context, tx pgx.Tx, userID string, codeHashes []string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM backup_codes WHERE user_id = $1`, userID); err != nil {
		return err
	}

	now := a.now().UTC()
	rows := make([][]any, 0, len(codeHashes))
	for _, hash := range codeHashes {
		rows = append(rows, []any{uuid.NewString(), userID, hash, now})
	}
	_, err := tx.CopyFrom(ctx,
		pgx.Identifier{"backup_codes"},
		[]string{"id", "user_id", "code_hash", "created_at"},
		pgx.CopyFromRows(rows),
	)
	return err
}

func (a *Adapter) ListUnusedBackupCodes(ctx context.Context, userID string) ([]*core.BackupCode, error) {
	query := `SELECT id, user_id, code_hash, used, used_at, created_at
	          FROM backup_codes WHERE user_id = $1 AND NOT used`

	rows, err := a.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*core.BackupCode, error) {
		c := &core.BackupCode{}
		err := row.Scan(&c.ID, &c.UserID, &c.CodeHash, &c.Used, &c.UsedAt, &c.CreatedAt)
		return c, err
	})
}

func (a *Adapter) CountUnusedBackupCodes(ctx context.Context, userID string) (int, error) {
	var n int
	err := a.pool.QueryRow(ctx, `SELECT count(*) FROM backup_codes WHERE user_id = $1 AND NOT used`, userID).Scan(&n)
	return n, err
}

func (a *Adapter) ConsumeBackupCode(ctx context.Context, id string, usedAt time.Time) (bool, error) {
	tag, err := a.pool.Exec(ctx, `UPDATE backup_codes SET used = true, used_at = $2 WHERE id = $1 AND NOT used`, id, usedAt.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
