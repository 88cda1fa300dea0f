package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lborres/gatekeep/core"
)

func (s *Store) PutPendingTOTP(ctx context.Context, userID, secret string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO totp_secrets (user_id, secret, enabled, created_at) VALUES (?, ?, 0, ?)
		 ON CONFLICT (user_id) DO UPDATE
		 SET secret = excluded.secret, enabled = 0, created_at = excluded.created_at`,
		userID, secret, toMillis(s.now()),
	)
	return err
}

func (s *Store) GetTOTP(ctx context.Context, userID string) (*core.TOTPSecret, error) {
	var (
		secret    core.TOTPSecret
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, secret, enabled, created_at FROM totp_secrets WHERE user_id = ?`, userID,
	).Scan(&secret.UserID, &secret.Secret, &secret.Enabled, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrTOTPNotFound
		}
		return nil, fmt.Errorf("get totp: %w", err)
	}
	secret.CreatedAt = fromMillis(createdAt)
	return &secret, nil
}

func (s *Store) EnableTOTP(ctx context.Context, userID string, codeHashes []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE totp_secrets SET enabled = 1 WHERE user_id = ?`, userID)
		if err != nil {
			return err
		}
		n, err := affected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return core.ErrTOTPNotFound
		}
		return s.replaceCodes(ctx, tx, userID, codeHashes)
	})
}

func (s *Store) DeleteTOTP(ctx context.Context, userID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM backup_codes WHERE user_id = ?`, userID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM totp_secrets WHERE user_id = ?`, userID)
		return err
	})
}

func (s *Store) ReplaceBackupCodes(ctx context.Context, userID string, codeHashes []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.replaceCodes(ctx, tx, userID, codeHashes)
	})
}

func (s *Store) replaceCodes(ctx context.Context, tx *sql.Tx, userID string, codeHashes []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM backup_codes WHERE user_id = ?`, userID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO backup_codes (id, user_id, code_hash, created_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := toMillis(s.now())
	for _, hash := range codeHashes {
		if _, err := stmt.ExecContext(ctx, uuid.NewString(), userID, hash, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListUnusedBackupCodes(ctx context.Context, userID string) ([]*core.BackupCode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, code_hash, used, used_at, created_at FROM backup_codes WHERE user_id = ? AND used = 0`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []*core.BackupCode
	for rows.Next() {
		var (
			c         core.BackupCode
			usedAt    sql.NullInt64
			createdAt int64
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.CodeHash, &c.Used, &usedAt, &createdAt); err != nil {
			return nil, err
		}
		c.UsedAt = fromNullMillis(usedAt)
		c.CreatedAt = fromMillis(createdAt)
		codes = append(codes, &c)
	}
	return codes, rows.Err()
}

func (s *Store) CountUnusedBackupCodes(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM backup_codes WHERE user_id = ? AND used = 0`, userID).Scan(&n)
	return n, err
}

func (s *Store) ConsumeBackupCode(ctx context.Context, id string, usedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE backup_codes SET used = 1, used_at = ? WHERE id = ? AND used = 0`, toMillis(usedAt), id,
	)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}
