package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lborres/gatekeep/core"
)

const credentialColumns = `user_id, email, password_hash, email_verified, verification_token, created_at, updated_at`

func insertCredential(ctx context.Context, tx *sql.Tx, c *core.LocalCredential) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO local_credentials (`+credentialColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.UserID, c.Email, c.PasswordHash, c.EmailVerified, c.VerificationToken, toMillis(c.CreatedAt), toMillis(c.UpdatedAt),
	)
	return mapError(err)
}

func (s *Store) getCredential(ctx context.Context, query, arg string) (*core.LocalCredential, error) {
	var (
		c                    core.LocalCredential
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&c.UserID, &c.Email, &c.PasswordHash, &c.EmailVerified, &c.VerificationToken, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrCredentialNotFound
		}
		return nil, fmt.Errorf("get credential: %w", err)
	}
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return &c, nil
}

func (s *Store) GetCredentialByEmail(ctx context.Context, email string) (*core.LocalCredential, error) {
	return s.getCredential(ctx, `SELECT `+credentialColumns+` FROM local_credentials WHERE email = ?`, email)
}

func (s *Store) GetCredentialByUserID(ctx context.Context, userID string) (*core.LocalCredential, error) {
	return s.getCredential(ctx, `SELECT `+credentialColumns+` FROM local_credentials WHERE user_id = ?`, userID)
}

func (s *Store) CreateCredential(ctx context.Context, c *core.LocalCredential) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := claimEmail(ctx, tx, c.Email, c.UserID); err != nil {
			return err
		}
		return insertCredential(ctx, tx, c)
	})
}

// updateCredential runs an UPDATE keyed by user id and reports a missing row.
func (s *Store) updateCredential(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrCredentialNotFound
	}
	return nil
}

func (s *Store) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	return s.updateCredential(ctx,
		`UPDATE local_credentials SET password_hash = ?, updated_at = ? WHERE user_id = ?`,
		hash, toMillis(s.now()), userID,
	)
}

func (s *Store) SetVerificationToken(ctx context.Context, userID, tokenHash string) error {
	return s.updateCredential(ctx,
		`UPDATE local_credentials SET verification_token = ?, updated_at = ? WHERE user_id = ?`,
		tokenHash, toMillis(s.now()), userID,
	)
}

func (s *Store) VerifyEmailByToken(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx,
		`UPDATE local_credentials
		 SET email_verified = 1, verification_token = NULL, updated_at = ?
		 WHERE verification_token = ?
		 RETURNING user_id`,
		toMillis(s.now()), tokenHash,
	).Scan(&userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", core.ErrCredentialNotFound
		}
		return "", fmt.Errorf("verify email: %w", err)
	}
	return userID, nil
}
