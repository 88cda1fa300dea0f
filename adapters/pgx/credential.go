package pgx

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/lborres/gatekeep/core"
)

const credentialColumns = `user_id, email, password_hash, email_verified, verification_token, created_at, updated_at`

func insertCredential(ctx context.Context, tx pgx.Tx, c *core.LocalCredential) error {
	query := `INSERT INTO local_credentials (` + credentialColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := tx.Exec(ctx, query,
		c.UserID, c.Email, c.PasswordHash, c.EmailVerified, c.VerificationToken, c.CreatedAt, c.UpdatedAt,
	)
	return mapError(err)
}

func (a *Adapter) getCredential(ctx context.Context, query string, arg string) (*core.LocalCredential, error) {
	c := &core.LocalCredential{}
	err := a.pool.QueryRow(ctx, query, arg).Scan(
		&c.UserID, &c.Email, &c.PasswordHash, &c.EmailVerified, &c.VerificationToken, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrCredentialNotFound
		}
		return nil, err
	}
	return c, nil
}

func (a *Adapter) GetCredentialByEmail(ctx context.Context, email string) (*core.LocalCredential, error) {
	return a.getCredential(ctx, `SELECT `+credentialColumns+` FROM local_credentials WHERE email = $1`, email)
}

func (a *Adapter) GetCredentialByUserID(ctx context.Context, userID string) (*core.LocalCredential, error) {
	return a.getCredential(ctx, `SELECT `+credentialColumns+` FROM local_credentials WHERE user_id = $1`, userID)
}

func (a *Adapter) CreateCredential(ctx context.Context, c *core.LocalCredential) error {
	return pgx.BeginFunc(ctx, a.pool, func(tx pgx.Tx) error {
		if err := claimEmail(ctx, tx, c.Email, c.UserID); err != nil {
			return err
		}
		return insertCredential(ctx, tx, c)
	})
}

func (a *Adapter) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	query := `UPDATE local_credentials SET password_hash = $2, updated_at = $3 WHERE user_id = $1`

	tag, err := a.pool.Exec(ctx, query, userID, hash, a.now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return core.ErrCredentialNotFound
	}
	return nil
}

func (a *Adapter) SetVerificationToken(ctx context.Context, userID, tokenHash string) error {
	query := `UPDATE local_credentials SET verification_token = $2, updated_at = $3 WHERE user_id = $1`

	tag, err := a.pool.Exec(ctx, query, userID, tokenHash, a.now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return core.ErrCredentialNotFound
	}
	return nil
}

func (a *Adapter) VerifyEmailByToken(ctx context.Context, tokenHash string) (string, error) {
	query := `UPDATE local_credentials
	          SET email_verified = true, verification_token = NULL, updated_at = $2
	          WHERE verification_token = $1
	          RETURNING user_id`

	var userID string
	if err := a.pool.QueryRow(ctx, query, tokenHash, a.now().UTC()).Scan(&userID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", core.ErrCredentialNotFound
		}
		return "", err
	}
	return userID, nil
}
