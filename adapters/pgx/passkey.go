package pgx

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lborres/gatekeep/core"
)

const passkeyColumns = `id, user_id, credential_id, credential, sign_count, name, created_at, last_used_at`

func scanPasskey(row pgx.Row) (*core.PasskeyCredential, error) {
	p := &core.PasskeyCredential{}
	var signCount int64
	if err := row.Scan(&p.ID, &p.UserID, &p.CredentialID, &p.Credential, &signCount, &p.Name, &p.CreatedAt, &p.LastUsedAt); err != nil {
		return nil, err
	}
	p.SignCount = uint32(signCount)
	return p, nil
}

func (a *Adapter) CreatePasskey(ctx context.Context, p *core.PasskeyCredential) error {
	query := `INSERT INTO passkey_credentials (` + passkeyColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := a.pool.Exec(ctx, query,
		p.ID, p.UserID, p.CredentialID, p.Credential, int64(p.SignCount), p.Name, p.CreatedAt, p.LastUsedAt,
	)
	return mapError(err)
}

func (a *Adapter) GetPasskeyByCredentialID(ctx context.Context, credentialID []byte) (*core.PasskeyCredential, error) {
	query := `SELECT ` + passkeyColumns + ` FROM passkey_credentials WHERE credential_id = $1`

	p, err := scanPasskey(a.pool.QueryRow(ctx, query, credentialID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrPasskeyNotFound
		}
		return nil, err
	}
	return p, nil
}

func (a *Adapter) listPasskeys(ctx context.Context, query string, args ...any) ([]*core.PasskeyCredential, error) {
	rows, err := a.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*core.PasskeyCredential, error) {
		return scanPasskey(row)
	})
}

func (a *Adapter) ListPasskeysByUser(ctx context.Context, userID string) ([]*core.PasskeyCredential, error) {
	return a.listPasskeys(ctx, `SELECT `+passkeyColumns+` FROM passkey_credentials WHERE user_id = $1 ORDER BY created_at`, userID)
}

func (a *Adapter) ListAllPasskeys(ctx context.Context) ([]*core.PasskeyCredential, error) {
	return a.listPasskeys(ctx, `SELECT `+passkeyColumns+` FROM passkey_credentials`)
}

func (a *Adapter) UpdatePasskeyUsage(ctx context.Context, id string, credential []byte, prevCount, newCount uint32, usedAt time.Time) (bool, error) {
	query := `UPDATE passkey_credentials
	          SET credential = $2, sign_count = $4, last_used_at = $5
	          WHERE id = $1 AND sign_count = $3`

	tag, err := a.pool.Exec(ctx, query, id, credential, int64(prevCount), int64(newCount), usedAt.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (a *Adapter) DeletePasskey(ctx context.Context, userID, id string) error {
	tag, err := a.pool.Exec(ctx, `DELETE FROM passkey_credentials WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return core.ErrPasskeyNotFound
	}
	return nil
}
