package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lborres/gatekeep/core"
)

const passkeyColumns = `id, user_id, credential_id, credential, sign_count, name, created_at, last_used_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPasskey(row rowScanner) (*core.PasskeyCredential, error) {
	var (
		p          core.PasskeyCredential
		signCount  int64
		createdAt  int64
		lastUsedAt sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.UserID, &p.CredentialID, &p.Credential, &signCount, &p.Name, &createdAt, &lastUsedAt); err != nil {
		return nil, err
	}
	p.SignCount = uint32(signCount)
	p.CreatedAt = fromMillis(createdAt)
	p.LastUsedAt = fromNullMillis(lastUsedAt)
	return &p, nil
}

func (s *Store) CreatePasskey(ctx context.Context, p *core.PasskeyCredential) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO passkey_credentials (`+passkeyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.CredentialID, p.Credential, int64(p.SignCount), p.Name, toMillis(p.CreatedAt), nullMillis(p.LastUsedAt),
	)
	return mapError(err)
}

func (s *Store) GetPasskeyByCredentialID(ctx context.Context, credentialID []byte) (*core.PasskeyCredential, error) {
	p, err := scanPasskey(s.db.QueryRowContext(ctx,
		`SELECT `+passkeyColumns+` FROM passkey_credentials WHERE credential_id = ?`, credentialID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrPasskeyNotFound
		}
		return nil, fmt.Errorf("get passkey: %w", err)
	}
	return p, nil
}

func (s *Store) listPasskeys(ctx context.Context, query string, args ...any) ([]*core.PasskeyCredential, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.PasskeyCredential
	for rows.Next() {
		p, err := scanPasskey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) ListPasskeysByUser(ctx context.Context, userID string) ([]*core.PasskeyCredential, error) {
	return s.listPasskeys(ctx, `SELECT `+passkeyColumns+` FROM passkey_credentials WHERE user_id = ? ORDER BY created_at`, userID)
}

func (s *Store) ListAllPasskeys(ctx context.Context) ([]*core.PasskeyCredential, error) {
	return s.listPasskeys(ctx, `SELECT `+passkeyColumns+` FROM passkey_credentials`)
}

func (s *Store) UpdatePasskeyUsage(ctx context.Context, id string, credential []byte, prevCount, newCount uint32, usedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE passkey_credentials SET credential = ?, sign_count = ?, last_used_at = ?
		 WHERE id = ? AND sign_count = ?`,
		credential, int64(newCount), toMillis(usedAt), id, int64(prevCount),
	)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}

func (s *Store) DeletePasskey(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM passkey_credentials WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrPasskeyNotFound
	}
	return nil
}
