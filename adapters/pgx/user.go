package pgx

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/lborres/gatekeep/core"
)

const userColumns = `id, username, display_name, role, avatar_url, created_at, updated_at`

func scanUser(row pgx.Row) (*core.User, error) {
	u := &core.User{}
	err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.Role, &u.AvatarURL, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func insertUser(ctx context.Context, tx pgx.Tx, u *core.User) error {
	query := `INSERT INTO users (` + userColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := tx.Exec(ctx, query, u.ID, u.Username, u.DisplayName, u.Role, u.AvatarURL, u.CreatedAt, u.UpdatedAt)
	return mapError(err)
}

// claimEmail serializes writers on email and fails with ErrEmailTaken when a
// credential or identity of another user already holds it. The lock is held
// until tx ends.
func claimEmail(ctx context.Context, tx pgx.Tx, email, userID string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, email); err != nil {
		return fmt.Errorf("failed to lock email: %w", err)
	}

	query := `SELECT EXISTS (SELECT 1 FROM local_credentials WHERE email = $1 AND user_id <> $2)
	              OR EXISTS (SELECT 1 FROM external_identities WHERE email = $1 AND user_id <> $2)`

	var taken bool
	if err := tx.QueryRow(ctx, query, email, userID).Scan(&taken); err != nil {
		return fmt.Errorf("failed to check email: %w", err)
	}
	if taken {
		return core.ErrEmailTaken
	}
	return nil
}

func (a *Adapter) CreateUserWithCredential(ctx context.Context, u *core.User, c *core.LocalCredential) error {
	return pgx.BeginFunc(ctx, a.pool, func(tx pgx.Tx) error {
		if err := claimEmail(ctx, tx, c.Email, u.ID); err != nil {
			return err
		}
		if err := insertUser(ctx, tx, u); err != nil {
			return err
		}
		c.UserID = u.ID
		return insertCredential(ctx, tx, c)
	})
}

func (a *Adapter) CreateUserWithIdentity(ctx context.Context, u *core.User, id *core.ExternalIdentity) error {
	return pgx.BeginFunc(ctx, a.pool, func(tx pgx.Tx) error {
		if err := claimEmail(ctx, tx, id.Email, u.ID); err != nil {
			return err
		}
		if err := insertUser(ctx, tx, u); err != nil {
			return err
		}
		id.UserID = u.ID
		query := `INSERT INTO external_identities (id, user_id, provider, email, created_at)
		          VALUES ($1, $2, $3, $4, $5)`
		_, err := tx.Exec(ctx, query, id.ID, id.UserID, id.Provider, id.Email, id.CreatedAt)
		return mapError(err)
	})
}

func (a *Adapter) GetUserByID(ctx context.Context, id string) (*core.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	u, err := scanUser(a.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrUserNotFound
		}
		return nil, err
	}
	return u, nil
}

func (a *Adapter) UsernameExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := a.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE username = $1)`, username).Scan(&exists)
	return exists, err
}

func (a *Adapter) GetAuthMethods(ctx context.Context, userID string) (core.AuthMethods, error) {
	query := `SELECT
	            EXISTS (SELECT 1 FROM local_credentials WHERE user_id = $1 AND password_hash <> ''),
	            EXISTS (SELECT 1 FROM external_identities WHERE user_id = $1),
	            EXISTS (SELECT 1 FROM passkey_credentials WHERE user_id = $1)`

	var password, oauth, passkey bool
	if err := a.pool.QueryRow(ctx, query, userID).Scan(&password, &oauth, &passkey); err != nil {
		return 0, fmt.Errorf("failed to read auth methods: %w", err)
	}

	var methods core.AuthMethods
	if password {
		methods |= core.MethodPassword
	}
	if oauth {
		methods |= core.MethodOAuth
	}
	if passkey {
		methods |= core.MethodPasskey
	}
	return methods, nil
}

// ============================================
// IDENTITIES
// ============================================

const identityColumns = `id, user_id, provider, email, created_at`

func (a *Adapter) getIdentity(ctx context.Context, query string, args ...any) (*core.ExternalIdentity, error) {
	id := &core.ExternalIdentity{}
	err := a.pool.QueryRow(ctx, query, args...).Scan(&id.ID, &id.UserID, &id.Provider, &id.Email, &id.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrIdentityNotFound
		}
		return nil, err
	}
	return id, nil
}

func (a *Adapter) GetExternalIdentityByEmail(ctx context.Context, email string) (*core.ExternalIdentity, error) {
	return a.getIdentity(ctx, `SELECT `+identityColumns+` FROM external_identities WHERE email = $1`, email)
}

func (a *Adapter) GetExternalIdentityByUserID(ctx context.Context, userID string) (*core.ExternalIdentity, error) {
	return a.getIdentity(ctx, `SELECT `+identityColumns+` FROM external_identities WHERE user_id = $1 ORDER BY created_at LIMIT 1`, userID)
}
