package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lborres/gatekeep/core"
)

const userColumns = `id, username, display_name, role, avatar_url, created_at, updated_at`

func insertUser(ctx context.Context, tx *sql.Tx, u *core.User) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.DisplayName, string(u.Role), u.AvatarURL, toMillis(u.CreatedAt), toMillis(u.UpdatedAt),
	)
	return mapError(err)
}

// claimEmail fails with ErrEmailTaken when a credential or identity of another
// user already holds email. Writers are serialized by the immediate
// transaction lock, so the check holds until tx commits.
func claimEmail(ctx context.Context, tx *sql.Tx, email, userID string) error {
	query := `SELECT EXISTS (SELECT 1 FROM local_credentials WHERE email = ?1 AND user_id <> ?2)
	              OR EXISTS (SELECT 1 FROM external_identities WHERE email = ?1 AND user_id <> ?2)`

	var taken bool
	if err := tx.QueryRowContext(ctx, query, email, userID).Scan(&taken); err != nil {
		return fmt.Errorf("check email: %w", err)
	}
	if taken {
		return core.ErrEmailTaken
	}
	return nil
}

func (s *Store) CreateUserWithCredential(ctx context.Context, u *core.User, c *core.LocalCredential) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
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

func (s *Store) CreateUserWithIdentity(ctx context.Context, u *core.User, id *core.ExternalIdentity) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := claimEmail(ctx, tx, id.Email, u.ID); err != nil {
			return err
		}
		if err := insertUser(ctx, tx, u); err != nil {
			return err
		}
		id.UserID = u.ID
		_, err := tx.ExecContext(ctx,
			`INSERT INTO external_identities (id, user_id, provider, email, created_at) VALUES (?, ?, ?, ?, ?)`,
			id.ID, id.UserID, id.Provider, id.Email, toMillis(id.CreatedAt),
		)
		return mapError(err)
	})
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*core.User, error) {
	var (
		u                    core.User
		role                 string
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id).Scan(
		&u.ID, &u.Username, &u.DisplayName, &role, &u.AvatarURL, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Role = core.Role(role)
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)
	return &u, nil
}

func (s *Store) UsernameExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE username = ?)`, username).Scan(&exists)
	return exists, err
}

func (s *Store) GetAuthMethods(ctx context.Context, userID string) (core.AuthMethods, error) {
	query := `SELECT
	            EXISTS (SELECT 1 FROM local_credentials WHERE user_id = ?1 AND password_hash <> ''),
	            EXISTS (SELECT 1 FROM external_identities WHERE user_id = ?1),
	            EXISTS (SELECT 1 FROM passkey_credentials WHERE user_id = ?1)`

	var password, oauth, passkey bool
	if err := s.db.QueryRowContext(ctx, query, userID).Scan(&password, &oauth, &passkey); err != nil {
		return 0, fmt.Errorf("read auth methods: %w", err)
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

func (s *Store) getIdentity(ctx context.Context, query string, args ...any) (*core.ExternalIdentity, error) {
	var (
		id        core.ExternalIdentity
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&id.ID, &id.UserID, &id.Provider, &id.Email, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrIdentityNotFound
		}
		return nil, fmt.Errorf("get identity: %w", err)
	}
	id.CreatedAt = fromMillis(createdAt)
	return &id, nil
}

func (s *Store) GetExternalIdentityByEmail(ctx context.Context, email string) (*core.ExternalIdentity, error) {
	return s.getIdentity(ctx, `SELECT `+identityColumns+` FROM external_identities WHERE email = ?`, email)
}

func (s *Store) GetExternalIdentityByUserID(ctx context.Context, userID string) (*core.ExternalIdentity, error) {
	return s.getIdentity(ctx, `SELECT `+identityColumns+` FROM external_identities WHERE user_id = ? ORDER BY created_at LIMIT 1`, userID)
}
