// Package pgx stores users, credentials and sessions in PostgreSQL through a
// pgxpool.Pool.
package pgx

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/lborres/gatekeep/core"
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

// constraintErrors maps unique constraints to the conflict they represent.
var constraintErrors = map[string]error{
	"users_username_key":                    core.ErrUsernameTaken,
	"local_credentials_email_key":           core.ErrEmailTaken,
	"local_credentials_pkey":                core.ErrPasswordAlreadySet,
	"external_identities_email_key":         core.ErrEmailTaken,
	"passkey_credentials_credential_id_key": core.ErrPasskeyExists,
}

// Adapter implements core.StorageAdapter on PostgreSQL.
type Adapter struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ core.StorageAdapter = (*Adapter)(nil)

func New(pool *pgxpool.Pool) *Adapter {
	return &Adapter{pool: pool, now: time.Now}
}

// Connect opens a pool for dsn and checks that the server answers.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Migrate applies every pending schema migration.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	dir, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, dir)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// mapError turns known unique violations into their domain conflict.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		if mapped, ok := constraintErrors[pgErr.ConstraintName]; ok {
			return mapped
		}
	}
	return err
}
