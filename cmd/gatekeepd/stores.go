package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/lborres/gatekeep/adapters/pgx"
	"github.com/lborres/gatekeep/adapters/redis"
	"github.com/lborres/gatekeep/adapters/sqlite"
	"github.com/lborres/gatekeep/config"
	"github.com/lborres/gatekeep/core"
	"github.com/lborres/gatekeep/pkg/cache"
)

// stores holds the durable and ephemeral stores plus whatever must be closed
// on shutdown.
type stores struct {
	storage  core.StorageAdapter
	sessions core.SessionStore
	closers  []func() error
}

func (s *stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// openStores connects to the configured database, applies migrations, and
// picks the session store.
func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	s := &stores{}

	var databaseSessions core.SessionStore
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		pool, err := pgx.Connect(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() error { pool.Close(); return nil })
		if err := pgx.Migrate(ctx, pool); err != nil {
			_ = s.Close()
			return nil, err
		}
		s.storage = pgx.New(pool)
		databaseSessions = pgx.NewSessionStore(pool)
	case config.DriverSQLite:
		store, err := sqlite.Open(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, store.Close)
		s.storage = store
		databaseSessions = store.Sessions()
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}

	switch cfg.SessionStore.Kind {
	case config.SessionStoreDatabase:
		s.sessions = databaseSessions
	case config.SessionStoreMemory:
		s.sessions = cache.NewMemorySessionStore(cache.Config{MaxSize: cfg.SessionStore.MemoryMaxSize})
	case config.SessionStoreRedis:
		client, err := redis.Dial(ctx, cfg.SessionStore.RedisURL)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.closers = append(s.closers, client.Close)
		s.sessions = redis.New(client, cfg.SessionStore.RedisPrefix)
	default:
		_ = s.Close()
		return nil, fmt.Errorf("unsupported session store %q", cfg.SessionStore.Kind)
	}

	return s, nil
}
