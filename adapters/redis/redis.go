// Package redis keeps session entries and their ceremonies in Redis with
// native key expiry.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lborres/gatekeep/core"
)

const defaultPrefix = "gatekeep:"

var ceremonyKinds = []core.CeremonyKind{
	core.CeremonyRegistration,
	core.CeremonyAuthentication,
	core.CeremonySecondFactor,
	core.CeremonyOAuth,
}

// SessionStore implements core.SessionStore on a Redis client.
type SessionStore struct {
	client goredis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ core.SessionStore = (*SessionStore)(nil)

// New wraps client. Keys are namespaced under prefix, "gatekeep:" when empty.
func New(client goredis.UniversalClient, prefix string) *SessionStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &SessionStore{client: client, prefix: prefix, now: time.Now}
}

// Dial connects to the server at url ("redis://host:port/db") and checks it
// answers.
func Dial(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func (s *SessionStore) sessionKey(id string) string {
	return s.prefix + "session:" + id
}

func (s *SessionStore) ceremonyKey(id string, kind core.CeremonyKind) string {
	return s.prefix + "ceremony:" + id + ":" + string(kind)
}

type storedEntry struct {
	UserID    string    `json:"u,omitempty"`
	CreatedAt time.Time `json:"c"`
	ExpiresAt time.Time `json:"e"`
}

type storedCeremony struct {
	UserID    string    `json:"u,omitempty"`
	Payload   []byte    `json:"p,omitempty"`
	ExpiresAt time.Time `json:"e"`
}

func (s *SessionStore) CreateSession(ctx context.Context, e *core.SessionEntry) error {
	ttl := e.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return s.client.Del(ctx, s.sessionKey(e.ID)).Err()
	}
	data, err := json.Marshal(storedEntry{UserID: e.UserID, CreatedAt: e.CreatedAt, ExpiresAt: e.ExpiresAt})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.sessionKey(e.ID), data, ttl).Err()
}

func (s *SessionStore) GetSession(ctx context.Context, id string) (*core.SessionEntry, error) {
	data, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, core.ErrSessionNotFound
		}
		return nil, err
	}

	var stored storedEntry
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	e := &core.SessionEntry{ID: id, UserID: stored.UserID, CreatedAt: stored.CreatedAt, ExpiresAt: stored.ExpiresAt}
	if e.Expired(s.now()) {
		return nil, core.ErrSessionNotFound
	}
	return e, nil
}

func (s *SessionStore) DeleteSession(ctx context.Context, id string) error {
	keys := []string{s.sessionKey(id)}
	for _, kind := range ceremonyKinds {
		keys = append(keys, s.ceremonyKey(id, kind))
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *SessionStore) PutCeremony(ctx context.Context, sessionID string, c core.PendingCeremony) error {
	entry, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	expiresAt := core.ClampExpiry(c.ExpiresAt, entry)
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		return s.client.Del(ctx, s.ceremonyKey(sessionID, c.Kind)).Err()
	}
	data, err := json.Marshal(storedCeremony{UserID: c.UserID, Payload: c.Payload, ExpiresAt: expiresAt})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.ceremonyKey(sessionID, c.Kind), data, ttl).Err()
}

func (s *SessionStore) decodeCeremony(data []byte, kind core.CeremonyKind) (*core.PendingCeremony, error) {
	var stored storedCeremony
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode ceremony: %w", err)
	}
	c := &core.PendingCeremony{Kind: kind, UserID: stored.UserID, Payload: stored.Payload, ExpiresAt: stored.ExpiresAt}
	if c.Expired(s.now()) {
		return nil, core.ErrCeremonyNotFound
	}
	return c, nil
}

func (s *SessionStore) GetCeremony(ctx context.Context, sessionID string, kind core.CeremonyKind) (*core.PendingCeremony, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		if errors.Is(err, core.ErrSessionNotFound) {
			return nil, core.ErrCeremonyNotFound
		}
		return nil, err
	}
	data, err := s.client.Get(ctx, s.ceremonyKey(sessionID, kind)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, core.ErrCeremonyNotFound
		}
		return nil, err
	}
	return s.decodeCeremony(data, kind)
}

// TakeCeremony uses GETDEL, so only one caller receives the value.
func (s *SessionStore) TakeCeremony(ctx context.Context, sessionID string, kind core.CeremonyKind) (*core.PendingCeremony, error) {
	data, err := s.client.GetDel(ctx, s.ceremonyKey(sessionID, kind)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, core.ErrCeremonyNotFound
		}
		return nil, err
	}
	c, err := s.decodeCeremony(data, kind)
	if err != nil {
		return nil, err
	}
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		if errors.Is(err, core.ErrSessionNotFound) {
			return nil, core.ErrCeremonyNotFound
		}
		return nil, err
	}
	return c, nil
}

// DeleteExpired is a no-op; Redis expires keys itself.
func (s *SessionStore) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}
