package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lborres/gatekeep/core"
)

// Ensure MemorySessionStore implements core.SessionStore
var _ core.SessionStore = (*MemorySessionStore)(nil)

// Config configures the in-memory session store.
type Config struct {
	// MaxSize bounds the number of live entries; the oldest entry is evicted when
	// a new one would exceed it.
	MaxSize int
	// Now is the clock; nil uses time.Now.
	Now func() time.Time
}

// Stats tracks store activity.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Sets      int64 `json:"sets"`
	Deletes   int64 `json:"deletes"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
}

// MemorySessionStore keeps session entries and their ceremonies in process
// memory. It suits tests and single-instance deployments; entries do not survive
// a restart.
type MemorySessionStore struct {
	mu      sync.RWMutex
	entries map[string]*record
	maxSize int
	now     func() time.Time

	// counters
	hits      int64
	misses    int64
	sets      int64
	deletes   int64
	evictions int64
}

type record struct {
	entry      core.SessionEntry
	ceremonies map[core.CeremonyKind]core.PendingCeremony
}

// NewMemorySessionStore creates a new in-memory session store
func NewMemorySessionStore(c Config) *MemorySessionStore {
	if c.MaxSize == 0 {
		c.MaxSize = 10000
	}
	if c.Now == nil {
		c.Now = time.Now
	}

	return &MemorySessionStore{
		entries: make(map[string]*record),
		maxSize: c.MaxSize,
		now:     c.Now,
	}
}

func (s *MemorySessionStore) CreateSession(_ context.Context, e *core.SessionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[e.ID]; !exists && len(s.entries) >= s.maxSize {
		s.evictOldestLocked()
	}

	s.entries[e.ID] = &record{
		entry:      *e,
		ceremonies: make(map[core.CeremonyKind]core.PendingCeremony),
	}

	atomic.AddInt64(&s.sets, 1)
	return nil
}

func (s *MemorySessionStore) GetSession(_ context.Context, id string) (*core.SessionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.liveLocked(id)
	if !ok {
		atomic.AddInt64(&s.misses, 1)
		return nil, core.ErrSessionNotFound
	}

	atomic.AddInt64(&s.hits, 1)
	entry := rec.entry
	return &entry, nil
}

func (s *MemorySessionStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.entries[id]; existed {
		delete(s.entries, id)
		atomic.AddInt64(&s.deletes, 1)
	}
	return nil
}

func (s *MemorySessionStore) PutCeremony(_ context.Context, sessionID string, c core.PendingCeremony) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.liveLocked(sessionID)
	if !ok {
		return core.ErrSessionNotFound
	}
	rec.ceremonies[c.Kind] = c

	atomic.AddInt64(&s.sets, 1)
	return nil
}

func (s *MemorySessionStore) GetCeremony(_ context.Context, sessionID string, kind core.CeremonyKind) (*core.PendingCeremony, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.liveLocked(sessionID)
	if !ok {
		atomic.AddInt64(&s.misses, 1)
		return nil, core.ErrCeremonyNotFound
	}
	c, ok := rec.ceremonies[kind]
	if !ok || c.Expired(s.now()) {
		atomic.AddInt64(&s.misses, 1)
		return nil, core.ErrCeremonyNotFound
	}

	atomic.AddInt64(&s.hits, 1)
	return &c, nil
}

func (s *MemorySessionStore) TakeCeremony(_ context.Context, sessionID string, kind core.CeremonyKind) (*core.PendingCeremony, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.liveLocked(sessionID)
	if !ok {
		atomic.AddInt64(&s.misses, 1)
		return nil, core.ErrCeremonyNotFound
	}
	c, ok := rec.ceremonies[kind]
	if !ok {
		atomic.AddInt64(&s.misses, 1)
		return nil, core.ErrCeremonyNotFound
	}
	delete(rec.ceremonies, kind)
	atomic.AddInt64(&s.deletes, 1)

	if c.Expired(s.now()) {
		return nil, core.ErrCeremonyNotFound
	}
	atomic.AddInt64(&s.hits, 1)
	return &c, nil
}

// DeleteExpired drops expired entries and expired ceremonies of live entries. It
// returns the number of entries removed.
func (s *MemorySessionStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.entries {
		if rec.entry.Expired(now) {
			delete(s.entries, id)
			removed++
			continue
		}
		for kind, c := range rec.ceremonies {
			if c.Expired(now) {
				delete(rec.ceremonies, kind)
			}
		}
	}

	atomic.AddInt64(&s.evictions, int64(removed))
	return removed, nil
}

// liveLocked returns the record if it exists and has not expired. Callers hold mu.
func (s *MemorySessionStore) liveLocked(id string) (*record, bool) {
	rec, ok := s.entries[id]
	if !ok || rec.entry.Expired(s.now()) {
		return nil, false
	}
	return rec, true
}

func (s *MemorySessionStore) evictOldestLocked() {
	var (
		oldestID string
		oldestAt time.Time
	)
	for id, rec := range s.entries {
		if oldestID == "" || rec.entry.CreatedAt.Before(oldestAt) {
			oldestID, oldestAt = id, rec.entry.CreatedAt
		}
	}
	if oldestID != "" {
		delete(s.entries, oldestID)
		atomic.AddInt64(&s.evictions, 1)
	}
}

// Len returns the number of stored entries, expired or not
func (s *MemorySessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Stats returns store statistics
func (s *MemorySessionStore) Stats() Stats {
	return Stats{
		Hits:      atomic.LoadInt64(&s.hits),
		Misses:    atomic.LoadInt64(&s.misses),
		Sets:      atomic.LoadInt64(&s.sets),
		Deletes:   atomic.LoadInt64(&s.deletes),
		Evictions: atomic.LoadInt64(&s.evictions),
		Size:      s.Len(),
	}
}
