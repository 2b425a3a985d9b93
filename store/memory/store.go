// Package memory is an in-process Store used by tests and single-node
// deployments. It also implements store.Locker with per-key mutexes.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/pawmatch/gatekeeper/store"
)

var (
	_ store.Store  = (*Store)(nil)
	_ store.Locker = (*Store)(nil)
)

type entry struct {
	value     []byte
	expiresAt time.Time // zero = no expiry
}

// Store is a map-backed Store with lazy expiry.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time

	locks *store.KeyedMutex
}

// Option configures a Store.
type Option func(*Store)

// WithNow overrides the time source used for expiry.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]entry),
		locks:   store.NewKeyedMutex(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok || s.expired(e) {
		return nil, store.ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = e
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// Purge drops expired entries and returns how many were removed.
func (s *Store) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, e := range s.entries {
		if s.expired(e) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.entries {
		if !s.expired(e) {
			n++
		}
	}
	return n
}

// Lock implements store.Locker with in-process per-key mutexes.
func (s *Store) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	return s.locks.Lock(ctx, key, ttl)
}

func (s *Store) Migrate(context.Context) error { return nil }

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func (s *Store) expired(e entry) bool {
	return !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt)
}
