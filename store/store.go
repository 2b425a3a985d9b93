// Package store defines the key-value persistence boundary gatekeeper
// consumes. Backends live in sub-packages (memory, redis, postgres, sqlite,
// mongo) and can be wrapped by breaker for fail-fast behaviour.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key is absent or expired.
	ErrNotFound = errors.New("store: not found")

	// ErrUnavailable marks a backend that cannot currently serve requests.
	ErrUnavailable = errors.New("store: unavailable")

	// ErrLockTimeout is returned when a Locker could not acquire a lock in time.
	ErrLockTimeout = errors.New("store: lock timeout")
)

// Store is the key-value boundary. A ttl of zero means no expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Locker is implemented by backends that can serialize writers on a key
// across processes. The returned unlock func releases the lock.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// GetJSON loads key and decodes it into v.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("store: decode %s: %w", key, err)
	}
	return nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	return s.Set(ctx, key, data, ttl)
}

// IsNotFound reports whether err means the key was absent.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
