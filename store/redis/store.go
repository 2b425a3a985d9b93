// Package redis implements store.Store and store.Locker on Redis.
// Keys are namespaced as {prefix}:{key}.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pawmatch/gatekeeper/id"
	"github.com/pawmatch/gatekeeper/store"
)

var (
	_ store.Store  = (*Store)(nil)
	_ store.Locker = (*Store)(nil)
)

const (
	// DefaultPrefix namespaces every key written by the store.
	DefaultPrefix = "gatekeeper"

	lockRetryInterval = 10 * time.Millisecond
)

// releaseScript deletes the lock only if the caller still owns it.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Store is a Redis-backed Store.
type Store struct {
	client goredis.UniversalClient
	prefix string
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the key namespace.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// New wraps an existing client.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open parses a redis:// URL and connects.
func Open(ctx context.Context, url string, opts ...Option) (*Store, error) {
	o, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("store/redis: parse url: %w", err)
	}
	s := New(goredis.NewClient(o), opts...)
	if err := s.Ping(ctx); err != nil {
		_ = s.Close() // Best-effort cleanup
		return nil, err
	}
	return s, nil
}

func (s *Store) key(k string) string { return s.prefix + ":" + k }

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store/redis: get %s: %w", key, err)
	}
	return val, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("store/redis: set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("store/redis: delete %s: %w", key, err)
	}
	return nil
}

// Lock acquires a SET NX lock on key, polling until ctx is done. The lock
// expires after ttl even if the holder never releases it.
func (s *Store) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lockKey := s.key(key)
	token := id.NewOperationID().String()

	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()

	for {
		ok, err := s.client.SetNX(ctx, lockKey, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("store/redis: lock %s: %w", key, err)
		}
		if ok {
			return func() {
				// Release with a fresh context so a canceled request still unlocks.
				_ = releaseScript.Run(context.Background(), s.client, []string{lockKey}, token).Err() //nolint:errcheck // lock expires on its own
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", store.ErrLockTimeout, key, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Migrate is a no-op; Redis needs no schema.
func (s *Store) Migrate(context.Context) error { return nil }

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis ping: %w", store.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Close() error { return s.client.Close() }
