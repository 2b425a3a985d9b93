// Package breaker wraps a store.Store with a circuit breaker so a failing
// backend is short-circuited to store.ErrUnavailable instead of being hit
// on every request.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/pawmatch/gatekeeper/store"
)

var (
	_ store.Store  = (*Store)(nil)
	_ store.Locker = (*Store)(nil)
)

// Config controls when the breaker trips and how it recovers.
type Config struct {
	// Name labels the breaker in logs.
	Name string

	// MaxRequests is the number of trial requests allowed while half-open.
	MaxRequests uint32

	// Interval is the cyclic period of the closed state for clearing counts.
	Interval time.Duration

	// Timeout is how long the breaker stays open before going half-open.
	Timeout time.Duration

	// FailureThreshold is the number of consecutive failures that trips it.
	FailureThreshold uint32
}

// DefaultConfig returns the breaker settings used when none are given.
func DefaultConfig() Config {
	return Config{
		Name:             "store",
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
	}
}

// Store guards an inner store.Store.
type Store struct {
	inner  store.Store
	reads  *gobreaker.CircuitBreaker[[]byte]
	writes *gobreaker.CircuitBreaker[struct{}]
	logger *slog.Logger
}

// Wrap guards inner with read and write breakers built from cfg.
func Wrap(inner store.Store, cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{inner: inner, logger: logger}
	s.reads = gobreaker.NewCircuitBreaker[[]byte](s.settings(cfg, "read"))
	s.writes = gobreaker.NewCircuitBreaker[struct{}](s.settings(cfg, "write"))
	return s
}

func (s *Store) settings(cfg Config, kind string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        cfg.Name + "." + kind,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("store circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// A missing key is an answer, not a backend failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, store.ErrNotFound)
		},
	}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.reads.Execute(func() ([]byte, error) {
		return s.inner.Get(ctx, key)
	})
	return val, translate(err)
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.writes.Execute(func() (struct{}, error) {
		return struct{}{}, s.inner.Set(ctx, key, value, ttl)
	})
	return translate(err)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.writes.Execute(func() (struct{}, error) {
		return struct{}{}, s.inner.Delete(ctx, key)
	})
	return translate(err)
}

// Lock delegates to the inner store when it is a store.Locker.
func (s *Store) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l, ok := s.inner.(store.Locker)
	if !ok {
		return nil, fmt.Errorf("store/breaker: inner store %T cannot lock", s.inner)
	}
	if s.writes.State() == gobreaker.StateOpen {
		return nil, fmt.Errorf("%w: %s", store.ErrUnavailable, gobreaker.ErrOpenState)
	}
	return l.Lock(ctx, key, ttl)
}

// CanLock reports whether the inner store supports locking.
func (s *Store) CanLock() bool {
	_, ok := s.inner.(store.Locker)
	return ok
}

// State returns the read breaker state.
func (s *Store) State() gobreaker.State { return s.reads.State() }

func (s *Store) Migrate(ctx context.Context) error { return s.inner.Migrate(ctx) }

func (s *Store) Ping(ctx context.Context) error { return s.inner.Ping(ctx) }

func (s *Store) Close() error { return s.inner.Close() }

func translate(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	return err
}
