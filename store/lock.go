package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// KeyedMutex is an in-process Locker. Each key gets its own mutex that is
// dropped once no goroutine holds or waits on it.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

var _ Locker = (*KeyedMutex)(nil)

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is free or ctx is done. The ttl is ignored: an
// in-process lock is released when its holder calls unlock.
func (m *KeyedMutex) Lock(ctx context.Context, key string, _ time.Duration) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, l, false)
		return nil, fmt.Errorf("%w: %s: %w", ErrLockTimeout, key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.release(key, l, true) })
	}, nil
}

func (m *KeyedMutex) release(key string, l *keyLock, held bool) {
	if held {
		<-l.ch
	}
	m.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()
}

// Serializer runs functions one at a time per key. It locks through the
// backing store when that store is a Locker, so writers on other nodes
// are excluded too, and falls back to a KeyedMutex otherwise.
type Serializer struct {
	locker Locker
	ttl    time.Duration
}

// NewSerializer picks the lock implementation for s. A ttl of zero
// defaults to five seconds.
func NewSerializer(s Store, ttl time.Duration) *Serializer {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	var l Locker = NewKeyedMutex()
	if sl, ok := s.(Locker); ok && canLock(s) {
		l = sl
	}
	return &Serializer{locker: l, ttl: ttl}
}

// Do holds the lock on key while fn runs.
func (s *Serializer) Do(ctx context.Context, key string, fn func() error) error {
	unlock, err := s.locker.Lock(ctx, key, s.ttl)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// canLock honours wrappers that implement Locker only when their inner
// store does.
func canLock(s Store) bool {
	if c, ok := s.(interface{ CanLock() bool }); ok {
		return c.CanLock()
	}
	return true
}
