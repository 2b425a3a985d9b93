package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pawmatch/gatekeeper/store"
	"github.com/pawmatch/gatekeeper/store/memory"
)

func TestGetSetDelete(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	if _, err := s.Get(ctx, "missing"); !store.IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.Set(ctx, "k", []byte("v1"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil || string(got) != "v1" {
		t.Fatalf("Get = %q, %v", got, err)
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "k"); !store.IsNotFound(err) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := memory.New(memory.WithNow(func() time.Time { return now }))

	if err := s.Set(ctx, "marker", []byte("1"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := s.Get(ctx, "marker"); err != nil {
		t.Fatalf("Get before expiry: %v", err)
	}

	now = now.Add(time.Hour)
	if _, err := s.Get(ctx, "marker"); !store.IsNotFound(err) {
		t.Fatalf("expected expiry, got %v", err)
	}
	if n := s.Purge(); n != 1 {
		t.Errorf("Purge = %d, want 1", n)
	}
}

func TestValueIsCopied(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	buf := []byte("abc")
	_ = s.Set(ctx, "k", buf, 0)
	buf[0] = 'z'

	got, _ := s.Get(ctx, "k")
	if string(got) != "abc" {
		t.Errorf("stored value aliased caller buffer: %q", got)
	}
}

func TestLockSerializes(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := s.Lock(ctx, "user-1", time.Second)
			if err != nil {
				t.Errorf("Lock: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("lock admitted %d holders at once", maxSeen)
	}
}

func TestLockHonoursContext(t *testing.T) {
	s := memory.New()
	unlock, err := s.Lock(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := s.Lock(ctx, "k", time.Second); !errors.Is(err, store.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout while lock is held, got %v", err)
	}
}
