package plugin_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pawmatch/gatekeeper/entitlement"
	"github.com/pawmatch/gatekeeper/plugin"
	"github.com/pawmatch/gatekeeper/subscription"
	"github.com/pawmatch/gatekeeper/types"
)

type recorder struct {
	name     string
	created  atomic.Int32
	refunded atomic.Int64
	checked  atomic.Int32
	fail     bool
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) OnSubscriptionCreated(context.Context, *subscription.Subscription) error {
	r.created.Add(1)
	if r.fail {
		return errors.New("boom")
	}
	return nil
}

func (r *recorder) OnSubscriptionRefunded(_ context.Context, _ *subscription.Subscription, amount types.Money) error {
	r.refunded.Add(amount.Amount)
	return nil
}

func (r *recorder) OnActionChecked(context.Context, string, string, entitlement.Result) error {
	r.checked.Add(1)
	return nil
}

type slow struct{}

func (slow) Name() string { return "slow" }

func (slow) OnSubscriptionCreated(ctx context.Context, _ *subscription.Subscription) error {
	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
	}
	return nil
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := plugin.NewRegistry()
	if err := r.Register(&recorder{name: "a"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(&recorder{name: "a"}); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if r.Count() != 1 || r.Get("a") == nil || r.Get("b") != nil {
		t.Errorf("unexpected registry state: count=%d", r.Count())
	}
}

func TestEmitDispatchesToImplementers(t *testing.T) {
	r := plugin.NewRegistry()
	a := &recorder{name: "a"}
	b := &recorder{name: "b", fail: true}
	for _, p := range []plugin.Plugin{a, b, slow{}} {
		if err := r.Register(p); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	r.WithTimeout(20 * time.Millisecond)

	ctx := context.Background()
	sub := &subscription.Subscription{ID: "sub_1"}
	r.EmitSubscriptionCreated(ctx, sub)
	r.EmitSubscriptionRefunded(ctx, sub, types.USD(250))
	r.EmitActionChecked(ctx, "u1", "swipe", entitlement.Result{Allowed: true})

	if a.created.Load() != 1 || b.created.Load() != 1 {
		t.Errorf("created calls: a=%d b=%d", a.created.Load(), b.created.Load())
	}
	if a.refunded.Load() != 250 {
		t.Errorf("refunded = %d", a.refunded.Load())
	}
	if a.checked.Load() != 1 || b.checked.Load() != 1 {
		t.Errorf("checked calls: a=%d b=%d", a.checked.Load(), b.checked.Load())
	}
}

func TestEmitStopsOnCancelledContext(t *testing.T) {
	r := plugin.NewRegistry()
	if err := r.Register(slow{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		r.EmitSubscriptionCreated(ctx, &subscription.Subscription{})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("emit blocked on a cancelled context")
	}
}
