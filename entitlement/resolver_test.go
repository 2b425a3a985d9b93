package entitlement_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pawmatch/gatekeeper/clock"
	"github.com/pawmatch/gatekeeper/entitlement"
	"github.com/pawmatch/gatekeeper/plan"
	"github.com/pawmatch/gatekeeper/store"
	"github.com/pawmatch/gatekeeper/store/memory"
)

var errDown = errors.New("connection refused")

// downStore fails every read while down is set.
type downStore struct {
	*memory.Store
	down bool
}

func (s *downStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.down {
		return nil, errDown
	}
	return s.Store.Get(ctx, key)
}

// pausedStore reads key, reports the read on read, then holds the stale
// value until release is closed.
type pausedStore struct {
	*memory.Store
	key     string
	read    chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *pausedStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.Store.Get(ctx, key)
	if key != s.key {
		return data, err
	}
	paused := false
	s.once.Do(func() { paused = true })
	if paused {
		close(s.read)
		<-s.release
	}
	return data, err
}

func assign(t *testing.T, kv store.Store, a entitlement.Assignment) {
	t.Helper()
	if err := entitlement.SaveAssignment(context.Background(), kv, &a, time.Now()); err != nil {
		t.Fatalf("SaveAssignment: %v", err)
	}
}

func TestResolveIsPure(t *testing.T) {
	p, err := plan.DefaultCatalog().Get("premium_monthly")
	if err != nil {
		t.Fatal(err)
	}
	a := entitlement.Resolve(p)
	b := entitlement.Resolve(p)

	if a.PlanID != b.PlanID || a.SwipeDailyCap != b.SwipeDailyCap || len(a.Features) != len(b.Features) {
		t.Fatalf("Resolve is not deterministic: %+v vs %+v", a, b)
	}
	for i := range a.Features {
		if a.Features[i] != b.Features[i] {
			t.Fatalf("feature order differs at %d", i)
		}
	}
}

func TestFreeUserGetsFreeCapsExactly(t *testing.T) {
	catalog := plan.DefaultCatalog()
	r := entitlement.NewResolver(memory.New(), catalog)

	res := r.UserEntitlements(context.Background(), "u1")
	if res.Source != entitlement.SourceResolved || res.Err != nil {
		t.Fatalf("source = %s, err = %v; want resolved", res.Source, res.Err)
	}

	free := catalog.Free()
	if res.PlanID != plan.FreePlanID || res.Tier != plan.TierFree {
		t.Errorf("plan = %s/%s", res.PlanID, res.Tier)
	}
	if len(res.Features) != len(free.Bundle.Features) {
		t.Errorf("features = %v, want %v", res.Features, free.Bundle.Features)
	}
	if res.SwipeDailyCap != free.Bundle.SwipeDailyCap ||
		res.SuperLikesPerDay != free.Bundle.SuperLikesPerDay ||
		res.BoostsPerWeek != free.Bundle.BoostsPerWeek ||
		res.AdoptionListingLimit != free.Bundle.AdoptionListingLimit {
		t.Errorf("caps = %+v, want %+v", res.Entitlements, free.Bundle)
	}
	if res.UserID != "u1" {
		t.Errorf("user = %q", res.UserID)
	}
}

func TestAssignedPlanWithConsumables(t *testing.T) {
	kv := memory.New()
	assign(t, kv, entitlement.Assignment{
		UserID: "u1",
		PlanID: "premium_monthly",
		Consumables: map[plan.Consumable]int64{
			plan.ConsumableBoost:     2,
			plan.ConsumableSuperLike: -4,
		},
	})

	res := entitlement.NewResolver(kv, nil).UserEntitlements(context.Background(), "u1")
	if res.Defaulted() {
		t.Fatalf("unexpected fallback: %v", res.Err)
	}
	if res.Tier != plan.TierPremium || !res.Has(plan.FeatureSeeWhoLiked) {
		t.Errorf("premium not resolved: %+v", res.Entitlements)
	}
	if !res.SwipeDailyCap.IsUnlimited() {
		t.Errorf("swipe cap = %s, want unlimited", res.SwipeDailyCap)
	}
	if got := res.Consumable(plan.ConsumableBoost); got != 2 {
		t.Errorf("boosts = %d, want 2", got)
	}
	if got := res.Consumable(plan.ConsumableSuperLike); got != 0 {
		t.Errorf("super likes = %d, want clamped 0", got)
	}
}

func TestFallbackIsObservable(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*downStore)
		wantErr error
	}{
		{
			name:    "store unavailable",
			setup:   func(s *downStore) { s.down = true },
			wantErr: errDown,
		},
		{
			name: "unknown plan",
			setup: func(s *downStore) {
				_ = store.SetJSON(context.Background(), s.Store, entitlement.AssignmentKey("u1"),
					entitlement.Assignment{UserID: "u1", PlanID: "platinum"}, 0)
			},
			wantErr: entitlement.ErrUnknownPlan,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv := &downStore{Store: memory.New()}
			tt.setup(kv)
			r := entitlement.NewResolver(kv, nil)

			res := r.UserEntitlements(context.Background(), "u1")
			if !res.Defaulted() {
				t.Fatalf("source = %s, want defaulted", res.Source)
			}
			if !errors.Is(res.Err, tt.wantErr) {
				t.Errorf("err = %v, want %v", res.Err, tt.wantErr)
			}
			if res.PlanID != plan.FreePlanID {
				t.Errorf("plan = %s, want free", res.PlanID)
			}

			p, src, err := r.UserPlan(context.Background(), "u1")
			if p.ID != plan.FreePlanID || src != entitlement.SourceDefaulted || err == nil {
				t.Errorf("UserPlan = %s, %s, %v", p.ID, src, err)
			}
		})
	}
}

func TestDefaultedResultsAreNotCached(t *testing.T) {
	kv := &downStore{Store: memory.New(), down: true}
	assign(t, kv.Store, entitlement.Assignment{UserID: "u1", PlanID: "plus_monthly"})
	r := entitlement.NewResolver(kv, nil)

	if res := r.UserEntitlements(context.Background(), "u1"); !res.Defaulted() {
		t.Fatal("expected fallback while store is down")
	}

	kv.down = false
	res := r.UserEntitlements(context.Background(), "u1")
	if res.Defaulted() || res.PlanID != "plus_monthly" {
		t.Fatalf("after recovery: %s %s", res.Source, res.PlanID)
	}
}

func TestCacheTTLAndInvalidate(t *testing.T) {
	kv := memory.New()
	clk := clock.NewFixed(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	r := entitlement.NewResolver(kv, nil,
		entitlement.WithClock(clk),
		entitlement.WithCache(16, time.Minute),
	)
	ctx := context.Background()

	assign(t, kv, entitlement.Assignment{UserID: "u1", PlanID: "plus_monthly"})
	if got := r.UserEntitlements(ctx, "u1").PlanID; got != "plus_monthly" {
		t.Fatalf("plan = %s", got)
	}

	assign(t, kv, entitlement.Assignment{UserID: "u1", PlanID: "premium_monthly"})
	if got := r.UserEntitlements(ctx, "u1").PlanID; got != "plus_monthly" {
		t.Errorf("cached plan = %s, want plus_monthly", got)
	}

	clk.Advance(time.Minute)
	if got := r.UserEntitlements(ctx, "u1").PlanID; got != "premium_monthly" {
		t.Errorf("after ttl plan = %s, want premium_monthly", got)
	}

	assign(t, kv, entitlement.Assignment{UserID: "u1", PlanID: plan.FreePlanID})
	r.Invalidate("u1")
	if got := r.UserEntitlements(ctx, "u1").PlanID; got != plan.FreePlanID {
		t.Errorf("after invalidate plan = %s, want free", got)
	}
}

func TestInvalidateDuringInFlightResolve(t *testing.T) {
	kv := &pausedStore{
		Store:   memory.New(),
		key:     entitlement.AssignmentKey("u1"),
		read:    make(chan struct{}),
		release: make(chan struct{}),
	}
	r := entitlement.NewResolver(kv, nil, entitlement.WithCache(16, time.Minute))
	ctx := context.Background()

	assign(t, kv.Store, entitlement.Assignment{UserID: "u1", PlanID: "premium_monthly"})

	stale := make(chan string, 1)
	go func() { stale <- r.UserEntitlements(ctx, "u1").PlanID }()
	<-kv.read

	assign(t, kv.Store, entitlement.Assignment{UserID: "u1", PlanID: plan.FreePlanID})
	r.Invalidate("u1")

	if got := r.UserEntitlements(ctx, "u1").PlanID; got != plan.FreePlanID {
		t.Errorf("resolve after invalidate = %s, want free", got)
	}

	close(kv.release)
	if got := <-stale; got != "premium_monthly" {
		t.Fatalf("in-flight resolve = %s, want the stale premium_monthly", got)
	}

	if got := r.UserEntitlements(ctx, "u1").PlanID; got != plan.FreePlanID {
		t.Errorf("stale resolve was cached: plan = %s, want free", got)
	}
}

func TestCacheDisabled(t *testing.T) {
	kv := memory.New()
	r := entitlement.NewResolver(kv, nil, entitlement.WithCache(0, 0))
	ctx := context.Background()

	assign(t, kv, entitlement.Assignment{UserID: "u1", PlanID: "plus_monthly"})
	_ = r.UserEntitlements(ctx, "u1")
	assign(t, kv, entitlement.Assignment{UserID: "u1", PlanID: "premium_yearly"})

	if got := r.UserEntitlements(ctx, "u1").PlanID; got != "premium_yearly" {
		t.Errorf("plan = %s, want premium_yearly", got)
	}
}

func TestResultLimited(t *testing.T) {
	var r entitlement.Result
	r.Limited(10, 4)
	if r.Limit == nil || *r.Limit != 10 || r.Remaining == nil || *r.Remaining != 6 || r.Used != 4 {
		t.Errorf("numeric cap: %+v", r)
	}

	var u entitlement.Result
	u.Limited(plan.Unlimited, 400)
	if u.Limit != nil || u.Remaining != nil {
		t.Errorf("unlimited cap should leave limit and remaining nil: %+v", u)
	}
}
