package lifecycle_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pawmatch/gatekeeper/audit"
	"github.com/pawmatch/gatekeeper/billing"
	"github.com/pawmatch/gatekeeper/billing/kvapi"
	"github.com/pawmatch/gatekeeper/clock"
	"github.com/pawmatch/gatekeeper/entitlement"
	"github.com/pawmatch/gatekeeper/eventbus"
	"github.com/pawmatch/gatekeeper/lifecycle"
	"github.com/pawmatch/gatekeeper/plan"
	"github.com/pawmatch/gatekeeper/store/memory"
	"github.com/pawmatch/gatekeeper/subscription"
	"github.com/pawmatch/gatekeeper/types"
)

var start = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

type harness struct {
	clk      *clock.Fixed
	api      *kvapi.API
	resolver *entitlement.Resolver
	mgr      *lifecycle.Manager
	log      *audit.Log
	logger   *slog.Logger
	logs     *bytes.Buffer

	mu     sync.Mutex
	events []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{clk: clock.NewFixed(start), logs: &bytes.Buffer{}}
	logger := slog.New(slog.NewTextHandler(h.logs, nil))
	h.logger = logger

	kv := memory.New(memory.WithNow(h.clk.Now))
	h.api = kvapi.New(kv, nil, kvapi.WithClock(h.clk))
	h.resolver = entitlement.NewResolver(kv, nil, entitlement.WithClock(h.clk))

	bus := eventbus.NewInProcessBus(logger)
	bus.Subscribe("subscription.#", func(_ context.Context, key string, _ []byte) error {
		h.mu.Lock()
		h.events = append(h.events, key)
		h.mu.Unlock()
		return nil
	})

	h.log = audit.NewLog(
		audit.WithRecorder(h.api),
		audit.WithPublisher(bus),
		audit.WithClock(h.clk),
		audit.WithLogger(logger),
	)
	h.mgr = h.manager(h.api)
	return h
}

// manager builds a Manager over api sharing the harness log and cache.
func (h *harness) manager(api billing.API) *lifecycle.Manager {
	return lifecycle.NewManager(api, h.log,
		lifecycle.WithInvalidator(h.resolver),
		lifecycle.WithClock(h.clk),
		lifecycle.WithLogger(h.logger),
	)
}

var errTransient = errors.New("transient store error")

// failingAPI fails the next failEntitlements UpdateEntitlements calls and
// the next failUpdates UpdateSubscription calls.
type failingAPI struct {
	*kvapi.API
	failEntitlements int
	failUpdates      int
}

func (f *failingAPI) UpdateEntitlements(ctx context.Context, u billing.EntitlementUpdate) error {
	if f.failEntitlements > 0 {
		f.failEntitlements--
		return errTransient
	}
	return f.API.UpdateEntitlements(ctx, u)
}

func (f *failingAPI) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if f.failUpdates > 0 {
		f.failUpdates--
		return errTransient
	}
	return f.API.UpdateSubscription(ctx, sub)
}

func (h *harness) subscribe(t *testing.T, userID, planID string) *subscription.Subscription {
	t.Helper()
	sub, err := h.mgr.CreateSubscription(context.Background(), billing.CreateRequest{
		UserID: userID, PlanID: planID, Store: subscription.ChannelPlayStore,
	})
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	return sub
}

func (h *harness) tier(t *testing.T, userID string) plan.Tier {
	t.Helper()
	res := h.resolver.UserEntitlements(context.Background(), userID)
	if res.Defaulted() {
		t.Fatalf("entitlements defaulted: %v", res.Err)
	}
	return res.Tier
}

func (h *harness) auditActions(t *testing.T, userID string) []string {
	t.Helper()
	entries, err := h.api.GetAuditLogs(context.Background(), billing.AuditQuery{UserID: userID})
	if err != nil {
		t.Fatalf("GetAuditLogs: %v", err)
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}

func (h *harness) stored(t *testing.T, userID string) *subscription.Subscription {
	t.Helper()
	sub, err := h.api.GetUserSubscription(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetUserSubscription: %v", err)
	}
	return sub
}

func TestCreateUpgradesEntitlements(t *testing.T) {
	h := newHarness(t)
	if got := h.tier(t, "u1"); got != plan.TierFree {
		t.Fatalf("tier before = %s", got)
	}
	h.subscribe(t, "u1", "premium_monthly")
	if got := h.tier(t, "u1"); got != plan.TierPremium {
		t.Errorf("tier after = %s, want premium", got)
	}
	if len(h.events) != 1 || h.events[0] != "subscription.created" {
		t.Errorf("events = %v", h.events)
	}
}

func TestSoftCancelLeavesStatusAndEntitlements(t *testing.T) {
	h := newHarness(t)
	sub := h.subscribe(t, "u1", "plus_monthly")

	got, err := h.mgr.CancelSubscription(context.Background(), sub.ID, false, "", "")
	if err != nil {
		t.Fatalf("CancelSubscription: %v", err)
	}
	if !got.CancelAtPeriodEnd || got.Status != subscription.StatusActive {
		t.Errorf("unexpected result %+v", got)
	}

	stored := h.stored(t, "u1")
	if !stored.CancelAtPeriodEnd || stored.Status != subscription.StatusActive || stored.CanceledAt != nil {
		t.Errorf("unexpected stored subscription %+v", stored)
	}
	if got := h.tier(t, "u1"); got != plan.TierPlus {
		t.Errorf("tier = %s, want plus", got)
	}
}

func TestHardCancelDowngrades(t *testing.T) {
	h := newHarness(t)
	sub := h.subscribe(t, "u1", "premium_monthly")
	_ = h.tier(t, "u1") // warm the cache

	got, err := h.mgr.CancelSubscription(context.Background(), sub.ID, true, "admin-9", "chargeback")
	if err != nil {
		t.Fatalf("CancelSubscription: %v", err)
	}
	if got.Status != subscription.StatusCanceled || got.CanceledAt == nil {
		t.Errorf("unexpected result %+v", got)
	}
	if got := h.tier(t, "u1"); got != plan.TierFree {
		t.Errorf("tier = %s, want free", got)
	}

	asg, err := h.api.GetUserEntitlements(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetUserEntitlements: %v", err)
	}
	if asg.PlanID != plan.FreePlanID || asg.Reason != "chargeback" || asg.ActorID != "admin-9" {
		t.Errorf("assignment not tagged: %+v", asg)
	}

	actions := h.auditActions(t, "u1")
	want := []string{audit.ActionSubscriptionCanceled, audit.ActionEntitlementsDowngraded}
	if len(actions) != len(want) || actions[0] != want[0] || actions[1] != want[1] {
		t.Errorf("audit actions = %v, want %v", actions, want)
	}
}

func TestHardCancelTwiceFails(t *testing.T) {
	h := newHarness(t)
	sub := h.subscribe(t, "u1", "plus_monthly")
	ctx := context.Background()

	if _, err := h.mgr.CancelSubscription(ctx, sub.ID, true, "", ""); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	if _, err := h.mgr.CancelSubscription(ctx, sub.ID, true, "", ""); !errors.Is(err, lifecycle.ErrAlreadyEnded) {
		t.Errorf("expected ErrAlreadyEnded, got %v", err)
	}
}

func TestHardCancelRetriesAfterPartialFailure(t *testing.T) {
	tests := []struct {
		name string
		api  func(h *harness) *failingAPI
	}{
		{"downgrade fails", func(h *harness) *failingAPI {
			return &failingAPI{API: h.api, failEntitlements: 1}
		}},
		{"status write fails", func(h *harness) *failingAPI {
			return &failingAPI{API: h.api, failUpdates: 1}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			sub := h.subscribe(t, "u1", "premium_monthly")
			mgr := h.manager(tt.api(h))

			if _, err := mgr.CancelSubscription(ctx, sub.ID, true, "admin-1", "fraud"); !errors.Is(err, errTransient) {
				t.Fatalf("first cancel err = %v, want transient failure", err)
			}
			if got := h.stored(t, "u1"); !got.Live() {
				t.Fatalf("subscription ended by a failed cancel: %s", got.Status)
			}

			got, err := mgr.CancelSubscription(ctx, sub.ID, true, "admin-1", "fraud")
			if err != nil {
				t.Fatalf("retry: %v", err)
			}
			if got.Status != subscription.StatusCanceled {
				t.Errorf("status = %s, want canceled", got.Status)
			}
			if stored := h.stored(t, "u1"); stored.Status != subscription.StatusCanceled {
				t.Errorf("stored status = %s, want canceled", stored.Status)
			}
			if tier := h.tier(t, "u1"); tier != plan.TierFree {
				t.Errorf("tier = %s, want free", tier)
			}
		})
	}
}

func TestNotFound(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, "u1", "plus_monthly")
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"soft cancel", func() error {
			_, err := h.mgr.CancelSubscription(ctx, "sub_missing", false, "", "")
			return err
		}},
		{"hard cancel", func() error {
			_, err := h.mgr.CancelSubscription(ctx, "sub_missing", true, "admin", "x")
			return err
		}},
		{"refund", func() error {
			_, err := h.mgr.RefundSubscription(ctx, "sub_missing", types.USD(500), "admin", "x")
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.logs.Reset()
			err := tt.call()
			if !errors.Is(err, lifecycle.ErrSubscriptionNotFound) {
				t.Fatalf("expected ErrSubscriptionNotFound, got %v", err)
			}
			if !strings.Contains(err.Error(), "subscription not found") {
				t.Errorf("error message = %q", err)
			}
			if !strings.Contains(h.logs.String(), "level=ERROR") {
				t.Errorf("not-found was not logged at error level: %s", h.logs.String())
			}
		})
	}

	if got := h.tier(t, "u1"); got != plan.TierPlus {
		t.Errorf("tier changed to %s", got)
	}
	if actions := h.auditActions(t, "u1"); len(actions) != 0 {
		t.Errorf("audit entries written: %v", actions)
	}
}

func TestRefundAuditsAndLeavesSubscription(t *testing.T) {
	h := newHarness(t)
	sub := h.subscribe(t, "u1", "premium_monthly")

	got, err := h.mgr.RefundSubscription(context.Background(), sub.ID, types.USD(1999), "admin-2", "duplicate charge")
	if err != nil {
		t.Fatalf("RefundSubscription: %v", err)
	}
	if got.Status != subscription.StatusActive || got.CancelAtPeriodEnd {
		t.Errorf("refund changed subscription: %+v", got)
	}

	entries, err := h.api.GetAuditLogs(context.Background(), billing.AuditQuery{Action: audit.ActionSubscriptionRefunded})
	if err != nil {
		t.Fatalf("GetAuditLogs: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d refund entries", len(entries))
	}
	e := entries[0]
	if e.ActorID != "admin-2" || e.Reason != "duplicate charge" || e.SubscriptionID != sub.ID {
		t.Errorf("unexpected entry %+v", e)
	}
	// Details round-trip through JSON, so numbers come back as float64.
	if amt, _ := e.Details["amount"].(float64); amt != 1999 {
		t.Errorf("amount = %v", e.Details["amount"])
	}
	if got := h.tier(t, "u1"); got != plan.TierPremium {
		t.Errorf("tier = %s, want premium", got)
	}
}

func TestRefundRejectsNonPositive(t *testing.T) {
	h := newHarness(t)
	sub := h.subscribe(t, "u1", "plus_monthly")
	for _, amt := range []types.Money{types.USD(0), types.USD(-100)} {
		if _, err := h.mgr.RefundSubscription(context.Background(), sub.ID, amt, "a", "r"); !errors.Is(err, lifecycle.ErrInvalidAmount) {
			t.Errorf("amount %s: expected ErrInvalidAmount, got %v", amt, err)
		}
	}
}

func TestGrantComp(t *testing.T) {
	h := newHarness(t)
	sub, err := h.mgr.GrantComp(context.Background(), "u1", "premium_monthly", "admin-1", "shelter partner")
	if err != nil {
		t.Fatalf("GrantComp: %v", err)
	}
	if !sub.IsComp || sub.Store != subscription.ChannelComp || sub.CompReason != "shelter partner" {
		t.Errorf("unexpected comp subscription %+v", sub)
	}
	if got := h.tier(t, "u1"); got != plan.TierPremium {
		t.Errorf("tier = %s, want premium", got)
	}
	if actions := h.auditActions(t, "u1"); len(actions) != 1 || actions[0] != audit.ActionSubscriptionSoftCanceled {
		t.Errorf("audit actions = %v", actions)
	}
}

func TestExpireDue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	soft := h.subscribe(t, "u1", "plus_monthly")
	h.subscribe(t, "u2", "plus_monthly")

	if _, err := h.mgr.CancelSubscription(ctx, soft.ID, false, "", ""); err != nil {
		t.Fatalf("CancelSubscription: %v", err)
	}

	expired, err := h.mgr.ExpireDue(ctx)
	if err != nil || len(expired) != 0 {
		t.Fatalf("before period end: expired %d, err %v", len(expired), err)
	}

	h.clk.Set(soft.CurrentPeriodEnd.Add(time.Minute))
	expired, err = h.mgr.ExpireDue(ctx)
	if err != nil {
		t.Fatalf("ExpireDue: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != soft.ID {
		t.Fatalf("expired = %+v", expired)
	}
	if got := h.stored(t, "u1"); got.Status != subscription.StatusCanceled || got.CanceledAt == nil {
		t.Errorf("status = %s, want canceled", got.Status)
	}
	if actions := h.auditActions(t, "u1"); len(actions) == 0 || actions[0] != audit.ActionSubscriptionExpired {
		t.Errorf("audit actions = %v, want expiry first", actions)
	}
	if got := h.tier(t, "u1"); got != plan.TierFree {
		t.Errorf("u1 tier = %s, want free", got)
	}
	if got := h.tier(t, "u2"); got != plan.TierPlus {
		t.Errorf("u2 tier = %s, want plus", got)
	}
}
