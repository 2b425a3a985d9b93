package observability_test

import (
	"context"
	"testing"

	promclient "github.com/prometheus/client_golang/prometheus"

	"github.com/pawmatch/gatekeeper/entitlement"
	"github.com/pawmatch/gatekeeper/meter"
	"github.com/pawmatch/gatekeeper/observability"
	"github.com/pawmatch/gatekeeper/plan"
	"github.com/pawmatch/gatekeeper/subscription"
	"github.com/pawmatch/gatekeeper/types"
)

func counterValues(t *testing.T, reg *promclient.Registry) map[string]float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	out := make(map[string]float64)
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				out[mf.GetName()] += c.GetValue()
			}
		}
	}
	return out
}

func TestMetricsExtensionCounts(t *testing.T) {
	reg := promclient.NewRegistry()
	m := observability.NewMetricsExtension(observability.NewPrometheusFactory(reg, nil))
	ctx := context.Background()
	sub := &subscription.Subscription{ID: "sub_1"}

	_ = m.OnSubscriptionCreated(ctx, sub)
	_ = m.OnSubscriptionCanceled(ctx, sub, false)
	_ = m.OnSubscriptionCanceled(ctx, sub, true)
	_ = m.OnSubscriptionRefunded(ctx, sub, types.USD(500))
	_ = m.OnActionChecked(ctx, "u1", "swipe", entitlement.Result{Allowed: true})
	_ = m.OnActionChecked(ctx, "u1", "boost", entitlement.Result{})
	_ = m.OnUsageIncremented(ctx, "u1", meter.UsageSwipe, meter.IncrementResult{Success: true})
	_ = m.OnUsageIncremented(ctx, "u1", meter.UsageSwipe, meter.IncrementResult{Success: true, Replayed: true})
	_ = m.OnUsageIncremented(ctx, "u1", meter.UsageSwipe, meter.IncrementResult{})
	_ = m.OnConsumableChanged(ctx, "u1", plan.ConsumableBoost, 3, 3)
	_ = m.OnConsumableChanged(ctx, "u1", plan.ConsumableBoost, -2, 1)

	got := counterValues(t, reg)
	want := map[string]float64{
		"gatekeeper_subscription_created_total":       1,
		"gatekeeper_subscription_soft_canceled_total": 1,
		"gatekeeper_subscription_canceled_total":      1,
		"gatekeeper_subscription_refunded_total":      1,
		"gatekeeper_action_checks_total":              2,
		"gatekeeper_action_denied_total":              1,
		"gatekeeper_usage_committed_total":            1,
		"gatekeeper_usage_replayed_total":             1,
		"gatekeeper_usage_refused_total":              1,
		"gatekeeper_consumable_added_total":           3,
		"gatekeeper_consumable_redeemed_total":        2,
	}
	for name, v := range want {
		if got[name] != v {
			t.Errorf("%s = %v, want %v", name, got[name], v)
		}
	}
}

func TestFactoryReusesRegisteredMetrics(t *testing.T) {
	reg := promclient.NewRegistry()
	f := observability.NewPrometheusFactory(reg, nil)

	a := f.Counter("gatekeeper.limit.reached")
	b := f.Counter("gatekeeper.limit.reached")
	a.Inc()
	b.Inc()

	if got := counterValues(t, reg)["gatekeeper_limit_reached_total"]; got != 2 {
		t.Errorf("counter = %v, want 2", got)
	}
}
