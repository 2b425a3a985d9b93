// Package observability provides a metrics extension for gatekeeper that
// records lifecycle and authorization counts through a MetricFactory.
package observability

import (
	"context"

	"github.com/pawmatch/gatekeeper/entitlement"
	"github.com/pawmatch/gatekeeper/meter"
	"github.com/pawmatch/gatekeeper/plan"
	"github.com/pawmatch/gatekeeper/plugin"
	"github.com/pawmatch/gatekeeper/subscription"
	"github.com/pawmatch/gatekeeper/types"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                  = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionCreated   = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionCanceled  = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionRefunded  = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionExpired   = (*MetricsExtension)(nil)
	_ plugin.OnActionChecked         = (*MetricsExtension)(nil)
	_ plugin.OnLimitReached          = (*MetricsExtension)(nil)
	_ plugin.OnEntitlementsDefaulted = (*MetricsExtension)(nil)
	_ plugin.OnUsageIncremented      = (*MetricsExtension)(nil)
	_ plugin.OnConsumableChanged     = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide lifecycle metrics.
// Register it as a gatekeeper plugin to track them automatically.
type MetricsExtension struct {
	// Subscription metrics
	SubscriptionCreated      Counter
	SubscriptionSoftCanceled Counter
	SubscriptionCanceled     Counter
	SubscriptionExpired      Counter
	SubscriptionRefunded     Counter
	RefundAmount             Histogram

	// Authorization metrics
	ActionChecks  Counter
	ActionDenied  Counter
	LimitReached  Counter
	FreeFallbacks Counter

	// Usage metrics
	UsageCommitted Counter
	UsageReplayed  Counter
	UsageRefused   Counter

	// Consumable metrics
	ConsumablesAdded    Counter
	ConsumablesRedeemed Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		SubscriptionCreated:      factory.Counter("gatekeeper.subscription.created"),
		SubscriptionSoftCanceled: factory.Counter("gatekeeper.subscription.soft_canceled"),
		SubscriptionCanceled:     factory.Counter("gatekeeper.subscription.canceled"),
		SubscriptionExpired:      factory.Counter("gatekeeper.subscription.expired"),
		SubscriptionRefunded:     factory.Counter("gatekeeper.subscription.refunded"),
		RefundAmount:             factory.Histogram("gatekeeper.subscription.refund_amount"),

		ActionChecks:  factory.Counter("gatekeeper.action.checks"),
		ActionDenied:  factory.Counter("gatekeeper.action.denied"),
		LimitReached:  factory.Counter("gatekeeper.limit.reached"),
		FreeFallbacks: factory.Counter("gatekeeper.entitlements.defaulted"),

		UsageCommitted: factory.Counter("gatekeeper.usage.committed"),
		UsageReplayed:  factory.Counter("gatekeeper.usage.replayed"),
		UsageRefused:   factory.Counter("gatekeeper.usage.refused"),

		ConsumablesAdded:    factory.Counter("gatekeeper.consumable.added"),
		ConsumablesRedeemed: factory.Counter("gatekeeper.consumable.redeemed"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ──────────────────────────────────────────────────
// Subscription lifecycle hooks
// ──────────────────────────────────────────────────

// OnSubscriptionCreated implements plugin.OnSubscriptionCreated.
func (m *MetricsExtension) OnSubscriptionCreated(_ context.Context, _ *subscription.Subscription) error {
	m.SubscriptionCreated.Inc()
	return nil
}

// OnSubscriptionCanceled implements plugin.OnSubscriptionCanceled.
func (m *MetricsExtension) OnSubscriptionCanceled(_ context.Context, _ *subscription.Subscription, immediate bool) error {
	if immediate {
		m.SubscriptionCanceled.Inc()
	} else {
		m.SubscriptionSoftCanceled.Inc()
	}
	return nil
}

// OnSubscriptionRefunded implements plugin.OnSubscriptionRefunded.
func (m *MetricsExtension) OnSubscriptionRefunded(_ context.Context, _ *subscription.Subscription, amount types.Money) error {
	m.SubscriptionRefunded.Inc()
	m.RefundAmount.Observe(float64(amount.Amount))
	return nil
}

// OnSubscriptionExpired implements plugin.OnSubscriptionExpired.
func (m *MetricsExtension) OnSubscriptionExpired(_ context.Context, _ *subscription.Subscription) error {
	m.SubscriptionExpired.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Authorization hooks
// ──────────────────────────────────────────────────

// OnActionChecked implements plugin.OnActionChecked.
func (m *MetricsExtension) OnActionChecked(_ context.Context, _, _ string, result entitlement.Result) error {
	m.ActionChecks.Inc()
	if !result.Allowed {
		m.ActionDenied.Inc()
	}
	return nil
}

// OnLimitReached implements plugin.OnLimitReached.
func (m *MetricsExtension) OnLimitReached(_ context.Context, _, _ string, _, _ int64) error {
	m.LimitReached.Inc()
	return nil
}

// OnEntitlementsDefaulted implements plugin.OnEntitlementsDefaulted.
func (m *MetricsExtension) OnEntitlementsDefaulted(_ context.Context, _ string, _ error) error {
	m.FreeFallbacks.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Usage hooks
// ──────────────────────────────────────────────────

// OnUsageIncremented implements plugin.OnUsageIncremented.
func (m *MetricsExtension) OnUsageIncremented(_ context.Context, _ string, _ meter.UsageType, result meter.IncrementResult) error {
	switch {
	case result.Replayed:
		m.UsageReplayed.Inc()
	case result.Success:
		m.UsageCommitted.Inc()
	default:
		m.UsageRefused.Inc()
	}
	return nil
}

// OnConsumableChanged implements plugin.OnConsumableChanged.
func (m *MetricsExtension) OnConsumableChanged(_ context.Context, _ string, _ plan.Consumable, delta, _ int64) error {
	if delta < 0 {
		m.ConsumablesRedeemed.Add(float64(-delta))
	} else {
		m.ConsumablesAdded.Add(float64(delta))
	}
	return nil
}
