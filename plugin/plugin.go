// Package plugin provides an extensible plugin system for gatekeeper.
// Plugins hook into subscription, entitlement and usage events to extend
// functionality without touching the request path.
package plugin

import (
	"context"

	"github.com/pawmatch/gatekeeper/entitlement"
	"github.com/pawmatch/gatekeeper/meter"
	"github.com/pawmatch/gatekeeper/plan"
	"github.com/pawmatch/gatekeeper/subscription"
	"github.com/pawmatch/gatekeeper/types"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts. engine is the *gatekeeper.Engine.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Subscription lifecycle hooks
// ──────────────────────────────────────────────────

// OnSubscriptionCreated is called after a subscription is created.
type OnSubscriptionCreated interface {
	Plugin
	OnSubscriptionCreated(ctx context.Context, sub *subscription.Subscription) error
}

// OnSubscriptionCanceled is called after a soft or immediate cancel.
type OnSubscriptionCanceled interface {
	Plugin
	OnSubscriptionCanceled(ctx context.Context, sub *subscription.Subscription, immediate bool) error
}

// OnSubscriptionRefunded is called after a refund is recorded.
type OnSubscriptionRefunded interface {
	Plugin
	OnSubscriptionRefunded(ctx context.Context, sub *subscription.Subscription, amount types.Money) error
}

// OnSubscriptionExpired is called when a soft-cancelled subscription
// reaches its period end.
type OnSubscriptionExpired interface {
	Plugin
	OnSubscriptionExpired(ctx context.Context, sub *subscription.Subscription) error
}

// ──────────────────────────────────────────────────
// Entitlement hooks
// ──────────────────────────────────────────────────

// OnActionChecked is called after every authorization decision.
type OnActionChecked interface {
	Plugin
	OnActionChecked(ctx context.Context, userID, action string, result entitlement.Result) error
}

// OnLimitReached is called when a metered or capped action is denied
// because its limit is used up.
type OnLimitReached interface {
	Plugin
	OnLimitReached(ctx context.Context, userID, action string, used, limit int64) error
}

// OnEntitlementsDefaulted is called when a user's entitlements fell back
// to the free plan because their assignment could not be read.
type OnEntitlementsDefaulted interface {
	Plugin
	OnEntitlementsDefaulted(ctx context.Context, userID string, cause error) error
}

// ──────────────────────────────────────────────────
// Usage hooks
// ──────────────────────────────────────────────────

// OnUsageIncremented is called after every increment attempt, including
// replays and denials.
type OnUsageIncremented interface {
	Plugin
	OnUsageIncremented(ctx context.Context, userID string, t meter.UsageType, result meter.IncrementResult) error
}

// OnConsumableChanged is called after a consumable grant (delta > 0) or
// redemption (delta < 0).
type OnConsumableChanged interface {
	Plugin
	OnConsumableChanged(ctx context.Context, userID string, c plan.Consumable, delta, balance int64) error
}
