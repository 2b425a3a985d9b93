// Package audithook bridges gatekeeper lifecycle events to an external
// audit trail backend.
//
// It defines a local Recorder interface so the package does not import
// any particular audit service. Callers inject a RecorderFunc adapter at
// wiring time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pawmatch/gatekeeper/entitlement"
	"github.com/pawmatch/gatekeeper/plan"
	"github.com/pawmatch/gatekeeper/plugin"
	"github.com/pawmatch/gatekeeper/subscription"
	"github.com/pawmatch/gatekeeper/types"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                  = (*Extension)(nil)
	_ plugin.OnSubscriptionCreated   = (*Extension)(nil)
	_ plugin.OnSubscriptionCanceled  = (*Extension)(nil)
	_ plugin.OnSubscriptionRefunded  = (*Extension)(nil)
	_ plugin.OnSubscriptionExpired   = (*Extension)(nil)
	_ plugin.OnActionChecked         = (*Extension)(nil)
	_ plugin.OnLimitReached          = (*Extension)(nil)
	_ plugin.OnEntitlementsDefaulted = (*Extension)(nil)
	_ plugin.OnConsumableChanged     = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a backend-neutral audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges gatekeeper lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Subscription lifecycle hooks
// ──────────────────────────────────────────────────

// OnSubscriptionCreated implements plugin.OnSubscriptionCreated.
func (e *Extension) OnSubscriptionCreated(ctx context.Context, sub *subscription.Subscription) error {
	return e.record(ctx, ActionSubscriptionCreated, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, sub.ID, CategorySubscription, nil,
		"user_id", sub.UserID,
		"plan_id", sub.PlanID,
		"store", string(sub.Store),
		"is_comp", sub.IsComp,
	)
}

// OnSubscriptionCanceled implements plugin.OnSubscriptionCanceled.
func (e *Extension) OnSubscriptionCanceled(ctx context.Context, sub *subscription.Subscription, immediate bool) error {
	action := ActionSubscriptionSoftCanceled
	if immediate {
		action = ActionSubscriptionCanceled
	}
	return e.record(ctx, action, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, sub.ID, CategorySubscription, nil,
		"user_id", sub.UserID,
		"plan_id", sub.PlanID,
		"immediate", immediate,
	)
}

// OnSubscriptionRefunded implements plugin.OnSubscriptionRefunded.
func (e *Extension) OnSubscriptionRefunded(ctx context.Context, sub *subscription.Subscription, amount types.Money) error {
	return e.record(ctx, ActionSubscriptionRefunded, SeverityWarning, OutcomeSuccess,
		ResourceSubscription, sub.ID, CategoryPayment, nil,
		"user_id", sub.UserID,
		"amount", amount.Amount,
		"currency", amount.Currency,
	)
}

// OnSubscriptionExpired implements plugin.OnSubscriptionExpired.
func (e *Extension) OnSubscriptionExpired(ctx context.Context, sub *subscription.Subscription) error {
	return e.record(ctx, ActionSubscriptionExpired, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, sub.ID, CategorySubscription, nil,
		"user_id", sub.UserID,
		"plan_id", sub.PlanID,
	)
}

// ──────────────────────────────────────────────────
// Entitlement hooks
// ──────────────────────────────────────────────────

// OnActionChecked implements plugin.OnActionChecked. Only denials are
// recorded.
func (e *Extension) OnActionChecked(ctx context.Context, userID, action string, result entitlement.Result) error {
	if result.Allowed {
		return nil
	}
	return e.record(ctx, ActionActionDenied, SeverityInfo, OutcomeFailure,
		ResourceEntitlement, userID, CategoryAccess, nil,
		"action", action,
		"reason", result.Reason,
	)
}

// OnLimitReached implements plugin.OnLimitReached.
func (e *Extension) OnLimitReached(ctx context.Context, userID, action string, used, limit int64) error {
	return e.record(ctx, ActionLimitReached, SeverityWarning, OutcomeFailure,
		ResourceUsage, userID, CategoryUsage, nil,
		"action", action,
		"used", used,
		"limit", limit,
	)
}

// OnEntitlementsDefaulted implements plugin.OnEntitlementsDefaulted.
func (e *Extension) OnEntitlementsDefaulted(ctx context.Context, userID string, cause error) error {
	return e.record(ctx, ActionEntitlementsDefaulted, SeverityError, OutcomeFailure,
		ResourceEntitlement, userID, CategoryAccess, cause,
	)
}

// ──────────────────────────────────────────────────
// Consumable hooks
// ──────────────────────────────────────────────────

// OnConsumableChanged implements plugin.OnConsumableChanged.
func (e *Extension) OnConsumableChanged(ctx context.Context, userID string, c plan.Consumable, delta, balance int64) error {
	action := ActionConsumableAdded
	if delta < 0 {
		action = ActionConsumableRedeemed
	}
	return e.record(ctx, action, SeverityInfo, OutcomeSuccess,
		ResourceConsumable, userID, CategoryUsage, nil,
		"consumable", string(c),
		"delta", delta,
		"balance", balance,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
