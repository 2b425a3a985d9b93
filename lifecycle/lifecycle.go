// Package lifecycle applies subscription state transitions: create,
// soft and hard cancel, refund, comp grants and period-end expiry. Every
// administrative transition is audited and announced as an event.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pawmatch/gatekeeper/audit"
	"github.com/pawmatch/gatekeeper/billing"
	"github.com/pawmatch/gatekeeper/clock"
	"github.com/pawmatch/gatekeeper/plan"
	"github.com/pawmatch/gatekeeper/subscription"
	"github.com/pawmatch/gatekeeper/types"
)

var (
	// ErrSubscriptionNotFound is returned when the target subscription
	// does not exist. Nothing is mutated.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	ErrInvalidAmount = errors.New("lifecycle: refund amount must be positive")
	ErrAlreadyEnded  = errors.New("lifecycle: subscription already ended")
)

// Invalidator drops cached entitlements for a user after a plan change.
type Invalidator interface {
	Invalidate(userID string)
}

type noopInvalidator struct{}

func (noopInvalidator) Invalidate(string) {}

// Manager applies lifecycle transitions through a billing.API.
type Manager struct {
	api         billing.API
	log         *audit.Log
	invalidator Invalidator
	clock       clock.Clock
	logger      *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithInvalidator sets the entitlement cache to flush on plan changes.
func WithInvalidator(inv Invalidator) Option { return func(m *Manager) { m.invalidator = inv } }

// WithClock sets the time source.
func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option { return func(m *Manager) { m.logger = logger } }

// NewManager creates a Manager. A nil log logs to the manager's logger
// only.
func NewManager(api billing.API, log *audit.Log, opts ...Option) *Manager {
	m := &Manager{
		api:         api,
		invalidator: noopInvalidator{},
		clock:       clock.System{},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if log == nil {
		log = audit.NewLog(audit.WithClock(m.clock), audit.WithLogger(m.logger))
	}
	m.log = log
	return m
}

// CreateSubscription creates a subscription through the billing provider.
// The provider propagates the plan to the user's entitlements.
func (m *Manager) CreateSubscription(ctx context.Context, req billing.CreateRequest) (*subscription.Subscription, error) {
	sub, err := m.api.CreateSubscription(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: create subscription: %w", err)
	}
	m.invalidator.Invalidate(sub.UserID)

	m.log.CreateSubscriptionEvent(ctx, audit.Event{
		Kind:           audit.EventCreated,
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		PlanID:         sub.PlanID,
		Data:           map[string]any{"store": sub.Store, "is_comp": sub.IsComp},
	})
	return sub, nil
}

// GrantComp gives userID a complimentary subscription to planID.
func (m *Manager) GrantComp(ctx context.Context, userID, planID, actorID, reason string) (*subscription.Subscription, error) {
	sub, err := m.CreateSubscription(ctx, billing.CreateRequest{
		UserID:     userID,
		PlanID:     planID,
		Store:      subscription.ChannelComp,
		IsComp:     true,
		CompReason: reason,
	})
	if err != nil {
		return nil, err
	}
	m.log.LogAudit(ctx, audit.Entry{
		ActorID:        actorID,
		Action:         audit.ActionCompGranted,
		UserID:         userID,
		SubscriptionID: sub.ID,
		Details:        map[string]any{"plan_id": planID},
		Reason:         reason,
	})
	return sub, nil
}

// CancelSubscription cancels subscriptionID. A soft cancel only flags the
// subscription to end with its period; status and entitlements are
// untouched. An immediate cancel ends it now and downgrades the user to
// the free plan, tagged with reason and actorID.
func (m *Manager) CancelSubscription(ctx context.Context, subscriptionID string, immediate bool, actorID, reason string) (*subscription.Subscription, error) {
	sub, err := m.find(ctx, subscriptionID, "cancel")
	if err != nil {
		return nil, err
	}

	if !immediate {
		return m.softCancel(ctx, sub, actorID, reason)
	}

	if !sub.Live() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyEnded, sub.ID, sub.Status)
	}

	// Downgrade before ending the subscription. If either step fails the
	// subscription is still live and the whole cancel can be retried.
	if err := m.downgrade(ctx, sub, actorID, reason); err != nil {
		return nil, err
	}
	now := m.clock.Now().UTC()
	sub.Status = subscription.StatusCanceled
	sub.CanceledAt = &now
	if err := m.api.UpdateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("lifecycle: cancel %s: %w", sub.ID, err)
	}

	m.log.LogAudit(ctx, audit.Entry{
		ActorID:        actorID,
		Action:         audit.ActionSubscriptionCanceled,
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		Details:        map[string]any{"immediate": true, "plan_id": sub.PlanID},
		Reason:         reason,
	})
	m.log.CreateSubscriptionEvent(ctx, audit.Event{
		Kind:           audit.EventCanceled,
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		PlanID:         sub.PlanID,
		Data:           map[string]any{"immediate": true},
	})
	return sub, nil
}

func (m *Manager) softCancel(ctx context.Context, sub *subscription.Subscription, actorID, reason string) (*subscription.Subscription, error) {
	sub.CancelAtPeriodEnd = true
	if err := m.api.UpdateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("lifecycle: cancel %s: %w", sub.ID, err)
	}

	m.log.LogAudit(ctx, audit.Entry{
		ActorID:        actorID,
		Action:         audit.ActionSubscriptionSoftCanceled,
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		Details:        map[string]any{"immediate": false, "period_end": sub.CurrentPeriodEnd},
		Reason:         reason,
	})
	m.log.CreateSubscriptionEvent(ctx, audit.Event{
		Kind:           audit.EventCanceled,
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		PlanID:         sub.PlanID,
		Data:           map[string]any{"immediate": false},
	})
	return sub, nil
}

// RefundSubscription records a refund of amount against subscriptionID
// and returns the subscription unchanged. Cancelling is a separate call.
// The refund fails if its audit entry cannot be recorded.
func (m *Manager) RefundSubscription(ctx context.Context, subscriptionID string, amount types.Money, actorID, reason string) (*subscription.Subscription, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	sub, err := m.find(ctx, subscriptionID, "refund")
	if err != nil {
		return nil, err
	}

	_, err = m.log.Append(ctx, audit.Entry{
		ActorID:        actorID,
		Action:         audit.ActionSubscriptionRefunded,
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		Details: map[string]any{
			"amount":   amount.Amount,
			"currency": amount.Currency,
			"display":  amount.String(),
		},
		Reason: reason,
	})
	if err != nil {
		return nil, fmt.Errorf("lifecycle: refund %s: %w", sub.ID, err)
	}

	m.log.CreateSubscriptionEvent(ctx, audit.Event{
		Kind:           audit.EventRefunded,
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		PlanID:         sub.PlanID,
		Data:           map[string]any{"amount": amount.Amount, "currency": amount.Currency},
	})
	return sub, nil
}

// ExpireDue cancels every soft-cancelled subscription whose period has
// elapsed and downgrades its user. The audit entry and event are recorded
// as an expiry. It returns the expired subscriptions.
// Failures on one subscription are logged and do not stop the sweep.
func (m *Manager) ExpireDue(ctx context.Context) ([]*subscription.Subscription, error) {
	subs, err := m.api.GetAllSubscriptions(ctx, subscription.ListOpts{})
	if err != nil {
		return nil, fmt.Errorf("lifecycle: list subscriptions: %w", err)
	}

	now := m.clock.Now().UTC()
	var expired []*subscription.Subscription
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		if !sub.Live() || !sub.CancelAtPeriodEnd || !sub.PeriodElapsed(now) {
			continue
		}

		if err := m.downgrade(ctx, sub, "", "period ended"); err != nil {
			m.logger.Error("lifecycle: downgrade expired subscription", "subscription_id", sub.ID, "error", err)
			continue
		}
		sub.Status = subscription.StatusCanceled
		sub.CanceledAt = &now
		if err := m.api.UpdateSubscription(ctx, sub); err != nil {
			m.logger.Error("lifecycle: expire subscription", "subscription_id", sub.ID, "error", err)
			continue
		}

		m.log.LogAudit(ctx, audit.Entry{
			Action:         audit.ActionSubscriptionExpired,
			UserID:         sub.UserID,
			SubscriptionID: sub.ID,
			Details:        map[string]any{"period_end": sub.CurrentPeriodEnd},
			Reason:         "period ended",
		})
		m.log.CreateSubscriptionEvent(ctx, audit.Event{
			Kind:           audit.EventExpired,
			UserID:         sub.UserID,
			SubscriptionID: sub.ID,
			PlanID:         sub.PlanID,
		})
		expired = append(expired, sub)
	}
	return expired, nil
}

func (m *Manager) downgrade(ctx context.Context, sub *subscription.Subscription, actorID, reason string) error {
	err := m.api.UpdateEntitlements(ctx, billing.EntitlementUpdate{
		UserID:  sub.UserID,
		PlanID:  plan.FreePlanID,
		Reason:  reason,
		ActorID: actorID,
	})
	if err != nil {
		return fmt.Errorf("lifecycle: downgrade %s: %w", sub.UserID, err)
	}
	m.invalidator.Invalidate(sub.UserID)

	m.log.LogAudit(ctx, audit.Entry{
		ActorID:        actorID,
		Action:         audit.ActionEntitlementsDowngraded,
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		Details:        map[string]any{"from_plan": sub.PlanID, "to_plan": plan.FreePlanID},
		Reason:         reason,
	})
	m.log.CreateSubscriptionEvent(ctx, audit.Event{
		Kind:           audit.EventDowngraded,
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		PlanID:         plan.FreePlanID,
	})
	return nil
}

// find locates subscriptionID among all subscriptions.
func (m *Manager) find(ctx context.Context, subscriptionID, op string) (*subscription.Subscription, error) {
	subs, err := m.api.GetAllSubscriptions(ctx, subscription.ListOpts{})
	if err != nil {
		return nil, fmt.Errorf("lifecycle: %s: list subscriptions: %w", op, err)
	}
	for _, s := range subs {
		if s.ID == subscriptionID {
			return s, nil
		}
	}
	m.logger.Error("subscription not found", "op", op, "subscription_id", subscriptionID)
	return nil, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, subscriptionID)
}
