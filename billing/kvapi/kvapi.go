// Package kvapi implements billing.API on a gatekeeper key-value store.
// It is the default provider for deployments without an external billing
// service, and the reference implementation the tests run against.
//
// Key layout:
//
//	subscription:{id}      one subscription record
//	subscriptions:{userId} ids of a user's subscriptions
//	subscriptions:all      ids of every subscription
//	entitlements:{userId}  plan assignment and consumable balances
//	billing_issue:{id}     one billing issue
//	billing_issues         ids of every billing issue
//	audit:log              append-only audit journal
//
// The id lists and the journal are segmented: {list}:head counts the
// segments and {list}:{n} holds up to 256 items each. Appends rewrite one
// segment; full scans still read every segment.
package kvapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pawmatch/gatekeeper/audit"
	"github.com/pawmatch/gatekeeper/billing"
	"github.com/pawmatch/gatekeeper/clock"
	"github.com/pawmatch/gatekeeper/entitlement"
	"github.com/pawmatch/gatekeeper/id"
	"github.com/pawmatch/gatekeeper/plan"
	"github.com/pawmatch/gatekeeper/store"
	"github.com/pawmatch/gatekeeper/subscription"
	"github.com/pawmatch/gatekeeper/types"
)

const (
	keyAllSubscriptions = "subscriptions:all"
	keyIssues           = "billing_issues"
	keyAuditLog         = "audit:log"
)

func subscriptionKey(subID string) string { return "subscription:" + subID }

func userSubscriptionsKey(userID string) string { return "subscriptions:" + userID }

func issueKey(issueID string) string { return "billing_issue:" + issueID }

func entitlementLockKey(userID string) string { return "lock:entitlements:" + userID }

// Compile-time interface checks.
var (
	_ billing.API    = (*API)(nil)
	_ audit.Recorder = (*API)(nil)
)

// API is a billing.API backed by a store.Store.
type API struct {
	kv      store.Store
	catalog *plan.Catalog
	clock   clock.Clock
	logger  *slog.Logger
	serial  *store.Serializer
}

// Option configures an API.
type Option func(*API)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option { return func(a *API) { a.clock = c } }

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option { return func(a *API) { a.logger = logger } }

// New creates an API over kv. A nil catalog means plan.DefaultCatalog.
func New(kv store.Store, catalog *plan.Catalog, opts ...Option) *API {
	if catalog == nil {
		catalog = plan.DefaultCatalog()
	}
	a := &API{
		kv:      kv,
		catalog: catalog,
		clock:   clock.System{},
		logger:  slog.Default(),
		serial:  store.NewSerializer(kv, 0),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ──────────────────────────────────────────────────
// Subscriptions
// ──────────────────────────────────────────────────

// GetUserSubscription returns the user's authoritative subscription: the
// newest live one, else the newest of any status.
func (a *API) GetUserSubscription(ctx context.Context, userID string) (*subscription.Subscription, error) {
	ids, err := a.loadIndex(ctx, userSubscriptionsKey(userID))
	if err != nil {
		return nil, err
	}
	subs, err := a.loadSubscriptions(ctx, ids)
	if err != nil {
		return nil, err
	}
	sub := subscription.Authoritative(subs)
	if sub == nil {
		return nil, fmt.Errorf("%w: %s", billing.ErrNoSubscription, userID)
	}
	return sub, nil
}

// CreateSubscription stores a new active subscription and assigns its plan
// to the user. Existing consumable balances are kept.
func (a *API) CreateSubscription(ctx context.Context, req billing.CreateRequest) (*subscription.Subscription, error) {
	if req.UserID == "" {
		return nil, errors.New("billing: missing user id")
	}
	p, err := a.catalog.Get(req.PlanID)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", billing.ErrUnknownPlan, req.PlanID)
	}

	now := a.clock.Now().UTC()
	channel := req.Store
	if channel == "" && req.IsComp {
		channel = subscription.ChannelComp
	}
	sub := &subscription.Subscription{
		Entity:             types.NewEntity(now),
		ID:                 id.NewSubscriptionID().String(),
		UserID:             req.UserID,
		PlanID:             p.ID,
		Status:             subscription.StatusActive,
		Store:              channel,
		StartDate:          now,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   p.Interval.PeriodEnd(now),
		IsComp:             req.IsComp,
		CompReason:         req.CompReason,
		Metadata:           req.Metadata,
	}

	err = a.serial.Do(ctx, "lock:subscriptions", func() error {
		if err := store.SetJSON(ctx, a.kv, subscriptionKey(sub.ID), sub, 0); err != nil {
			return err
		}
		if err := a.appendIndex(ctx, userSubscriptionsKey(sub.UserID), sub.ID); err != nil {
			return err
		}
		return a.appendIndex(ctx, keyAllSubscriptions, sub.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("billing: create subscription: %w", err)
	}

	reason := "subscription " + sub.ID
	if req.IsComp {
		reason = req.CompReason
	}
	err = a.UpdateEntitlements(ctx, billing.EntitlementUpdate{
		UserID: sub.UserID,
		PlanID: sub.PlanID,
		Reason: reason,
	})
	if err != nil {
		return nil, err
	}
	return sub.Clone(), nil
}

// GetAllSubscriptions lists subscriptions matching opts, newest first.
func (a *API) GetAllSubscriptions(ctx context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	key := keyAllSubscriptions
	if opts.UserID != "" {
		key = userSubscriptionsKey(opts.UserID)
	}
	ids, err := a.loadIndex(ctx, key)
	if err != nil {
		return nil, err
	}
	subs, err := a.loadSubscriptions(ctx, ids)
	if err != nil {
		return nil, err
	}
	return subscription.Filter(subs, opts), nil
}

// UpdateSubscription replaces a stored subscription.
func (a *API) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("%w: missing id", billing.ErrSubscriptionNotFound)
	}
	return a.serial.Do(ctx, "lock:"+subscriptionKey(sub.ID), func() error {
		var existing subscription.Subscription
		if err := store.GetJSON(ctx, a.kv, subscriptionKey(sub.ID), &existing); err != nil {
			if store.IsNotFound(err) {
				return fmt.Errorf("%w: %s", billing.ErrSubscriptionNotFound, sub.ID)
			}
			return err
		}
		next := sub.Clone()
		next.CreatedAt = existing.CreatedAt
		next.Touch(a.clock.Now().UTC())
		return store.SetJSON(ctx, a.kv, subscriptionKey(sub.ID), next, 0)
	})
}

func (a *API) loadSubscriptions(ctx context.Context, ids []string) ([]*subscription.Subscription, error) {
	subs := make([]*subscription.Subscription, 0, len(ids))
	for _, subID := range ids {
		var s subscription.Subscription
		if err := store.GetJSON(ctx, a.kv, subscriptionKey(subID), &s); err != nil {
			if store.IsNotFound(err) {
				a.logger.Warn("billing: dangling subscription index entry", "subscription_id", subID)
				continue
			}
			return nil, err
		}
		subs = append(subs, &s)
	}
	return subs, nil
}

// ──────────────────────────────────────────────────
// Entitlements and consumables
// ──────────────────────────────────────────────────

// GetUserEntitlements returns the stored assignment, or a free-plan
// assignment for users who have none.
func (a *API) GetUserEntitlements(ctx context.Context, userID string) (*entitlement.Assignment, error) {
	asg, err := entitlement.LoadAssignment(ctx, a.kv, userID)
	if store.IsNotFound(err) {
		return &entitlement.Assignment{UserID: userID, PlanID: plan.FreePlanID}, nil
	}
	return asg, err
}

// UpdateEntitlements reassigns the user's plan.
func (a *API) UpdateEntitlements(ctx context.Context, upd billing.EntitlementUpdate) error {
	if _, err := a.catalog.Get(upd.PlanID); err != nil {
		return fmt.Errorf("%w: %q", billing.ErrUnknownPlan, upd.PlanID)
	}
	return a.mutateAssignment(ctx, upd.UserID, func(asg *entitlement.Assignment) error {
		asg.PlanID = upd.PlanID
		asg.Reason = upd.Reason
		asg.ActorID = upd.ActorID
		return nil
	})
}

// AddConsumable credits quantity units of c and returns the new balance.
func (a *API) AddConsumable(ctx context.Context, userID string, c plan.Consumable, quantity int64) (int64, error) {
	if err := validConsumable(c, quantity); err != nil {
		return 0, err
	}
	var balance int64
	err := a.mutateAssignment(ctx, userID, func(asg *entitlement.Assignment) error {
		asg.Consumables[c] += quantity
		balance = asg.Consumables[c]
		return nil
	})
	return balance, err
}

// RedeemConsumable debits quantity units of c. It fails without changing
// anything when the balance is too small.
func (a *API) RedeemConsumable(ctx context.Context, userID string, c plan.Consumable, quantity int64) (int64, error) {
	if err := validConsumable(c, quantity); err != nil {
		return 0, err
	}
	var balance int64
	err := a.mutateAssignment(ctx, userID, func(asg *entitlement.Assignment) error {
		have := asg.Consumables[c]
		if have < quantity {
			return fmt.Errorf("%w: %s has %d, needs %d", billing.ErrInsufficientBalance, c, have, quantity)
		}
		asg.Consumables[c] = have - quantity
		balance = asg.Consumables[c]
		return nil
	})
	return balance, err
}

func validConsumable(c plan.Consumable, quantity int64) error {
	if !c.Valid() {
		return fmt.Errorf("%w: %q", billing.ErrUnknownConsumable, c)
	}
	if quantity <= 0 {
		return fmt.Errorf("%w: %d", billing.ErrInvalidQuantity, quantity)
	}
	return nil
}

func (a *API) mutateAssignment(ctx context.Context, userID string, fn func(*entitlement.Assignment) error) error {
	if userID == "" {
		return errors.New("billing: missing user id")
	}
	return a.serial.Do(ctx, entitlementLockKey(userID), func() error {
		asg, err := entitlement.LoadAssignment(ctx, a.kv, userID)
		switch {
		case store.IsNotFound(err):
			asg = &entitlement.Assignment{UserID: userID, PlanID: plan.FreePlanID}
		case err != nil:
			return err
		}
		if asg.Consumables == nil {
			asg.Consumables = make(map[plan.Consumable]int64)
		}
		if err := fn(asg); err != nil {
			return err
		}
		return entitlement.SaveAssignment(ctx, a.kv, asg, a.clock.Now().UTC())
	})
}

// ──────────────────────────────────────────────────
// Billing issues, audit journal, revenue
// ──────────────────────────────────────────────────

// CreateBillingIssue stores issue as open and returns it with its ID.
func (a *API) CreateBillingIssue(ctx context.Context, issue billing.Issue) (*billing.Issue, error) {
	if issue.UserID == "" {
		return nil, errors.New("billing: missing user id")
	}
	issue.ID = id.NewBillingIssueID()
	issue.Status = billing.IssueOpen
	issue.CreatedAt = a.clock.Now().UTC()
	if issue.Kind == "" {
		issue.Kind = billing.IssueOther
	}

	err := a.serial.Do(ctx, "lock:"+keyIssues, func() error {
		if err := store.SetJSON(ctx, a.kv, issueKey(issue.ID.String()), issue, 0); err != nil {
			return err
		}
		return a.appendIndex(ctx, keyIssues, issue.ID.String())
	})
	if err != nil {
		return nil, fmt.Errorf("billing: create issue: %w", err)
	}
	return &issue, nil
}

// BillingIssue loads one issue by ID.
func (a *API) BillingIssue(ctx context.Context, issueID string) (*billing.Issue, error) {
	var issue billing.Issue
	if err := store.GetJSON(ctx, a.kv, issueKey(issueID), &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// Record appends e to the audit journal. It makes the API usable as the
// audit log's durable sink.
func (a *API) Record(ctx context.Context, e audit.Entry) error {
	return a.serial.Do(ctx, "lock:"+keyAuditLog, func() error {
		return appendItem(ctx, a.kv, keyAuditLog, e)
	})
}

// GetAuditLogs returns journal entries matching q, newest first. With a
// Limit, reading stops once enough entries are found.
func (a *API) GetAuditLogs(ctx context.Context, q billing.AuditQuery) ([]audit.Entry, error) {
	var out []audit.Entry
	err := walkNewest(ctx, a.kv, keyAuditLog, func(e audit.Entry) bool {
		if q.Matches(e) {
			out = append(out, e)
		}
		return q.Limit <= 0 || len(out) < q.Limit
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []audit.Entry{}
	}
	return out, nil
}

// GetRevenueMetrics aggregates live subscriptions. Comp subscriptions are
// counted but contribute nothing to recurring revenue.
func (a *API) GetRevenueMetrics(ctx context.Context) (*billing.RevenueMetrics, error) {
	subs, err := a.GetAllSubscriptions(ctx, subscription.ListOpts{})
	if err != nil {
		return nil, err
	}

	m := &billing.RevenueMetrics{
		ByPlan:     make(map[string]int),
		ByStore:    make(map[subscription.Channel]int),
		ComputedAt: a.clock.Now().UTC(),
	}
	var prices []types.Money
	for _, s := range subs {
		if !s.Live() {
			continue
		}
		m.ActiveSubscriptions++
		m.ByPlan[s.PlanID]++
		m.ByStore[s.Store]++
		if s.CancelAtPeriodEnd {
			m.PendingCancellations++
		}
		if s.IsComp {
			m.CompSubscriptions++
			continue
		}
		p, err := a.catalog.Get(s.PlanID)
		if err != nil {
			a.logger.Warn("billing: subscription on unknown plan", "subscription_id", s.ID, "plan_id", s.PlanID)
			continue
		}
		if p.Price.IsPositive() {
			prices = append(prices, p.MonthlyPrice())
		}
	}
	m.MonthlyRecurring = types.SumByCurrency(prices...)
	return m, nil
}

// ──────────────────────────────────────────────────
// Index helpers
// ──────────────────────────────────────────────────

func (a *API) loadIndex(ctx context.Context, key string) ([]string, error) {
	return loadAll[string](ctx, a.kv, key)
}

// appendIndex must run under a lock covering key.
func (a *API) appendIndex(ctx context.Context, key, value string) error {
	return appendItem(ctx, a.kv, key, value)
}
