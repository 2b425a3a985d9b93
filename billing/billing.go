// Package billing defines the boundary to the billing provider. The
// provider is the source of truth for subscription records; gatekeeper
// reads and writes them only through API.
package billing

import (
	"context"
	"errors"
	"time"

	"github.com/pawmatch/gatekeeper/audit"
	"github.com/pawmatch/gatekeeper/entitlement"
	"github.com/pawmatch/gatekeeper/id"
	"github.com/pawmatch/gatekeeper/plan"
	"github.com/pawmatch/gatekeeper/subscription"
	"github.com/pawmatch/gatekeeper/types"
)

var (
	ErrSubscriptionNotFound = errors.New("billing: subscription not found")
	ErrNoSubscription       = errors.New("billing: user has no subscription")
	ErrUnknownPlan          = errors.New("billing: unknown plan")
	ErrUnknownConsumable    = errors.New("billing: unknown consumable")
	ErrInvalidQuantity      = errors.New("billing: quantity must be positive")
	ErrInsufficientBalance  = errors.New("billing: insufficient consumable balance")
)

// API is the billing provider boundary.
type API interface {
	GetUserSubscription(ctx context.Context, userID string) (*subscription.Subscription, error)
	CreateSubscription(ctx context.Context, req CreateRequest) (*subscription.Subscription, error)
	GetAllSubscriptions(ctx context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error

	GetUserEntitlements(ctx context.Context, userID string) (*entitlement.Assignment, error)
	UpdateEntitlements(ctx context.Context, upd EntitlementUpdate) error
	AddConsumable(ctx context.Context, userID string, c plan.Consumable, quantity int64) (int64, error)
	RedeemConsumable(ctx context.Context, userID string, c plan.Consumable, quantity int64) (int64, error)

	CreateBillingIssue(ctx context.Context, issue Issue) (*Issue, error)
	GetAuditLogs(ctx context.Context, q AuditQuery) ([]audit.Entry, error)
	GetRevenueMetrics(ctx context.Context) (*RevenueMetrics, error)
}

// CreateRequest describes a new subscription.
type CreateRequest struct {
	UserID     string               `json:"user_id"`
	PlanID     string               `json:"plan_id"`
	Store      subscription.Channel `json:"store"`
	Metadata   map[string]string    `json:"metadata,omitempty"`
	IsComp     bool                 `json:"is_comp,omitempty"`
	CompReason string               `json:"comp_reason,omitempty"`
}

// EntitlementUpdate reassigns a user's plan. Reason and ActorID are kept
// on the assignment for audit.
type EntitlementUpdate struct {
	UserID  string `json:"user_id"`
	PlanID  string `json:"plan_id"`
	Reason  string `json:"reason,omitempty"`
	ActorID string `json:"actor_id,omitempty"`
}

type IssueKind string

const (
	IssuePaymentFailed   IssueKind = "payment_failed"
	IssueRefundRequested IssueKind = "refund_requested"
	IssueChargeback      IssueKind = "chargeback"
	IssueOther           IssueKind = "other"
)

type IssueStatus string

const (
	IssueOpen     IssueStatus = "open"
	IssueResolved IssueStatus = "resolved"
)

// Issue is a billing problem raised for follow-up.
type Issue struct {
	ID             id.BillingIssueID `json:"id"`
	UserID         string            `json:"user_id"`
	SubscriptionID string            `json:"subscription_id,omitempty"`
	Kind           IssueKind         `json:"kind"`
	Status         IssueStatus       `json:"status"`
	Description    string            `json:"description,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// AuditQuery filters GetAuditLogs. Zero fields match everything.
type AuditQuery struct {
	UserID         string
	SubscriptionID string
	Action         string
	Since          time.Time
	Limit          int
}

// Matches reports whether e passes q.
func (q AuditQuery) Matches(e audit.Entry) bool {
	if q.UserID != "" && e.UserID != q.UserID {
		return false
	}
	if q.SubscriptionID != "" && e.SubscriptionID != q.SubscriptionID {
		return false
	}
	if q.Action != "" && e.Action != q.Action {
		return false
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	return true
}

// RevenueMetrics summarises live subscriptions.
type RevenueMetrics struct {
	ActiveSubscriptions  int                          `json:"active_subscriptions"`
	CompSubscriptions    int                          `json:"comp_subscriptions"`
	PendingCancellations int                          `json:"pending_cancellations"`
	ByPlan               map[string]int               `json:"by_plan"`
	ByStore              map[subscription.Channel]int `json:"by_store"`
	MonthlyRecurring     map[string]types.Money       `json:"monthly_recurring"`
	ComputedAt           time.Time                    `json:"computed_at"`
}
