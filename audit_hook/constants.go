package audithook

// Action constants for audit events.
const (
	// Subscription actions
	ActionSubscriptionCreated      = "subscription.created"
	ActionSubscriptionSoftCanceled = "subscription.soft_canceled"
	ActionSubscriptionCanceled     = "subscription.canceled"
	ActionSubscriptionRefunded     = "subscription.refunded"
	ActionSubscriptionExpired      = "subscription.expired"

	// Entitlement actions
	ActionActionDenied          = "action.denied"
	ActionLimitReached          = "limit.reached"
	ActionEntitlementsDefaulted = "entitlements.defaulted"

	// Consumable actions
	ActionConsumableAdded    = "consumable.added"
	ActionConsumableRedeemed = "consumable.redeemed"
)

// Resource constants for audit events.
const (
	ResourceSubscription = "subscription"
	ResourceEntitlement  = "entitlement"
	ResourceUsage        = "usage"
	ResourceConsumable   = "consumable"
)

// Category constants for audit events.
const (
	CategorySubscription = "subscription"
	CategoryAccess       = "access"
	CategoryUsage        = "usage"
	CategoryPayment      = "payment"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
