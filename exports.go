package gatekeeper

import (
	"github.com/pawmatch/gatekeeper/gate"
	"github.com/pawmatch/gatekeeper/id"
	"github.com/pawmatch/gatekeeper/meter"
	"github.com/pawmatch/gatekeeper/types"
)

// Re-export common types for convenience so users don't have to import types package.

// Money is re-exported from types package.
type Money = types.Money

// Entity is re-exported from types package.
type Entity = types.Entity

// Re-export Money constructors
var (
	USD           = types.USD
	EUR           = types.EUR
	GBP           = types.GBP
	Zero          = types.Zero
	SumByCurrency = types.SumByCurrency
)

// Re-export Entity constructor
var NewEntity = types.NewEntity

// ID is the TypeID-backed identifier used by every record.
type ID = id.ID

// Action names an operation a user may attempt.
type Action = gate.Action

// UsageType names a metered counter.
type UsageType = meter.UsageType

// Actions.
const (
	ActionSwipe           = gate.ActionSwipe
	ActionSuperLike       = gate.ActionSuperLike
	ActionBoost           = gate.ActionBoost
	ActionSeeWhoLiked     = gate.ActionSeeWhoLiked
	ActionVideoCall       = gate.ActionVideoCall
	ActionAdvancedFilter  = gate.ActionAdvancedFilter
	ActionReadReceipt     = gate.ActionReadReceipt
	ActionAdoptionListing = gate.ActionAdoptionListing
)

// Usage types.
const (
	UsageSwipe     = meter.UsageSwipe
	UsageSuperLike = meter.UsageSuperLike
	UsageBoost     = meter.UsageBoost
)

// NewOperationID mints a client idempotency key for IncrementUsage.
var NewOperationID = id.NewOperationID
