package entitlement

import (
	"slices"
	"time"

	"github.com/pawmatch/gatekeeper/plan"
)

// Entitlements is what one user may do right now.
type Entitlements struct {
	UserID               string                    `json:"user_id,omitempty"`
	PlanID               string                    `json:"plan_id"`
	Tier                 plan.Tier                 `json:"tier"`
	Features             []plan.Feature            `json:"features"`
	SwipeDailyCap        plan.Cap                  `json:"swipe_daily_cap"`
	SuperLikesPerDay     plan.Cap                  `json:"super_likes_per_day"`
	BoostsPerWeek        plan.Cap                  `json:"boosts_per_week"`
	AdoptionListingLimit plan.Cap                  `json:"adoption_listing_limit"`
	Consumables          map[plan.Consumable]int64 `json:"consumables,omitempty"`
}

// Has reports whether f is unlocked.
func (e Entitlements) Has(f plan.Feature) bool {
	return slices.Contains(e.Features, f)
}

// Consumable returns the prepaid balance for c.
func (e Entitlements) Consumable(c plan.Consumable) int64 {
	return e.Consumables[c]
}

// Assignment is the persisted plan assignment for a user.
type Assignment struct {
	UserID      string                    `json:"user_id"`
	PlanID      string                    `json:"plan_id"`
	Consumables map[plan.Consumable]int64 `json:"consumables,omitempty"`
	Reason      string                    `json:"reason,omitempty"`
	ActorID     string                    `json:"actor_id,omitempty"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// Source says whether a resolution came from stored data or the fallback.
type Source string

const (
	// SourceResolved means the user's assignment was read successfully,
	// including the case where the user has none and is genuinely free.
	SourceResolved Source = "resolved"

	// SourceDefaulted means the lookup failed and the free tier was
	// substituted.
	SourceDefaulted Source = "defaulted"
)

// Resolution wraps resolved entitlements with where they came from. Err
// carries the cause when Source is SourceDefaulted.
type Resolution struct {
	Entitlements
	Source Source `json:"source"`
	Err    error  `json:"-"`
}

// Defaulted reports whether the free-tier fallback was applied.
func (r Resolution) Defaulted() bool { return r.Source == SourceDefaulted }

// Result is the answer to "may this user do X now?".
type Result struct {
	Allowed   bool   `json:"allowed"`
	Action    string `json:"action"`
	Used      int64  `json:"used,omitempty"`
	Limit     *int64 `json:"limit,omitempty"`
	Remaining *int64 `json:"remaining,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Limited fills Limit and Remaining from c, leaving both nil when c is
// unlimited.
func (r *Result) Limited(c plan.Cap, used int64) {
	r.Used = used
	if rem, ok := c.Remaining(used); ok {
		limit := int64(c)
		r.Limit = &limit
		r.Remaining = &rem
	}
}
