package plan

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pawmatch/gatekeeper/types"
)

// Tier is a subscription tier.
type Tier string

const (
	TierFree    Tier = "free"
	TierPlus    Tier = "plus"
	TierPremium Tier = "premium"
)

// Feature is a boolean entitlement flag.
type Feature string

const (
	FeatureSeeWhoLiked    Feature = "see_who_liked"
	FeatureVideoCall      Feature = "video_call"
	FeatureAdvancedFilter Feature = "advanced_filter"
	FeatureReadReceipt    Feature = "read_receipt"
	FeatureRewind         Feature = "rewind"
	FeatureIncognito      Feature = "incognito"
)

// Consumable is a prepaid countable grant held outside the plan caps.
type Consumable string

const (
	ConsumableBoost     Consumable = "boost"
	ConsumableSuperLike Consumable = "super_like"
)

// Valid reports whether c is a known consumable.
func (c Consumable) Valid() bool {
	return c == ConsumableBoost || c == ConsumableSuperLike
}

// Cap is a numeric limit. Unlimited is the only permitted negative value.
type Cap int64

// Unlimited marks a cap that never denies.
const Unlimited Cap = -1

// IsUnlimited reports whether c is the unlimited sentinel.
func (c Cap) IsUnlimited() bool { return c == Unlimited }

// Valid reports whether c is non-negative or Unlimited.
func (c Cap) Valid() bool { return c >= 0 || c == Unlimited }

// Allows reports whether one more unit fits on top of used.
func (c Cap) Allows(used int64) bool {
	return c.IsUnlimited() || used < int64(c)
}

// Remaining returns how many units are left after used. ok is false when
// the cap is unlimited.
func (c Cap) Remaining(used int64) (remaining int64, ok bool) {
	if c.IsUnlimited() {
		return 0, false
	}
	return max(0, int64(c)-used), true
}

func (c Cap) String() string {
	if c.IsUnlimited() {
		return "unlimited"
	}
	return strconv.FormatInt(int64(c), 10)
}

// MarshalJSON encodes Unlimited as "unlimited" and other caps as numbers.
func (c Cap) MarshalJSON() ([]byte, error) {
	if c.IsUnlimited() {
		return []byte(`"unlimited"`), nil
	}
	return []byte(strconv.FormatInt(int64(c), 10)), nil
}

// UnmarshalJSON accepts a non-negative number or "unlimited".
func (c *Cap) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != "unlimited" {
			return fmt.Errorf("plan: invalid cap %q", s)
		}
		*c = Unlimited
		return nil
	}

	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("plan: invalid cap %s: %w", data, err)
	}
	if !Cap(n).Valid() {
		return fmt.Errorf("plan: negative cap %d", n)
	}
	*c = Cap(n)
	return nil
}

// Interval is how often a paid plan renews.
type Interval string

const (
	IntervalNone    Interval = ""
	IntervalMonthly Interval = "monthly"
	IntervalYearly  Interval = "yearly"
)

// PeriodEnd returns the end of a billing period starting at start. Plans
// without an interval run one month per period.
func (i Interval) PeriodEnd(start time.Time) time.Time {
	if i == IntervalYearly {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

// Bundle is the static entitlement set a plan grants.
type Bundle struct {
	Features             []Feature `json:"features"`
	SwipeDailyCap        Cap       `json:"swipe_daily_cap"`
	SuperLikesPerDay     Cap       `json:"super_likes_per_day"`
	BoostsPerWeek        Cap       `json:"boosts_per_week"`
	AdoptionListingLimit Cap       `json:"adoption_listing_limit"`
}

// Plan is immutable catalog reference data.
type Plan struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Tier     Tier        `json:"tier"`
	Interval Interval    `json:"interval,omitempty"`
	Price    types.Money `json:"price"`
	Bundle   Bundle      `json:"bundle"`
}

// MonthlyPrice normalises Price to a per-month amount.
func (p *Plan) MonthlyPrice() types.Money {
	if p.Interval == IntervalYearly {
		return types.Money{Amount: p.Price.Amount / 12, Currency: p.Price.Currency}
	}
	return p.Price
}

// HasFeature reports whether the plan's bundle includes f.
func (p *Plan) HasFeature(f Feature) bool {
	for _, have := range p.Bundle.Features {
		if have == f {
			return true
		}
	}
	return false
}

// Validate checks that every cap is non-negative or unlimited.
func (p *Plan) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("plan: missing id")
	}
	if p.Price.Amount < 0 {
		return fmt.Errorf("plan %s: negative price", p.ID)
	}
	caps := map[string]Cap{
		"swipe_daily_cap":        p.Bundle.SwipeDailyCap,
		"super_likes_per_day":    p.Bundle.SuperLikesPerDay,
		"boosts_per_week":        p.Bundle.BoostsPerWeek,
		"adoption_listing_limit": p.Bundle.AdoptionListingLimit,
	}
	for name, c := range caps {
		if !c.Valid() {
			return fmt.Errorf("plan %s: invalid %s %d", p.ID, name, c)
		}
	}
	return nil
}
