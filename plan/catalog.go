package plan

import (
	"errors"
	"fmt"
	"sort"

	"github.com/pawmatch/gatekeeper/types"
)

// FreePlanID is the plan every user falls back to.
const FreePlanID = "free"

// ErrPlanNotFound is returned for IDs absent from the catalog.
var ErrPlanNotFound = errors.New("plan: not found")

// Catalog is a read-only plan lookup table. It is immutable after
// construction and safe for concurrent reads without locking.
type Catalog struct {
	plans map[string]*Plan
}

// NewCatalog builds a catalog from plans. One plan must have FreePlanID.
func NewCatalog(plans ...Plan) (*Catalog, error) {
	c := &Catalog{plans: make(map[string]*Plan, len(plans))}
	for i := range plans {
		p := plans[i]
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.plans[p.ID]; dup {
			return nil, fmt.Errorf("plan: duplicate id %q", p.ID)
		}
		p.Bundle.Features = append([]Feature(nil), p.Bundle.Features...)
		c.plans[p.ID] = &p
	}
	if _, ok := c.plans[FreePlanID]; !ok {
		return nil, fmt.Errorf("plan: catalog has no %q plan", FreePlanID)
	}
	return c, nil
}

// MustCatalog is NewCatalog that panics on error. Use for static tables.
func MustCatalog(plans ...Plan) *Catalog {
	c, err := NewCatalog(plans...)
	if err != nil {
		panic(err)
	}
	return c
}

// Get returns the plan with the given ID.
func (c *Catalog) Get(planID string) (*Plan, error) {
	if p, ok := c.plans[planID]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrPlanNotFound, planID)
}

// Free returns the free plan.
func (c *Catalog) Free() *Plan { return c.plans[FreePlanID] }

// List returns all plans ordered by ID.
func (c *Catalog) List() []*Plan {
	out := make([]*Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DefaultCatalog returns the shipped plan table.
func DefaultCatalog() *Catalog {
	return MustCatalog(
		Plan{
			ID:    FreePlanID,
			Name:  "Free",
			Tier:  TierFree,
			Price: types.Zero("usd"),
			Bundle: Bundle{
				SwipeDailyCap:        50,
				SuperLikesPerDay:     1,
				BoostsPerWeek:        0,
				AdoptionListingLimit: 1,
			},
		},
		Plan{
			ID:       "plus_monthly",
			Name:     "Plus",
			Tier:     TierPlus,
			Interval: IntervalMonthly,
			Price:    types.USD(999),
			Bundle: Bundle{
				Features:             []Feature{FeatureAdvancedFilter, FeatureRewind, FeatureReadReceipt},
				SwipeDailyCap:        Unlimited,
				SuperLikesPerDay:     5,
				BoostsPerWeek:        1,
				AdoptionListingLimit: 3,
			},
		},
		Plan{
			ID:       "premium_monthly",
			Name:     "Premium",
			Tier:     TierPremium,
			Interval: IntervalMonthly,
			Price:    types.USD(1999),
			Bundle: Bundle{
				Features: []Feature{
					FeatureSeeWhoLiked, FeatureVideoCall, FeatureAdvancedFilter,
					FeatureReadReceipt, FeatureRewind, FeatureIncognito,
				},
				SwipeDailyCap:        Unlimited,
				SuperLikesPerDay:     10,
				BoostsPerWeek:        3,
				AdoptionListingLimit: 10,
			},
		},
		Plan{
			ID:       "premium_yearly",
			Name:     "Premium (annual)",
			Tier:     TierPremium,
			Interval: IntervalYearly,
			Price:    types.USD(14999),
			Bundle: Bundle{
				Features: []Feature{
					FeatureSeeWhoLiked, FeatureVideoCall, FeatureAdvancedFilter,
					FeatureReadReceipt, FeatureRewind, FeatureIncognito,
				},
				SwipeDailyCap:        Unlimited,
				SuperLikesPerDay:     10,
				BoostsPerWeek:        3,
				AdoptionListingLimit: Unlimited,
			},
		},
	)
}
