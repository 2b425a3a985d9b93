// Package gate answers "can this user perform action X now?" by combining
// resolved entitlements with current usage. Checking never mutates state;
// metered actions are committed through a separate Commit call.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pawmatch/gatekeeper/entitlement"
	"github.com/pawmatch/gatekeeper/meter"
	"github.com/pawmatch/gatekeeper/plan"
)

// Action names an operation a user may attempt.
type Action string

const (
	ActionSwipe     Action = "swipe"
	ActionSuperLike Action = "super_like"
	ActionBoost     Action = "boost"

	ActionSeeWhoLiked    Action = "see_who_liked"
	ActionVideoCall      Action = "video_call"
	ActionAdvancedFilter Action = "advanced_filter"
	ActionReadReceipt    Action = "read_receipt"

	ActionAdoptionListing Action = "adoption_listing"
)

// Denial reasons.
const (
	ReasonUnknownAction    = "unknown action"
	ReasonFeatureLocked    = "feature not included in plan"
	ReasonListingLimit     = "adoption listing limit reached"
	ReasonUsageUnavailable = "usage unavailable"
	ReasonListingsUnknown  = "active listings unavailable"
)

// ErrNotMetered is returned by Commit for actions without a usage counter.
var ErrNotMetered = errors.New("gate: action is not metered")

var features = map[Action]plan.Feature{
	ActionSeeWhoLiked:    plan.FeatureSeeWhoLiked,
	ActionVideoCall:      plan.FeatureVideoCall,
	ActionAdvancedFilter: plan.FeatureAdvancedFilter,
	ActionReadReceipt:    plan.FeatureReadReceipt,
}

// Metered reports whether a has a usage counter, and which.
func (a Action) Metered() (meter.UsageType, bool) {
	t := meter.UsageType(a)
	return t, t.Valid()
}

// Entitlements resolves a user's effective entitlements.
type Entitlements interface {
	UserEntitlements(ctx context.Context, userID string) entitlement.Resolution
}

// Usage checks and commits metered actions.
type Usage interface {
	Check(ctx context.Context, userID string, t meter.UsageType, ents entitlement.Entitlements) (entitlement.Result, error)
	Increment(ctx context.Context, userID string, t meter.UsageType, operationID string, ents entitlement.Entitlements) (meter.IncrementResult, error)
}

// ListingCounter reports how many adoption listings a user has live.
type ListingCounter interface {
	ActiveListings(ctx context.Context, userID string) (int64, error)
}

// ListingCounterFunc adapts a function to ListingCounter.
type ListingCounterFunc func(ctx context.Context, userID string) (int64, error)

// ActiveListings calls f.
func (f ListingCounterFunc) ActiveListings(ctx context.Context, userID string) (int64, error) {
	return f(ctx, userID)
}

// Gate authorizes actions.
type Gate struct {
	ents     Entitlements
	usage    Usage
	listings ListingCounter
	logger   *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithListingCounter sets the source of active adoption listings. Without
// one, adoption_listing is always denied.
func WithListingCounter(lc ListingCounter) Option {
	return func(g *Gate) { g.listings = lc }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// New creates a Gate.
func New(ents Entitlements, usage Usage, opts ...Option) *Gate {
	g := &Gate{ents: ents, usage: usage, logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CanPerformAction reports whether userID may perform action now. A
// failure to read usage or listings denies the action rather than
// returning an error; the error is reserved for a cancelled ctx.
func (g *Gate) CanPerformAction(ctx context.Context, userID string, action Action) (entitlement.Result, error) {
	if err := ctx.Err(); err != nil {
		return entitlement.Result{}, err
	}
	res := g.ents.UserEntitlements(ctx, userID)
	ents := res.Entitlements

	if t, ok := action.Metered(); ok {
		out, err := g.usage.Check(ctx, userID, t, ents)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return entitlement.Result{}, ctxErr
			}
			g.logger.Warn("gate: usage check failed", "user_id", userID, "action", action, "error", err)
			return exhausted(action, ReasonUsageUnavailable), nil
		}
		return out, nil
	}

	if f, ok := features[action]; ok {
		if ents.Has(f) {
			return entitlement.Result{Allowed: true, Action: string(action)}, nil
		}
		return deny(action, ReasonFeatureLocked), nil
	}

	if action == ActionAdoptionListing {
		return g.canList(ctx, userID, ents)
	}

	return deny(action, ReasonUnknownAction), nil
}

func (g *Gate) canList(ctx context.Context, userID string, ents entitlement.Entitlements) (entitlement.Result, error) {
	if g.listings == nil {
		return exhausted(ActionAdoptionListing, ReasonListingsUnknown), nil
	}
	active, err := g.listings.ActiveListings(ctx, userID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return entitlement.Result{}, ctxErr
		}
		g.logger.Warn("gate: listing count failed", "user_id", userID, "error", err)
		return exhausted(ActionAdoptionListing, ReasonListingsUnknown), nil
	}

	c := ents.AdoptionListingLimit
	res := entitlement.Result{Action: string(ActionAdoptionListing), Allowed: c.Allows(active)}
	res.Limited(c, active)
	if !res.Allowed {
		res.Reason = ReasonListingLimit
	}
	return res, nil
}

// Commit counts one metered action for userID. It re-checks the limit
// under the user's lock, so a commit after a stale allow can still be
// refused with Success=false.
func (g *Gate) Commit(ctx context.Context, userID string, action Action, operationID string) (meter.IncrementResult, error) {
	t, ok := action.Metered()
	if !ok {
		return meter.IncrementResult{}, fmt.Errorf("%w: %q", ErrNotMetered, action)
	}
	res := g.ents.UserEntitlements(ctx, userID)
	return g.usage.Increment(ctx, userID, t, operationID, res.Entitlements)
}

func deny(action Action, reason string) entitlement.Result {
	return entitlement.Result{Action: string(action), Reason: reason}
}

// exhausted denies with Remaining=0 for callers that render a counter.
func exhausted(action Action, reason string) entitlement.Result {
	r := deny(action, reason)
	r.Remaining = new(int64)
	return r
}
