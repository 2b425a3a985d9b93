package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/pawmatch/gatekeeper/clock"
	"github.com/pawmatch/gatekeeper/plan"
	"github.com/pawmatch/gatekeeper/store"
)

const (
	defaultCacheSize = 4096
	defaultCacheTTL  = 30 * time.Second
)

// ErrUnknownPlan is carried by a defaulted Resolution when the stored
// assignment names a plan the catalog does not have.
var ErrUnknownPlan = errors.New("entitlement: assigned plan not in catalog")

// Resolve derives entitlements from p. It performs no I/O, so the same
// plan always yields the same entitlements.
func Resolve(p *plan.Plan) Entitlements {
	features := slices.Clone(p.Bundle.Features)
	slices.Sort(features)
	return Entitlements{
		PlanID:               p.ID,
		Tier:                 p.Tier,
		Features:             slices.Compact(features),
		SwipeDailyCap:        p.Bundle.SwipeDailyCap,
		SuperLikesPerDay:     p.Bundle.SuperLikesPerDay,
		BoostsPerWeek:        p.Bundle.BoostsPerWeek,
		AdoptionListingLimit: p.Bundle.AdoptionListingLimit,
		Consumables:          map[plan.Consumable]int64{},
	}
}

type cacheEntry struct {
	resolution Resolution
	storedAt   time.Time
}

// Resolver turns a user's stored plan assignment into entitlements. It
// only ever reads from the store.
type Resolver struct {
	kv      store.Store
	catalog *plan.Catalog
	clock   clock.Clock
	logger  *slog.Logger

	cache    *lru.Cache[string, cacheEntry]
	cacheTTL time.Duration
	group    singleflight.Group

	// generation is bumped by every Invalidate. A resolve that started
	// under an older generation does not populate the cache.
	generation atomic.Uint64
	cacheMu    sync.Mutex
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// WithClock sets the time source used for cache expiry.
func WithClock(c clock.Clock) Option {
	return func(r *Resolver) { r.clock = c }
}

// WithCache sets the cache capacity and TTL. A ttl of zero disables the
// cache.
func WithCache(size int, ttl time.Duration) Option {
	return func(r *Resolver) {
		if ttl <= 0 {
			r.cache = nil
			r.cacheTTL = 0
			return
		}
		if size <= 0 {
			size = defaultCacheSize
		}
		c, err := lru.New[string, cacheEntry](size)
		if err != nil {
			return
		}
		r.cache = c
		r.cacheTTL = ttl
	}
}

// NewResolver creates a Resolver reading assignments from kv. A nil
// catalog uses plan.DefaultCatalog.
func NewResolver(kv store.Store, catalog *plan.Catalog, opts ...Option) *Resolver {
	if catalog == nil {
		catalog = plan.DefaultCatalog()
	}
	r := &Resolver{
		kv:      kv,
		catalog: catalog,
		clock:   clock.System{},
		logger:  slog.Default(),
	}
	WithCache(defaultCacheSize, defaultCacheTTL)(r)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Catalog returns the plan catalog the resolver reads.
func (r *Resolver) Catalog() *plan.Catalog { return r.catalog }

// Resolve derives entitlements from p.
func (r *Resolver) Resolve(p *plan.Plan) Entitlements { return Resolve(p) }

// UserPlan returns the user's current plan. Any failure yields the free
// plan with SourceDefaulted and the cause; the error is informational and
// the returned plan is always usable.
func (r *Resolver) UserPlan(ctx context.Context, userID string) (*plan.Plan, Source, error) {
	p, _, src, err := r.lookup(ctx, userID)
	return p, src, err
}

// UserEntitlements resolves the user's plan and overlays their prepaid
// consumables. It never fails; check Resolution.Source to tell a free user
// from a storage fallback.
func (r *Resolver) UserEntitlements(ctx context.Context, userID string) Resolution {
	if res, ok := r.cached(userID); ok {
		return res
	}

	v, _, _ := r.group.Do(userID, func() (any, error) {
		return r.resolveUser(ctx, userID), nil
	})
	res := v.(Resolution)
	res.Consumables = maps.Clone(res.Consumables)
	return res
}

// Invalidate drops any cached resolution for userID. Resolves already in
// flight for userID are detached, so later callers re-read the store.
func (r *Resolver) Invalidate(userID string) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	r.generation.Add(1)
	r.group.Forget(userID)
	if r.cache != nil {
		r.cache.Remove(userID)
	}
}

func (r *Resolver) resolveUser(ctx context.Context, userID string) Resolution {
	gen := r.generation.Load()
	p, a, src, err := r.lookup(ctx, userID)

	res := Resolution{Entitlements: Resolve(p), Source: src, Err: err}
	res.UserID = userID
	if a != nil {
		for k, v := range a.Consumables {
			res.Consumables[k] = max(0, v)
		}
	}

	if src == SourceDefaulted {
		r.logger.Warn("entitlements defaulted to free tier",
			"user_id", userID,
			"error", err,
		)
		return res
	}

	if r.cache != nil {
		r.cacheMu.Lock()
		if r.generation.Load() == gen {
			r.cache.Add(userID, cacheEntry{resolution: res, storedAt: r.clock.Now()})
		}
		r.cacheMu.Unlock()
	}
	return res
}

func (r *Resolver) lookup(ctx context.Context, userID string) (*plan.Plan, *Assignment, Source, error) {
	free := r.catalog.Free()

	a, err := LoadAssignment(ctx, r.kv, userID)
	switch {
	case store.IsNotFound(err):
		return free, nil, SourceResolved, nil
	case err != nil:
		return free, nil, SourceDefaulted, fmt.Errorf("entitlement: load assignment: %w", err)
	}

	if a.PlanID == "" {
		return free, a, SourceResolved, nil
	}
	p, err := r.catalog.Get(a.PlanID)
	if err != nil {
		return free, a, SourceDefaulted, fmt.Errorf("%w: %s", ErrUnknownPlan, a.PlanID)
	}
	return p, a, SourceResolved, nil
}

func (r *Resolver) cached(userID string) (Resolution, bool) {
	if r.cache == nil {
		return Resolution{}, false
	}
	e, ok := r.cache.Get(userID)
	if !ok {
		return Resolution{}, false
	}
	if r.clock.Now().Sub(e.storedAt) >= r.cacheTTL {
		r.cache.Remove(userID)
		return Resolution{}, false
	}
	res := e.resolution
	res.Consumables = maps.Clone(res.Consumables)
	return res, true
}
