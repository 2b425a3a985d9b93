package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pawmatch/gatekeeper/audit"
	"github.com/pawmatch/gatekeeper/billing"
	"github.com/pawmatch/gatekeeper/billing/kvapi"
	"github.com/pawmatch/gatekeeper/clock"
	"github.com/pawmatch/gatekeeper/entitlement"
	"github.com/pawmatch/gatekeeper/eventbus"
	"github.com/pawmatch/gatekeeper/gate"
	"github.com/pawmatch/gatekeeper/lifecycle"
	"github.com/pawmatch/gatekeeper/meter"
	"github.com/pawmatch/gatekeeper/plan"
	"github.com/pawmatch/gatekeeper/plugin"
	"github.com/pawmatch/gatekeeper/store"
	"github.com/pawmatch/gatekeeper/subscription"
	"github.com/pawmatch/gatekeeper/types"
)

// Engine is the entitlement and subscription enforcement core.
type Engine struct {
	kv        store.Store
	api       billing.API
	catalog   *plan.Catalog
	resolver  *entitlement.Resolver
	ents      *hookedResolver
	usage     *meter.Store
	gate      *gate.Gate
	lifecycle *lifecycle.Manager
	audit     *audit.Log
	plugins   *plugin.Registry
	publisher eventbus.Publisher
	recorder  audit.Recorder
	listings  gate.ListingCounter
	clock     clock.Clock
	location  *time.Location
	logger    *slog.Logger

	// Background workers
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Configuration
	cacheSize      int
	cacheTTL       time.Duration
	markerTTL      time.Duration
	lockTTL        time.Duration
	expiryInterval time.Duration
	skipMigrate    bool
}

// New creates an Engine over kv. A nil api uses a kvapi.API on the same
// store, which also becomes the audit journal.
func New(kv store.Store, api billing.API, opts ...Option) *Engine {
	e := &Engine{
		kv:             kv,
		api:            api,
		plugins:        plugin.NewRegistry(),
		clock:          clock.System{},
		location:       time.UTC,
		logger:         slog.Default(),
		stopChan:       make(chan struct{}),
		cacheSize:      4096,
		cacheTTL:       30 * time.Second,
		markerTTL:      meter.DefaultMarkerTTL,
		lockTTL:        5 * time.Second,
		expiryInterval: 0,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.catalog == nil {
		e.catalog = plan.DefaultCatalog()
	}
	if e.api == nil {
		e.api = kvapi.New(kv, e.catalog, kvapi.WithClock(e.clock), kvapi.WithLogger(e.logger))
	}
	if e.recorder == nil {
		if r, ok := e.api.(audit.Recorder); ok {
			e.recorder = r
		}
	}
	if e.publisher == nil {
		e.publisher = eventbus.NewNoopPublisher(e.logger)
	}

	auditOpts := []audit.Option{
		audit.WithClock(e.clock),
		audit.WithLogger(e.logger),
		audit.WithPublisher(e.publisher),
	}
	if e.recorder != nil {
		auditOpts = append(auditOpts, audit.WithRecorder(e.recorder))
	}
	e.audit = audit.NewLog(auditOpts...)

	e.resolver = entitlement.NewResolver(kv, e.catalog,
		entitlement.WithClock(e.clock),
		entitlement.WithLogger(e.logger),
		entitlement.WithCache(e.cacheSize, e.cacheTTL),
	)
	e.ents = &hookedResolver{Resolver: e.resolver, plugins: e.plugins}

	e.usage = meter.NewStore(kv,
		meter.WithCalendar(clock.NewCalendar(e.clock, e.location)),
		meter.WithLogger(e.logger),
		meter.WithMarkerTTL(e.markerTTL),
		meter.WithLockTTL(e.lockTTL),
	)

	gateOpts := []gate.Option{gate.WithLogger(e.logger)}
	if e.listings != nil {
		gateOpts = append(gateOpts, gate.WithListingCounter(e.listings))
	}
	e.gate = gate.New(e.ents, e.usage, gateOpts...)

	e.lifecycle = lifecycle.NewManager(e.api, e.audit,
		lifecycle.WithInvalidator(e.resolver),
		lifecycle.WithClock(e.clock),
		lifecycle.WithLogger(e.logger),
	)

	return e
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLocation sets the time zone that day and week windows are cut in.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.location = loc
		}
	}
}

// WithCatalog replaces the default plan catalog.
func WithCatalog(c *plan.Catalog) Option {
	return func(e *Engine) { e.catalog = c }
}

// WithEntitlementCacheTTL sets the entitlement cache TTL. Zero disables
// the cache.
func WithEntitlementCacheTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.cacheTTL = ttl }
}

// WithEntitlementCacheSize sets the entitlement cache capacity.
func WithEntitlementCacheSize(n int) Option {
	return func(e *Engine) { e.cacheSize = n }
}

// WithIdempotencyTTL sets how long usage operation IDs are remembered.
func WithIdempotencyTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.markerTTL = ttl }
}

// WithLockTTL bounds how long a per-user usage lock may be held.
func WithLockTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.lockTTL = ttl }
}

// WithPublisher sets where subscription events are published.
func WithPublisher(p eventbus.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithRecorder sets the durable audit journal.
func WithRecorder(r audit.Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithListingCounter sets the source of active adoption listings.
func WithListingCounter(lc gate.ListingCounter) Option {
	return func(e *Engine) { e.listings = lc }
}

// WithoutMigrate makes Start skip store migration.
func WithoutMigrate() Option {
	return func(e *Engine) { e.skipMigrate = true }
}

// WithExpiryInterval runs ExpireDue on this interval after Start. Zero
// disables the sweep.
func WithExpiryInterval(d time.Duration) Option {
	return func(e *Engine) { e.expiryInterval = d }
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start migrates the store, initializes plugins and starts background
// workers.
func (e *Engine) Start(ctx context.Context) error {
	if !e.skipMigrate {
		if err := e.kv.Migrate(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrMigrationFailed, err)
		}
	}

	e.plugins.EmitInit(ctx, e)

	if e.expiryInterval > 0 {
		e.wg.Add(1)
		go e.expiryWorker(context.WithoutCancel(ctx))
	}

	e.logger.Info("gatekeeper started",
		"plans", len(e.catalog.List()),
		"cache_ttl", e.cacheTTL,
		"idempotency_ttl", e.markerTTL,
		"expiry_interval", e.expiryInterval,
		"location", e.location.String(),
	)
	return nil
}

// Stop shuts down background workers, plugins, the publisher and the
// store. It is safe to call more than once.
func (e *Engine) Stop() error {
	var errs MultiError
	e.stopOnce.Do(func() {
		close(e.stopChan)
		e.wg.Wait()

		e.plugins.EmitShutdown(context.Background())

		errs.Add(e.publisher.Close())
		errs.Add(e.kv.Close())
	})
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// Health reports whether the store is reachable.
func (e *Engine) Health(ctx context.Context) error {
	if err := e.kv.Ping(ctx); err != nil {
		return fmt.Errorf("gatekeeper: health: %w", err)
	}
	return nil
}

func (e *Engine) expiryWorker(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.expiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			if _, err := e.ExpireDue(ctx); err != nil {
				e.logger.Error("expiry sweep failed", "error", err)
			}
		}
	}
}

// ──────────────────────────────────────────────────
// Authorization and usage
// ──────────────────────────────────────────────────

// CanPerformAction reports whether userID may perform action now without
// consuming anything.
func (e *Engine) CanPerformAction(ctx context.Context, userID string, action gate.Action) (entitlement.Result, error) {
	if userID == "" {
		return entitlement.Result{}, ValidationError{Field: "user_id", Message: "required"}
	}
	res, err := e.gate.CanPerformAction(ctx, userID, action)
	if err != nil {
		return res, err
	}

	e.plugins.EmitActionChecked(ctx, userID, string(action), res)
	if !res.Allowed && res.Limit != nil && res.Remaining != nil && *res.Remaining == 0 {
		e.plugins.EmitLimitReached(ctx, userID, string(action), res.Used, *res.Limit)
	}
	return res, nil
}

// IncrementUsage counts one metered action. Retrying with the same
// operationID never counts twice. Hitting the limit is reported as
// Success=false, not as an error.
func (e *Engine) IncrementUsage(ctx context.Context, userID string, t meter.UsageType, operationID string) (meter.IncrementResult, error) {
	if userID == "" {
		return meter.IncrementResult{}, ValidationError{Field: "user_id", Message: "required"}
	}
	res, err := e.gate.Commit(ctx, userID, gate.Action(t), operationID)
	if err != nil {
		return res, err
	}

	e.plugins.EmitUsageIncremented(ctx, userID, t, res)
	if !res.Success && res.Limit != nil {
		e.plugins.EmitLimitReached(ctx, userID, string(t), res.Used, *res.Limit)
	}
	return res, nil
}

// GetUsageCounter returns today's usage for userID.
func (e *Engine) GetUsageCounter(ctx context.Context, userID string) (*meter.Counter, error) {
	if userID == "" {
		return nil, ValidationError{Field: "user_id", Message: "required"}
	}
	return e.usage.Counter(ctx, userID)
}

// GetUserEntitlements resolves userID's effective entitlements. It never
// fails: an unreadable assignment resolves to the free plan with
// Source=SourceDefaulted.
func (e *Engine) GetUserEntitlements(ctx context.Context, userID string) entitlement.Resolution {
	return e.ents.UserEntitlements(ctx, userID)
}

// ──────────────────────────────────────────────────
// Subscriptions
// ──────────────────────────────────────────────────

// CreateSubscription creates a subscription and assigns its plan.
func (e *Engine) CreateSubscription(ctx context.Context, req billing.CreateRequest) (*subscription.Subscription, error) {
	sub, err := e.lifecycle.CreateSubscription(ctx, req)
	if err != nil {
		return nil, err
	}
	e.plugins.EmitSubscriptionCreated(ctx, sub)
	return sub, nil
}

// GrantComp gives userID a complimentary subscription.
func (e *Engine) GrantComp(ctx context.Context, userID, planID, actorID, reason string) (*subscription.Subscription, error) {
	sub, err := e.lifecycle.GrantComp(ctx, userID, planID, actorID, reason)
	if err != nil {
		return nil, err
	}
	e.plugins.EmitSubscriptionCreated(ctx, sub)
	return sub, nil
}

// CancelSubscription cancels at period end, or immediately with a
// downgrade to the free plan.
func (e *Engine) CancelSubscription(ctx context.Context, subscriptionID string, immediate bool, actorID, reason string) (*subscription.Subscription, error) {
	sub, err := e.lifecycle.CancelSubscription(ctx, subscriptionID, immediate, actorID, reason)
	if err != nil {
		return nil, err
	}
	e.plugins.EmitSubscriptionCanceled(ctx, sub, immediate)
	return sub, nil
}

// RefundSubscription records a refund and returns the subscription
// unchanged.
func (e *Engine) RefundSubscription(ctx context.Context, subscriptionID string, amount types.Money, actorID, reason string) (*subscription.Subscription, error) {
	sub, err := e.lifecycle.RefundSubscription(ctx, subscriptionID, amount, actorID, reason)
	if err != nil {
		return nil, err
	}
	e.plugins.EmitSubscriptionRefunded(ctx, sub, amount)
	return sub, nil
}

// ExpireDue ends soft-cancelled subscriptions whose period has elapsed.
func (e *Engine) ExpireDue(ctx context.Context) ([]*subscription.Subscription, error) {
	expired, err := e.lifecycle.ExpireDue(ctx)
	for _, sub := range expired {
		e.plugins.EmitSubscriptionExpired(ctx, sub)
	}
	if len(expired) > 0 {
		e.logger.Info("expired subscriptions", "count", len(expired))
	}
	return expired, err
}

// ──────────────────────────────────────────────────
// Consumables
// ──────────────────────────────────────────────────

// AddConsumable credits quantity units of c to userID.
func (e *Engine) AddConsumable(ctx context.Context, userID string, c plan.Consumable, quantity int64, actorID, reason string) (int64, error) {
	balance, err := e.api.AddConsumable(ctx, userID, c, quantity)
	if err != nil {
		return 0, err
	}
	e.consumableChanged(ctx, audit.ActionConsumableAdded, userID, c, quantity, balance, actorID, reason)
	return balance, nil
}

// RedeemConsumable debits quantity units of c from userID.
func (e *Engine) RedeemConsumable(ctx context.Context, userID string, c plan.Consumable, quantity int64) (int64, error) {
	balance, err := e.api.RedeemConsumable(ctx, userID, c, quantity)
	if err != nil {
		return 0, err
	}
	e.consumableChanged(ctx, audit.ActionConsumableRedeemed, userID, c, -quantity, balance, userID, "")
	return balance, nil
}

func (e *Engine) consumableChanged(ctx context.Context, action, userID string, c plan.Consumable, delta, balance int64, actorID, reason string) {
	e.resolver.Invalidate(userID)
	e.audit.LogAudit(ctx, audit.Entry{
		ActorID: actorID,
		Action:  action,
		UserID:  userID,
		Details: map[string]any{"consumable": string(c), "delta": delta, "balance": balance},
		Reason:  reason,
	})
	e.plugins.EmitConsumableChanged(ctx, userID, c, delta, balance)
}

// ──────────────────────────────────────────────────
// Audit and events
// ──────────────────────────────────────────────────

// LogAudit appends an administrative audit entry.
func (e *Engine) LogAudit(ctx context.Context, entry audit.Entry) audit.Entry {
	return e.audit.LogAudit(ctx, entry)
}

// CreateSubscriptionEvent emits a subscription event.
func (e *Engine) CreateSubscriptionEvent(ctx context.Context, ev audit.Event) audit.Event {
	return e.audit.CreateSubscriptionEvent(ctx, ev)
}

// ──────────────────────────────────────────────────
// Accessors
// ──────────────────────────────────────────────────

// Billing returns the billing provider.
func (e *Engine) Billing() billing.API { return e.api }

// Catalog returns the plan catalog.
func (e *Engine) Catalog() *plan.Catalog { return e.catalog }

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// Store returns the key-value store.
func (e *Engine) Store() store.Store { return e.kv }

// hookedResolver reports free-plan fallbacks to plugins.
type hookedResolver struct {
	*entitlement.Resolver
	plugins *plugin.Registry
}

func (h *hookedResolver) UserEntitlements(ctx context.Context, userID string) entitlement.Resolution {
	res := h.Resolver.UserEntitlements(ctx, userID)
	if res.Defaulted() && !errors.Is(res.Err, context.Canceled) {
		h.plugins.EmitEntitlementsDefaulted(ctx, userID, res.Err)
	}
	return res
}
