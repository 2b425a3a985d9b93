package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/pawmatch/gatekeeper/entitlement"
	"github.com/pawmatch/gatekeeper/meter"
	"github.com/pawmatch/gatekeeper/plan"
	"github.com/pawmatch/gatekeeper/subscription"
	"github.com/pawmatch/gatekeeper/types"
)

// DefaultTimeout bounds a single hook call.
const DefaultTimeout = 5 * time.Second

// Registry manages all registered plugins and provides efficient dispatch.
// Hook implementations are discovered once at registration.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	onInit                  []OnInit
	onShutdown              []OnShutdown
	onSubscriptionCreated   []OnSubscriptionCreated
	onSubscriptionCanceled  []OnSubscriptionCanceled
	onSubscriptionRefunded  []OnSubscriptionRefunded
	onSubscriptionExpired   []OnSubscriptionExpired
	onActionChecked         []OnActionChecked
	onLimitReached          []OnLimitReached
	onEntitlementsDefaulted []OnEntitlementsDefaulted
	onUsageIncremented      []OnUsageIncremented
	onConsumableChanged     []OnConsumableChanged
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-hook timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnSubscriptionCreated); ok {
		r.onSubscriptionCreated = append(r.onSubscriptionCreated, v)
	}
	if v, ok := p.(OnSubscriptionCanceled); ok {
		r.onSubscriptionCanceled = append(r.onSubscriptionCanceled, v)
	}
	if v, ok := p.(OnSubscriptionRefunded); ok {
		r.onSubscriptionRefunded = append(r.onSubscriptionRefunded, v)
	}
	if v, ok := p.(OnSubscriptionExpired); ok {
		r.onSubscriptionExpired = append(r.onSubscriptionExpired, v)
	}
	if v, ok := p.(OnActionChecked); ok {
		r.onActionChecked = append(r.onActionChecked, v)
	}
	if v, ok := p.(OnLimitReached); ok {
		r.onLimitReached = append(r.onLimitReached, v)
	}
	if v, ok := p.(OnEntitlementsDefaulted); ok {
		r.onEntitlementsDefaulted = append(r.onEntitlementsDefaulted, v)
	}
	if v, ok := p.(OnUsageIncremented); ok {
		r.onUsageIncremented = append(r.onUsageIncremented, v)
	}
	if v, ok := p.(OnConsumableChanged); ok {
		r.onConsumableChanged = append(r.onConsumableChanged, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", implementedInterfaces(p),
	)

	return nil
}

var hookTypes = []struct {
	name  string
	iface reflect.Type
}{
	{"OnInit", reflect.TypeOf((*OnInit)(nil)).Elem()},
	{"OnShutdown", reflect.TypeOf((*OnShutdown)(nil)).Elem()},
	{"OnSubscriptionCreated", reflect.TypeOf((*OnSubscriptionCreated)(nil)).Elem()},
	{"OnSubscriptionCanceled", reflect.TypeOf((*OnSubscriptionCanceled)(nil)).Elem()},
	{"OnSubscriptionRefunded", reflect.TypeOf((*OnSubscriptionRefunded)(nil)).Elem()},
	{"OnSubscriptionExpired", reflect.TypeOf((*OnSubscriptionExpired)(nil)).Elem()},
	{"OnActionChecked", reflect.TypeOf((*OnActionChecked)(nil)).Elem()},
	{"OnLimitReached", reflect.TypeOf((*OnLimitReached)(nil)).Elem()},
	{"OnEntitlementsDefaulted", reflect.TypeOf((*OnEntitlementsDefaulted)(nil)).Elem()},
	{"OnUsageIncremented", reflect.TypeOf((*OnUsageIncremented)(nil)).Elem()},
	{"OnConsumableChanged", reflect.TypeOf((*OnConsumableChanged)(nil)).Elem()},
}

// implementedInterfaces lists the hooks p implements.
func implementedInterfaces(p Plugin) []string {
	var out []string
	t := reflect.TypeOf(p)
	for _, h := range hookTypes {
		if t.Implements(h.iface) {
			out = append(out, h.name)
		}
	}
	return out
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// emit calls fn for each hook implementation, logging failures. Hooks
// never fail the caller.
func emit[T Plugin](ctx context.Context, r *Registry, hook string, list func(*Registry) []T, fn func(T) error) {
	r.mu.RLock()
	plugins := list(r)
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error { return fn(p) }); err != nil {
			r.logger.Warn("plugin "+hook+" failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine any) {
	emit(ctx, r, "OnInit", func(r *Registry) []OnInit { return r.onInit },
		func(p OnInit) error { return p.OnInit(ctx, engine) })
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(ctx, r, "OnShutdown", func(r *Registry) []OnShutdown { return r.onShutdown },
		func(p OnShutdown) error { return p.OnShutdown(ctx) })
}

// EmitSubscriptionCreated emits a subscription created event.
func (r *Registry) EmitSubscriptionCreated(ctx context.Context, sub *subscription.Subscription) {
	emit(ctx, r, "OnSubscriptionCreated", func(r *Registry) []OnSubscriptionCreated { return r.onSubscriptionCreated },
		func(p OnSubscriptionCreated) error { return p.OnSubscriptionCreated(ctx, sub) })
}

// EmitSubscriptionCanceled emits a subscription canceled event.
func (r *Registry) EmitSubscriptionCanceled(ctx context.Context, sub *subscription.Subscription, immediate bool) {
	emit(ctx, r, "OnSubscriptionCanceled", func(r *Registry) []OnSubscriptionCanceled { return r.onSubscriptionCanceled },
		func(p OnSubscriptionCanceled) error { return p.OnSubscriptionCanceled(ctx, sub, immediate) })
}

// EmitSubscriptionRefunded emits a subscription refunded event.
func (r *Registry) EmitSubscriptionRefunded(ctx context.Context, sub *subscription.Subscription, amount types.Money) {
	emit(ctx, r, "OnSubscriptionRefunded", func(r *Registry) []OnSubscriptionRefunded { return r.onSubscriptionRefunded },
		func(p OnSubscriptionRefunded) error { return p.OnSubscriptionRefunded(ctx, sub, amount) })
}

// EmitSubscriptionExpired emits a subscription expired event.
func (r *Registry) EmitSubscriptionExpired(ctx context.Context, sub *subscription.Subscription) {
	emit(ctx, r, "OnSubscriptionExpired", func(r *Registry) []OnSubscriptionExpired { return r.onSubscriptionExpired },
		func(p OnSubscriptionExpired) error { return p.OnSubscriptionExpired(ctx, sub) })
}

// EmitActionChecked emits an authorization decision.
func (r *Registry) EmitActionChecked(ctx context.Context, userID, action string, result entitlement.Result) {
	emit(ctx, r, "OnActionChecked", func(r *Registry) []OnActionChecked { return r.onActionChecked },
		func(p OnActionChecked) error { return p.OnActionChecked(ctx, userID, action, result) })
}

// EmitLimitReached emits a limit reached event.
func (r *Registry) EmitLimitReached(ctx context.Context, userID, action string, used, limit int64) {
	emit(ctx, r, "OnLimitReached", func(r *Registry) []OnLimitReached { return r.onLimitReached },
		func(p OnLimitReached) error { return p.OnLimitReached(ctx, userID, action, used, limit) })
}

// EmitEntitlementsDefaulted emits a free-plan fallback.
func (r *Registry) EmitEntitlementsDefaulted(ctx context.Context, userID string, cause error) {
	emit(ctx, r, "OnEntitlementsDefaulted", func(r *Registry) []OnEntitlementsDefaulted { return r.onEntitlementsDefaulted },
		func(p OnEntitlementsDefaulted) error { return p.OnEntitlementsDefaulted(ctx, userID, cause) })
}

// EmitUsageIncremented emits an increment attempt.
func (r *Registry) EmitUsageIncremented(ctx context.Context, userID string, t meter.UsageType, result meter.IncrementResult) {
	emit(ctx, r, "OnUsageIncremented", func(r *Registry) []OnUsageIncremented { return r.onUsageIncremented },
		func(p OnUsageIncremented) error { return p.OnUsageIncremented(ctx, userID, t, result) })
}

// EmitConsumableChanged emits a consumable balance change.
func (r *Registry) EmitConsumableChanged(ctx context.Context, userID string, c plan.Consumable, delta, balance int64) {
	emit(ctx, r, "OnConsumableChanged", func(r *Registry) []OnConsumableChanged { return r.onConsumableChanged },
		func(p OnConsumableChanged) error { return p.OnConsumableChanged(ctx, userID, c, delta, balance) })
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the request path.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
