package extension

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pawmatch/gatekeeper"
	audithook "github.com/pawmatch/gatekeeper/audit_hook"
	"github.com/pawmatch/gatekeeper/billing"
	"github.com/pawmatch/gatekeeper/observability"
	"github.com/pawmatch/gatekeeper/plugin"
	"github.com/pawmatch/gatekeeper/store"
)

// Option configures the Gatekeeper Forge extension.
type Option func(*Extension)

// WithStore sets the store for the engine. It takes precedence over
// RedisURL.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithBillingAPI replaces the store-backed billing provider.
func WithBillingAPI(api billing.API) Option {
	return func(e *Extension) {
		e.api = api
	}
}

// WithEngineOption passes a gatekeeper.Option through to the underlying engine.
func WithEngineOption(opt gatekeeper.Option) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, opt)
	}
}

// WithPlugin registers a gatekeeper plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, gatekeeper.WithPlugin(p))
	}
}

// WithPrometheus registers the metrics plugin against reg.
func WithPrometheus(reg prometheus.Registerer) Option {
	return WithPlugin(observability.NewMetricsExtension(
		observability.NewPrometheusFactory(reg, slog.Default()),
	))
}

// WithAuditTrail forwards compliance events to r.
func WithAuditTrail(r audithook.Recorder, opts ...audithook.Option) Option {
	return WithPlugin(audithook.New(r, opts...))
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithRedisURL selects the Redis store.
func WithRedisURL(url string) Option {
	return func(e *Extension) { e.config.RedisURL = url }
}

// WithAMQPURL enables RabbitMQ event publishing.
func WithAMQPURL(url string) Option {
	return func(e *Extension) { e.config.AMQPURL = url }
}

// WithEntitlementCacheTTL sets the entitlement cache duration.
func WithEntitlementCacheTTL(d time.Duration) Option {
	return func(e *Extension) { e.config.EntitlementCacheTTL = d }
}

// WithExpiryInterval sets how often due subscriptions are expired.
func WithExpiryInterval(d time.Duration) Option {
	return func(e *Extension) { e.config.ExpiryInterval = d }
}

// WithTimezone sets the zone usage windows are cut in.
func WithTimezone(tz string) Option {
	return func(e *Extension) { e.config.Timezone = tz }
}
