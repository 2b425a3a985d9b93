package extension

import "time"

// Config holds the Gatekeeper extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.gatekeeper" or "gatekeeper" keys).
type Config struct {
	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// RedisURL selects the Redis store. Empty means the in-memory store,
	// unless WithStore was given.
	RedisURL string `json:"redis_url" mapstructure:"redis_url" yaml:"redis_url"`

	// RedisPrefix namespaces every key the Redis store writes (default: "gatekeeper").
	RedisPrefix string `json:"redis_prefix" mapstructure:"redis_prefix" yaml:"redis_prefix"`

	// DisableBreaker skips wrapping the store in a circuit breaker.
	DisableBreaker bool `json:"disable_breaker" mapstructure:"disable_breaker" yaml:"disable_breaker"`

	// AMQPURL enables publishing subscription events to RabbitMQ.
	AMQPURL string `json:"amqp_url" mapstructure:"amqp_url" yaml:"amqp_url"`

	// AMQPExchange is the topic exchange events are published to
	// (default: "subscriptions").
	AMQPExchange string `json:"amqp_exchange" mapstructure:"amqp_exchange" yaml:"amqp_exchange"`

	// EntitlementCacheTTL controls how long resolved entitlements are
	// cached in-process before re-reading the store (default: 30s).
	EntitlementCacheTTL time.Duration `json:"entitlement_cache_ttl" mapstructure:"entitlement_cache_ttl" yaml:"entitlement_cache_ttl"`

	// EntitlementCacheSize caps the number of cached users (default: 4096).
	EntitlementCacheSize int `json:"entitlement_cache_size" mapstructure:"entitlement_cache_size" yaml:"entitlement_cache_size"`

	// IdempotencyTTL is how long usage operation IDs are remembered (default: 24h).
	IdempotencyTTL time.Duration `json:"idempotency_ttl" mapstructure:"idempotency_ttl" yaml:"idempotency_ttl"`

	// LockTTL bounds how long a per-user lock may be held (default: 5s).
	LockTTL time.Duration `json:"lock_ttl" mapstructure:"lock_ttl" yaml:"lock_ttl"`

	// ExpiryInterval is how often soft-cancelled subscriptions past their
	// period end are expired. Zero disables the sweep.
	ExpiryInterval time.Duration `json:"expiry_interval" mapstructure:"expiry_interval" yaml:"expiry_interval"`

	// Timezone is the IANA zone that day and week windows are cut in
	// (default: "UTC").
	Timezone string `json:"timezone" mapstructure:"timezone" yaml:"timezone"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RedisPrefix:          "gatekeeper",
		AMQPExchange:         "subscriptions",
		EntitlementCacheTTL:  30 * time.Second,
		EntitlementCacheSize: 4096,
		IdempotencyTTL:       24 * time.Hour,
		LockTTL:              5 * time.Second,
		Timezone:             "UTC",
	}
}
