// Package extension provides the Forge extension adapter for Gatekeeper.
//
// It implements the forge.Extension interface to integrate Gatekeeper
// into a Forge application with automatic dependency discovery,
// DI registration, and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.gatekeeper" or
// "gatekeeper" keys.
package extension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	"github.com/pawmatch/gatekeeper"
	"github.com/pawmatch/gatekeeper/billing"
	"github.com/pawmatch/gatekeeper/eventbus"
	"github.com/pawmatch/gatekeeper/store"
	"github.com/pawmatch/gatekeeper/store/breaker"
	"github.com/pawmatch/gatekeeper/store/memory"
	"github.com/pawmatch/gatekeeper/store/redis"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "gatekeeper"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Entitlement and subscription enforcement"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts Gatekeeper as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *gatekeeper.Engine
	store      store.Store
	api        billing.API
	engineOpts []gatekeeper.Option
}

// New creates a new Gatekeeper Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying Engine.
// This is nil until Register is called.
func (e *Extension) Engine() *gatekeeper.Engine { return e.engine }

// Register implements [forge.Extension]. It loads configuration,
// initializes the engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if e.store == nil {
		s, err := openStore(context.Background(), e.config)
		if err != nil {
			return err
		}
		e.store = s
	}
	if !e.config.DisableBreaker {
		cfg := breaker.DefaultConfig()
		cfg.Name = ExtensionName
		e.store = breaker.Wrap(e.store, cfg, slog.Default())
	}

	opts, err := e.buildEngineOpts()
	if err != nil {
		return err
	}

	e.engine = gatekeeper.New(e.store, e.api, opts...)

	return vessel.Provide(fapp.Container(), func() (*gatekeeper.Engine, error) {
		return e.engine, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("gatekeeper: extension not initialized")
	}

	if err := e.engine.Start(ctx); err != nil {
		return err
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.engine != nil {
		if err := e.engine.Stop(); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("gatekeeper: engine not initialized")
	}
	return e.engine.Health(ctx)
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	if cfg.RedisURL == "" {
		return memory.New(), nil
	}
	s, err := redis.Open(ctx, cfg.RedisURL, redis.WithPrefix(cfg.RedisPrefix))
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: open redis store: %w", err)
	}
	return s, nil
}

// buildEngineOpts constructs gatekeeper.Option values from the resolved config.
func (e *Extension) buildEngineOpts() ([]gatekeeper.Option, error) {
	opts := make([]gatekeeper.Option, 0, len(e.engineOpts)+8)

	loc, err := time.LoadLocation(e.config.Timezone)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: timezone %q: %w", e.config.Timezone, err)
	}

	opts = append(opts,
		gatekeeper.WithLocation(loc),
		gatekeeper.WithEntitlementCacheTTL(e.config.EntitlementCacheTTL),
		gatekeeper.WithEntitlementCacheSize(e.config.EntitlementCacheSize),
		gatekeeper.WithIdempotencyTTL(e.config.IdempotencyTTL),
		gatekeeper.WithLockTTL(e.config.LockTTL),
		gatekeeper.WithExpiryInterval(e.config.ExpiryInterval),
	)

	if e.config.DisableMigrate {
		opts = append(opts, gatekeeper.WithoutMigrate())
	}

	if e.config.AMQPURL != "" {
		pub, err := eventbus.NewRabbitMQPublisher(e.config.AMQPURL, e.config.AMQPExchange, slog.Default())
		if err != nil {
			return nil, fmt.Errorf("gatekeeper: connect event publisher: %w", err)
		}
		opts = append(opts, gatekeeper.WithPublisher(pub))
	}

	// Append any pass-through engine options.
	opts = append(opts, e.engineOpts...)

	return opts, nil
}

// --- Config Loading (mirrors grove/shield extension pattern) ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	// Try loading from config file.
	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("gatekeeper: configuration is required but not found in config files; " +
				"ensure 'extensions.gatekeeper' or 'gatekeeper' key exists in your config")
		}

		// Use programmatic config merged with defaults.
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		// Config loaded from YAML -- merge with programmatic options.
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("gatekeeper: configuration loaded",
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("redis", e.config.RedisURL != ""),
		forge.F("amqp", e.config.AMQPURL != ""),
		forge.F("entitlement_cache_ttl", e.config.EntitlementCacheTTL),
		forge.F("idempotency_ttl", e.config.IdempotencyTTL),
		forge.F("expiry_interval", e.config.ExpiryInterval),
		forge.F("timezone", e.config.Timezone),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	var cfg Config

	for _, key := range []string{"extensions.gatekeeper", "gatekeeper"} {
		if !cm.IsSet(key) {
			continue
		}
		if err := cm.Bind(key, &cfg); err == nil {
			e.Logger().Debug("gatekeeper: loaded config from file",
				forge.F("key", key),
			)
			return cfg, true
		}
		e.Logger().Warn("gatekeeper: failed to bind config",
			forge.F("key", key),
			forge.F("error", "bind failed"),
		)
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults. ExpiryInterval
// stays zero so the sweep is opt-in.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.RedisPrefix == "" {
		cfg.RedisPrefix = defaults.RedisPrefix
	}
	if cfg.AMQPExchange == "" {
		cfg.AMQPExchange = defaults.AMQPExchange
	}
	if cfg.EntitlementCacheTTL == 0 {
		cfg.EntitlementCacheTTL = defaults.EntitlementCacheTTL
	}
	if cfg.EntitlementCacheSize == 0 {
		cfg.EntitlementCacheSize = defaults.EntitlementCacheSize
	}
	if cfg.IdempotencyTTL == 0 {
		cfg.IdempotencyTTL = defaults.IdempotencyTTL
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = defaults.LockTTL
	}
	if cfg.Timezone == "" {
		cfg.Timezone = defaults.Timezone
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence for most fields; programmatic bool flags fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	// Programmatic bool flags override when true.
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}
	if programmaticConfig.DisableBreaker {
		yamlConfig.DisableBreaker = true
	}

	// String fields: YAML takes precedence.
	if yamlConfig.RedisURL == "" {
		yamlConfig.RedisURL = programmaticConfig.RedisURL
	}
	if yamlConfig.RedisPrefix == "" {
		yamlConfig.RedisPrefix = programmaticConfig.RedisPrefix
	}
	if yamlConfig.AMQPURL == "" {
		yamlConfig.AMQPURL = programmaticConfig.AMQPURL
	}
	if yamlConfig.AMQPExchange == "" {
		yamlConfig.AMQPExchange = programmaticConfig.AMQPExchange
	}
	if yamlConfig.Timezone == "" {
		yamlConfig.Timezone = programmaticConfig.Timezone
	}

	// Duration/int fields: YAML takes precedence, programmatic fills gaps.
	if yamlConfig.EntitlementCacheTTL == 0 {
		yamlConfig.EntitlementCacheTTL = programmaticConfig.EntitlementCacheTTL
	}
	if yamlConfig.EntitlementCacheSize == 0 {
		yamlConfig.EntitlementCacheSize = programmaticConfig.EntitlementCacheSize
	}
	if yamlConfig.IdempotencyTTL == 0 {
		yamlConfig.IdempotencyTTL = programmaticConfig.IdempotencyTTL
	}
	if yamlConfig.LockTTL == 0 {
		yamlConfig.LockTTL = programmaticConfig.LockTTL
	}
	if yamlConfig.ExpiryInterval == 0 {
		yamlConfig.ExpiryInterval = programmaticConfig.ExpiryInterval
	}

	// Fill remaining zeros with defaults.
	return mergeWithDefaults(yamlConfig)
}
