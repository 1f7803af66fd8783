package sai

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/action"
	"github.com/saiset-co/sai-directory/auth_providers"
	"github.com/saiset-co/sai-directory/cache"
	"github.com/saiset-co/sai-directory/config"
	"github.com/saiset-co/sai-directory/cron"
	"github.com/saiset-co/sai-directory/database"
	"github.com/saiset-co/sai-directory/directory"
	"github.com/saiset-co/sai-directory/handlers"
	"github.com/saiset-co/sai-directory/health"
	"github.com/saiset-co/sai-directory/logger"
	"github.com/saiset-co/sai-directory/metrics"
	"github.com/saiset-co/sai-directory/middleware"
	"github.com/saiset-co/sai-directory/preset"
	"github.com/saiset-co/sai-directory/server"
	"github.com/saiset-co/sai-directory/types"
)

const (
	JobCacheSweep   = "cache-sweep"
	JobBreakerReset = "breaker-reset"

	defaultSweepSchedule = "@every 1m"
	relayTimeout         = 5 * time.Second
	jobTimeout           = 30 * time.Second
)

// Container owns every component of one directory instance. Optional parts
// (Database, Health, Cron, Actions) stay nil when disabled in config.
type Container struct {
	Config      types.ConfigManager
	Logger      types.LoggerManager
	Metrics     types.MetricsManager
	Health      *health.Manager
	Database    types.DatabaseManager
	EntryStore  types.EntryStore
	Cache       *cache.ResourceCache
	Presets     preset.Store
	Register    *preset.Register
	Directory   *directory.Directory
	Auth        *auth_providers.Manager
	Middlewares *middleware.Manager
	Router      *server.Router
	HTTPServer  *server.FastHTTPServer
	Cron        *cron.Manager
	Actions     types.ActionBroker
}

func RegisterLogger(loggerName string, creator types.LoggerCreator) {
	logger.RegisterLogger(loggerName, creator)
}

func RegisterMetricsManager(metricsManagerName string, creator types.MetricsManagerCreator) {
	metrics.RegisterMetricsManager(metricsManagerName, creator)
}

func RegisterDatabaseManager(databaseType string, creator types.DatabaseManagerCreator) {
	database.RegisterDatabaseManager(databaseType, creator)
}

func RegisterEntryStore(storeName string, creator types.EntryStoreCreator) {
	cache.RegisterEntryStore(storeName, creator)
}

func RegisterActionBroker(actionBrokerName string, creator types.ActionBrokerCreator) {
	action.RegisterActionBroker(actionBrokerName, creator)
}

// NewStorage builds only what the migrate and seed commands need: logging,
// the document database and the preset store.
func NewStorage(ctx context.Context, configManager types.ConfigManager) (*Container, error) {
	c := &Container{Config: configManager}

	loggerManager, err := logger.NewManager(ctx, configManager)
	if err != nil {
		return nil, types.WrapError(err, "failed to register logger")
	}
	c.Logger = loggerManager

	c.Metrics, err = metrics.NewManager(ctx, configManager, loggerManager)
	if err != nil {
		return nil, types.WrapError(err, "failed to register metrics manager")
	}

	c.Database, err = database.NewManager(configManager, loggerManager, c.Metrics)
	if err != nil && !types.IsError(err, types.ErrDatabaseIsDisabled) {
		return nil, types.WrapError(err, "failed to register database")
	}

	c.Presets, err = preset.NewStore(configManager.GetConfig().Presets, c.Database, loggerManager)
	if err != nil {
		return nil, types.WrapError(err, "failed to register preset store")
	}

	return c, nil
}

// New builds the full service graph. Nothing is started.
func New(ctx context.Context, configManager types.ConfigManager) (*Container, error) {
	c, err := NewStorage(ctx, configManager)
	if err != nil {
		return nil, err
	}

	cfg := configManager.GetConfig()
	log := c.Logger

	if cfg.Health != nil && cfg.Health.Enabled {
		c.Health, err = health.NewManager(ctx, configManager, log)
		if err != nil {
			return nil, types.WrapError(err, "failed to register health manager")
		}
	}

	c.EntryStore, err = cache.NewEntryStore(ctx, configManager, log, c.Metrics)
	if err != nil {
		return nil, types.WrapError(err, "failed to register cache store")
	}

	var cacheOpts []cache.ResourceCacheOption
	if cfg.Cache != nil {
		cacheOpts = append(cacheOpts, cache.WithDefaultTTL(cfg.Cache.DefaultTTL, cfg.Cache.SingleTTL))
	}
	c.Cache = cache.NewResourceCache(ctx, c.EntryStore, log, c.Metrics, cacheOpts...)

	registerOpts := []preset.RegisterOption{
		preset.WithInvalidator(c.Cache),
		preset.WithWriteTimeout(cfg.Presets.WriteTimeout),
		preset.WithMetrics(c.Metrics),
	}
	if c.Database != nil {
		registerOpts = append(registerOpts, preset.WithCreators(directory.NewUserCreators(c.Database, usersCollection(cfg))))
	}
	c.Register = preset.NewRegister(c.Presets, preset.NewRoleAuthorizer(cfg.Presets.ElevatedRoles), log, registerOpts...)

	c.Directory, err = directory.New(cfg, c.Cache, directory.Deps{
		Database: c.Database,
		Presets:  c.Register,
		Metrics:  c.Metrics,
	}, log)
	if err != nil {
		return nil, types.WrapError(err, "failed to register directory")
	}

	c.Auth = auth_providers.NewFromConfig(cfg.Auth, log)

	c.Middlewares = middleware.NewManager(configManager, log, c.Metrics, c.Auth)
	if err := c.Middlewares.RegisterMiddlewares(); err != nil {
		return nil, types.WrapError(err, "failed to register middlewares")
	}

	c.Router = server.NewRouter()
	handlers.New(c.Directory, c.Register, log, cfg.Presets.WriteTimeout).Register(c.Router)
	c.Metrics.RegisterRoutes(c.Router)
	if c.Health != nil {
		c.Health.RegisterRoutes(c.Router)
		c.registerHealthCheckers(cfg)
	}

	c.HTTPServer = server.NewHTTPServer(configManager, log, c.Middlewares, c.Router)

	if cfg.Actions != nil && cfg.Actions.Enabled {
		if err := c.buildActions(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.Cron != nil && cfg.Cron.Enabled {
		if err := c.buildCron(cfg); err != nil {
			return nil, err
		}
	}

	if reloader, ok := configManager.(interface{ OnReload(config.ReloadFunc) }); ok {
		reloader.OnReload(c.applyReload)
	}

	return c, nil
}

// applyReload carries the hot-reloadable parts of a new configuration into
// the running components.
func (c *Container) applyReload(cfg *types.ServiceConfig, err error) {
	if err != nil {
		c.Logger.Error("Configuration reload rejected, keeping previous version", zap.Error(err))
		return
	}

	leveler, ok := c.Logger.(interface{ SetLevel(string) error })
	if ok && cfg.Logger != nil {
		if err := leveler.SetLevel(cfg.Logger.Level); err != nil {
			c.Logger.Warn("Log level not applied", zap.String("level", cfg.Logger.Level), zap.Error(err))
		}
	}
	c.Logger.Info("Configuration reloaded")
}

func (c *Container) buildActions(cfg *types.ServiceConfig) error {
	broker, err := action.NewActionBroker(cfg.Actions, c.Logger, c.Metrics)
	if err != nil {
		return types.WrapError(err, "failed to register action broker")
	}

	notify, err := action.Relay(broker, c.Cache, relayTimeout, c.Logger)
	if err != nil {
		return types.WrapError(err, "failed to relay cache invalidations")
	}

	c.Cache.SetNotifier(notify)
	c.Actions = broker
	return nil
}

func (c *Container) buildCron(cfg *types.ServiceConfig) error {
	manager, err := cron.NewManager(cfg.Cron, c.Logger, c.Metrics)
	if err != nil {
		return types.WrapError(err, "failed to register cron manager")
	}

	sweepSchedule := defaultSweepSchedule
	if cfg.Cache != nil && cfg.Cache.SweepSchedule != "" {
		sweepSchedule = cfg.Cache.SweepSchedule
	}

	if err := manager.Add(JobCacheSweep, sweepSchedule, c.sweepCache); err != nil {
		return types.WrapError(err, "failed to schedule cache sweep")
	}

	if cb := breakerConfig(cfg); cb != nil && cb.Enabled && cb.ResetSchedule != "" {
		if err := manager.Add(JobBreakerReset, cb.ResetSchedule, c.resetBreakers); err != nil {
			return types.WrapError(err, "failed to schedule breaker reset")
		}
	}

	c.Cron = manager
	return nil
}

func (c *Container) sweepCache() {
	ctx, cancel := cron.Context(jobTimeout)
	defer cancel()

	removed, err := c.Cache.Sweep(ctx)
	if err != nil {
		c.Logger.ErrorWithErrStack("Cache sweep failed", err)
		return
	}
	if removed > 0 {
		c.Logger.Info("Stale cache entries swept", zap.Int("removed", removed))
	}
}

func (c *Container) resetBreakers() {
	if n := c.Directory.ResetBreakers(); n > 0 {
		c.Logger.Info("Circuit breakers reset", zap.Int("count", n))
	}
}

// Lookups fall through to the fetcher when the cache store is down, so the
// cache only degrades health.
func (c *Container) registerHealthCheckers(cfg *types.ServiceConfig) {
	c.Health.RegisterOptional("cache", cache.HealthChecker(c.EntryStore))
	c.Health.RegisterChecker("presets", preset.HealthChecker(c.Presets))
	if c.Database != nil {
		c.Health.RegisterChecker("database", database.HealthChecker(c.Database, usersCollection(cfg)))
	}
}

func usersCollection(cfg *types.ServiceConfig) string {
	if rc, ok := cfg.Resources["users"]; ok && rc.Collection != "" {
		return rc.Collection
	}
	return "users"
}

func breakerConfig(cfg *types.ServiceConfig) *types.CircuitBreakerConfig {
	if cfg.Fetch == nil {
		return nil
	}
	return cfg.Fetch.CircuitBreaker
}
