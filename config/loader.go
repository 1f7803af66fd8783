package config

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-directory/types"
)

type Loader struct {
	validator *validator.Validate
}

func NewLoader() (*Loader, error) {
	return &Loader{
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// LoadFromFile reads configPath and hands it to LoadFromBytes.
func (l *Loader) LoadFromFile(ctx context.Context, configPath string) (*types.ServiceConfig, *map[string]interface{}, error) {
	if configPath == "" {
		return nil, nil, types.ErrConfigNotFound
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	data, err := os.ReadFile(configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, types.Errorf(types.ErrConfigNotFound, "file: %s", configPath)
	}
	if err != nil {
		return nil, nil, types.WrapError(err, "failed to read config file")
	}
	return l.LoadFromBytes(data)
}

// LoadFromBytes expands ${VAR} references, decodes the YAML over the
// defaults and validates the result. The raw document is returned for
// path lookups.
func (l *Loader) LoadFromBytes(data []byte) (*types.ServiceConfig, *map[string]interface{}, error) {
	expanded := []byte(os.ExpandEnv(string(data)))

	cfg := l.Defaults()
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, nil, types.Errorf(types.ErrConfigParseFailed, "%v", err)
	}

	raw := make(map[string]interface{})
	if err := yaml.Unmarshal(expanded, &raw); err != nil {
		return nil, nil, types.Errorf(types.ErrConfigParseFailed, "%v", err)
	}

	if err := l.validator.Struct(cfg); err != nil {
		return nil, nil, types.Errorf(types.ErrConfigValidateFailed, "%v", err)
	}
	return cfg, &raw, nil
}

func (l *Loader) Defaults() *types.ServiceConfig {
	return &types.ServiceConfig{
		Server: &types.ServerConfig{
			HTTP: &types.HTTPConfig{
				Host:            "localhost",
				Port:            8080,
				ReadTimeout:     30,
				WriteTimeout:    30,
				IdleTimeout:     120,
				ShutdownTimeout: 5,
			},
		},
		Logger: &types.LoggerConfig{
			Level: "info",
		},
		Cache: &types.CacheConfig{
			Enabled:       true,
			Type:          "memory",
			DefaultTTL:    60 * time.Second,
			SingleTTL:     30 * time.Second,
			SweepSchedule: "0 */5 * * * *",
		},
		Database: &types.DatabaseConfig{
			Enabled: true,
			Type:    "memory",
		},
		Presets: &types.PresetsConfig{
			Store:         "documents",
			Collection:    "filter_presets",
			WriteTimeout:  15 * time.Second,
			ElevatedRoles: []string{"admin", "owner"},
		},
		Fetch: &types.FetchConfig{
			AttemptTimeout: 10 * time.Second,
			MaxRetries:     3,
			BackoffBase:    100 * time.Millisecond,
			BackoffMax:     5 * time.Second,
			CircuitBreaker: &types.CircuitBreakerConfig{
				Enabled:          false,
				FailureThreshold: 5,
				RecoveryTimeout:  30 * time.Second,
				HalfOpenRequests: 1,
			},
		},
		Resources: map[string]types.ResourceConfig{
			types.ResourceUsers: {
				Source:       "database",
				Collection:   "users",
				SearchFields: []string{"name", "email", "company"},
				FilterFields: []string{"role", "tier", "status"},
				TenantScoped: true,
			},
			types.ResourceClients: {
				Source:       "database",
				Collection:   "clients",
				SearchFields: []string{"name", "email", "company"},
				FilterFields: []string{"tier", "status"},
				TenantScoped: true,
			},
			types.ResourceTeam: {
				Source:       "database",
				Collection:   "team",
				SearchFields: []string{"name", "email"},
				FilterFields: []string{"role", "status"},
				TenantScoped: true,
			},
			types.ResourceFilterPresets: {
				Source:       "presets",
				SearchFields: []string{"name"},
				FilterFields: []string{"entity_type"},
				TenantScoped: true,
			},
		},
		Auth: &types.AuthConfig{
			Provider: "token",
			Tokens:   map[string]types.CallerConfig{},
		},
		Actions: &types.ActionsConfig{
			Enabled: false,
			Type:    "websocket",
		},
		Cron: &types.CronConfig{
			Enabled:  true,
			Timezone: "UTC",
		},
		Metrics: &types.MetricsConfig{
			Enabled: true,
			Type:    "prometheus",
			Prefix:  "sai_directory",
			Path:    "/metrics",
		},
		Health: &types.HealthConfig{
			Enabled: true,
			Timeout: 5 * time.Second,
		},
		Reload: &types.ReloadConfig{
			Debounce: 500 * time.Millisecond,
		},
		Middlewares: &types.MiddlewaresConfig{
			Enabled: true,
			Recovery: &types.MiddlewareItemConfig{
				Enabled: true,
				Params: map[string]interface{}{
					"stack_trace": true,
				},
				Weight: 10,
			},
			Logging: &types.MiddlewareItemConfig{
				Enabled: true,
				Params: map[string]interface{}{
					"log_level":   "info",
					"log_headers": false,
					"log_body":    false,
				},
				Weight: 20,
			},
			BodyLimit: &types.MiddlewareItemConfig{
				Enabled: true,
				Params: map[string]interface{}{
					"max_body_size": 1048576,
				},
				Weight: 40,
			},
			Auth: &types.MiddlewareItemConfig{
				Enabled: true,
				Weight:  70,
			},
			Compression: &types.MiddlewareItemConfig{
				Enabled: false,
				Params: map[string]interface{}{
					"algorithm": "br",
					"level":     6,
					"threshold": 1024,
					"timeout":   30,
				},
				Weight: 90,
			},
			CORS: &types.MiddlewareItemConfig{
				Enabled: false,
				Params: map[string]interface{}{
					"allowed_origins": []interface{}{"*"},
				},
				Weight: 30,
			},
			RateLimit: &types.MiddlewareItemConfig{
				Enabled: false,
				Params: map[string]interface{}{
					"requests_per_window": 600,
					"window":              "1m",
				},
				Weight: 80,
			},
		},
	}
}
