package types

import (
	"time"
)

type ConfigManager interface {
	Load() error
	GetConfig() *ServiceConfig
	GetValue(path string, defaultValue interface{}) interface{}
	GetAs(path string, target interface{}) error
}

type ServiceConfig struct {
	Name        string                    `yaml:"name" json:"name" validate:"required"`
	Version     string                    `yaml:"version" json:"version" validate:"required"`
	Server      *ServerConfig             `yaml:"server" json:"server" validate:"required"`
	Logger      *LoggerConfig             `yaml:"logger" json:"logger"`
	Cache       *CacheConfig              `yaml:"cache" json:"cache" validate:"required"`
	Database    *DatabaseConfig           `yaml:"database" json:"database" validate:"required"`
	Presets     *PresetsConfig            `yaml:"presets" json:"presets" validate:"required"`
	Fetch       *FetchConfig              `yaml:"fetch" json:"fetch" validate:"required"`
	Resources   map[string]ResourceConfig `yaml:"resources" json:"resources" validate:"dive"`
	Auth        *AuthConfig               `yaml:"auth" json:"auth"`
	Actions     *ActionsConfig            `yaml:"actions" json:"actions"`
	Cron        *CronConfig               `yaml:"cron" json:"cron"`
	Middlewares *MiddlewaresConfig        `yaml:"middlewares" json:"middlewares"`
	Metrics     *MetricsConfig            `yaml:"metrics" json:"metrics"`
	Health      *HealthConfig             `yaml:"health" json:"health"`
	Reload      *ReloadConfig             `yaml:"reload" json:"reload"`
}

// ReloadConfig enables watching the config file. Only the logger level is
// applied to a running service; other changes take effect on restart.
type ReloadConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Debounce time.Duration `yaml:"debounce" json:"debounce"`
}

type ServerConfig struct {
	HTTP *HTTPConfig `yaml:"http" json:"http" validate:"required"`
	TLS  *TLSConfig  `yaml:"tls" json:"tls"`
}

type HTTPConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port" validate:"min=1,max=65535"`
	ReadTimeout     int    `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    int    `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     int    `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout int    `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// TLSConfig serves the API over TLS, either from a certificate pair on disk
// or with certificates obtained from an ACME directory.
type TLSConfig struct {
	Enabled       bool     `yaml:"enabled" json:"enabled"`
	CertFile      string   `yaml:"cert_file" json:"cert_file" validate:"required_if=Enabled true AutoCert false"`
	KeyFile       string   `yaml:"key_file" json:"key_file" validate:"required_if=Enabled true AutoCert false"`
	AutoCert      bool     `yaml:"auto_cert" json:"auto_cert"`
	Domains       []string `yaml:"domains" json:"domains" validate:"required_if=AutoCert true"`
	Email         string   `yaml:"email" json:"email"`
	CacheDir      string   `yaml:"cache_dir" json:"cache_dir"`
	ACMEDirectory string   `yaml:"acme_directory" json:"acme_directory"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Level  string      `yaml:"level" json:"level" validate:"required"`
	Config interface{} `yaml:"config" json:"config"`
}

type CacheConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	Type    string      `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Config  interface{} `yaml:"config" json:"config"`
	// DefaultTTL applies to list resources without their own ttl.
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl" validate:"min=0"`
	// SingleTTL applies to single-record keys without their own single_ttl.
	SingleTTL     time.Duration `yaml:"single_ttl" json:"single_ttl" validate:"min=0"`
	SweepSchedule string        `yaml:"sweep_schedule" json:"sweep_schedule"`
}

type DatabaseConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	Type    string      `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Path    string      `yaml:"path" json:"path"`
	Config  interface{} `yaml:"config" json:"config"`
}

type PresetsConfig struct {
	Store         string        `yaml:"store" json:"store" validate:"required,oneof=sqlite documents"`
	DSN           string        `yaml:"dsn" json:"dsn" validate:"required_if=Store sqlite"`
	Collection    string        `yaml:"collection" json:"collection"`
	WriteTimeout  time.Duration `yaml:"write_timeout" json:"write_timeout" validate:"min=0"`
	ElevatedRoles []string      `yaml:"elevated_roles" json:"elevated_roles"`
}

type FetchConfig struct {
	AttemptTimeout time.Duration         `yaml:"attempt_timeout" json:"attempt_timeout" validate:"min=0"`
	MaxRetries     int                   `yaml:"max_retries" json:"max_retries" validate:"min=0,max=10"`
	BackoffBase    time.Duration         `yaml:"backoff_base" json:"backoff_base" validate:"min=0"`
	BackoffMax     time.Duration         `yaml:"backoff_max" json:"backoff_max" validate:"min=0"`
	Jitter         float64               `yaml:"jitter" json:"jitter" validate:"min=0,max=1"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	HalfOpenRequests int           `yaml:"half_open_requests" json:"half_open_requests"`
	// ResetSchedule is a cron spec that force-closes tripped breakers.
	ResetSchedule string `yaml:"reset_schedule" json:"reset_schedule"`
}

// ResourceConfig describes one cached list resource such as users or filter-presets.
type ResourceConfig struct {
	Source       string        `yaml:"source" json:"source" validate:"omitempty,oneof=database http presets"`
	Collection   string        `yaml:"collection" json:"collection"`
	URL          string        `yaml:"url" json:"url" validate:"required_if=Source http"`
	TTL          time.Duration `yaml:"ttl" json:"ttl" validate:"min=0"`
	SingleTTL    time.Duration `yaml:"single_ttl" json:"single_ttl" validate:"min=0"`
	SearchFields []string      `yaml:"search_fields" json:"search_fields"`
	FilterFields []string      `yaml:"filter_fields" json:"filter_fields"`
	TenantScoped bool          `yaml:"tenant_scoped" json:"tenant_scoped"`
}

type AuthConfig struct {
	Provider string                  `yaml:"provider" json:"provider"`
	Tokens   map[string]CallerConfig `yaml:"tokens" json:"tokens" validate:"dive"`
}

type CallerConfig struct {
	UserID   string `yaml:"user_id" json:"user_id" validate:"required"`
	Role     string `yaml:"role" json:"role"`
	TenantID string `yaml:"tenant_id" json:"tenant_id"`
}

type ActionsConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	Type    string      `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Config  interface{} `yaml:"config" json:"config"`
}

type CronConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Timezone string `yaml:"timezone" json:"timezone" validate:"required_if=Enabled true"`
}

type MiddlewaresConfig struct {
	Enabled     bool                  `yaml:"enabled" json:"enabled"`
	Auth        *MiddlewareItemConfig `yaml:"auth" json:"auth"`
	Logging     *MiddlewareItemConfig `yaml:"logging" json:"logging"`
	Recovery    *MiddlewareItemConfig `yaml:"recovery" json:"recovery"`
	Compression *MiddlewareItemConfig `yaml:"compression" json:"compression"`
	BodyLimit   *MiddlewareItemConfig `yaml:"body_limit" json:"body_limit"`
	CORS        *MiddlewareItemConfig `yaml:"cors" json:"cors"`
	RateLimit   *MiddlewareItemConfig `yaml:"rate_limit" json:"rate_limit"`
}

type MiddlewareItemConfig struct {
	Enabled bool                   `yaml:"enabled" json:"enabled"`
	Weight  int                    `yaml:"weight" json:"weight" validate:"min=0"`
	Params  map[string]interface{} `yaml:"params" json:"params"`
}

type MetricsConfig struct {
	Enabled bool              `yaml:"enabled" json:"enabled"`
	Type    string            `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Prefix  string            `yaml:"prefix" json:"prefix"`
	Labels  map[string]string `yaml:"labels" json:"labels"`
	Path    string            `yaml:"path" json:"path"`
}

type HealthConfig struct {
	Enabled bool          `yaml:"enabled" json:"enabled"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}
