package config

import (
	"time"
)

// Config is the complete cardkeep configuration. Values come from, in
// increasing precedence: SetDefaults, the YAML config file, CARDKEEP_*
// environment variables and bound command-line flags.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Health  HealthConfig  `mapstructure:"health"`
	Limiter LimiterConfig `mapstructure:"limiter"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `mapstructure:"level"`

	// Profile is SIMPLE or STRUCTURED.
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Port is the dedicated exporter port. /metrics on the main server proxies it.
	Port int `mapstructure:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LimiterConfig configures the in-process rate limiter and its janitor.
type LimiterConfig struct {
	// Retention is the janitor's eviction horizon.
	Retention time.Duration `mapstructure:"retention"`

	// CleanupInterval is how often the janitor sweeps.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`

	// StrictRetention disables widening the horizon to the largest window in
	// use. Long-window quotas then reset early.
	StrictRetention bool `mapstructure:"strict_retention"`

	// Policies override or extend the built-in presets by name.
	Policies map[string]PolicyConfig `mapstructure:"policies"`

	HTTP HTTPThrottleConfig `mapstructure:"http"`
}

// PolicyConfig is the config form of ratelimit.Policy.
type PolicyConfig struct {
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
}

// HTTPThrottleConfig throttles the server's own /v1 API per client IP.
type HTTPThrottleConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Policy  string `mapstructure:"policy"`
}
