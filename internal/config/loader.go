// Package config loads cardkeep configuration through viper and decodes it
// into typed structs with mapstructure.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/cardkeep/cardkeep/internal/ratelimit"
)

const (
	// AppName names the config directory and binary.
	AppName = "cardkeep"

	// EnvPrefix prefixes environment overrides, e.g. CARDKEEP_SERVER_PORT.
	EnvPrefix = "CARDKEEP"
)

var (
	appConfig *Config
	configMu  sync.RWMutex
)

// SetDefaults registers every known key so environment overrides resolve.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("health.enabled", true)

	v.SetDefault("limiter.retention", ratelimit.DefaultRetention.String())
	v.SetDefault("limiter.cleanup_interval", ratelimit.DefaultCleanupInterval.String())
	v.SetDefault("limiter.strict_retention", false)
	v.SetDefault("limiter.policies", map[string]any{})
	v.SetDefault("limiter.http.enabled", false)
	v.SetDefault("limiter.http.policy", ratelimit.PresetSearch)
}

// ConfigureEnv binds CARDKEEP_* variables, mapping "." in keys to "_".
func ConfigureEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// ConfigureSearchPaths points v at cfgFile, or at the XDG config directory
// and ./config when cfgFile is empty.
func ConfigureSearchPaths(v *viper.Viper, cfgFile string) {
	if strings.TrimSpace(cfgFile) != "" {
		v.SetConfigFile(cfgFile)
		return
	}

	if dir := gfconfig.GetAppConfigDir(AppName); dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath("./config")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

// Load decodes v into a Config, validates it and stores it as current.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		return nil, errors.New("viper instance is required")
	}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	setConfig(cfg)
	return cfg, nil
}

// Validate checks limiter settings and every configured policy.
func (c *Config) Validate() error {
	if c.Limiter.Retention <= 0 {
		return fmt.Errorf("limiter.retention must be positive, got %s", c.Limiter.Retention)
	}
	if c.Limiter.CleanupInterval <= 0 {
		return fmt.Errorf("limiter.cleanup_interval must be positive, got %s", c.Limiter.CleanupInterval)
	}

	policies, err := c.PolicySet()
	if err != nil {
		return fmt.Errorf("limiter.policies: %w", err)
	}

	if c.Limiter.HTTP.Enabled {
		if _, ok := policies.Lookup(c.Limiter.HTTP.Policy); !ok {
			return fmt.Errorf("limiter.http.policy: unknown policy %q", c.Limiter.HTTP.Policy)
		}
	}
	return nil
}

// PolicySet merges configured policies over the built-in presets.
func (c *Config) PolicySet() (ratelimit.PolicySet, error) {
	overrides := make(map[string]ratelimit.Policy, len(c.Limiter.Policies))
	for name, policy := range c.Limiter.Policies {
		overrides[name] = ratelimit.Policy{
			MaxRequests: policy.MaxRequests,
			Window:      policy.Window,
		}
	}
	return ratelimit.NewPolicySet(overrides)
}

// JanitorConfig returns the janitor settings without a logger. The policy
// window comes from the configured policies; Validate has already rejected
// invalid ones.
func (c *Config) JanitorConfig() ratelimit.JanitorConfig {
	cfg := ratelimit.JanitorConfig{
		Interval:        c.Limiter.CleanupInterval,
		Retention:       c.Limiter.Retention,
		StrictRetention: c.Limiter.StrictRetention,
	}
	if policies, err := c.PolicySet(); err == nil {
		cfg.PolicyWindow = policies.MaxWindow()
	}
	return cfg
}

// ShutdownTimeout returns the configured timeout or 10s.
func (c *Config) ShutdownTimeout() time.Duration {
	if c.Server.ShutdownTimeout <= 0 {
		return 10 * time.Second
	}
	return c.Server.ShutdownTimeout
}

// GetConfig returns the most recently loaded configuration.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configDir := gfconfig.GetAppConfigDir(AppName)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}
