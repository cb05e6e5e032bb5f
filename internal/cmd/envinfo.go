package cmd

import (
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cardkeep/cardkeep/internal/config"
	"github.com/cardkeep/cardkeep/internal/observability"
)

var envInfoCmd = &cobra.Command{
	Use:   "envinfo",
	Short: "Display environment information",
	Long:  "Display environment, configuration, and version information.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.CLILogger
		version := crucible.GetVersion()

		logger.Info("=== cardkeep Environment Information ===")
		logger.Info("")

		logger.Info("Application:")
		logger.Info("  Version:    " + versionInfo.Version)
		logger.Info("  Commit:     " + versionInfo.Commit)
		logger.Info("  Built:      " + versionInfo.BuildDate)
		logger.Info("")

		logger.Info("SSOT:")
		logger.Info("  Gofulmen:   "+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
		logger.Info("  Crucible:   "+version.Crucible, zap.String("crucible_version", version.Crucible))
		logger.Info("")

		logger.Info("Runtime:")
		logger.Info("  Go Version: "+runtime.Version(), zap.String("go_version", runtime.Version()))
		logger.Info("  Platform:   "+runtime.GOOS+"/"+runtime.GOARCH, zap.String("goos", runtime.GOOS), zap.String("goarch", runtime.GOARCH))
		logger.Info(fmt.Sprintf("  NumCPU:     %d", runtime.NumCPU()), zap.Int("num_cpu", runtime.NumCPU()))
		logger.Info("")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		configFile := appViper.ConfigFileUsed()
		if configFile == "" {
			configFile = config.DefaultConfigPath() + " (not found)"
		}

		logger.Info("Configuration:")
		logger.Info("  Config File:      "+configFile, zap.String("config_file", configFile))
		logger.Info(fmt.Sprintf("  Server:           %s:%d", cfg.Server.Host, cfg.Server.Port))
		logger.Info("  Log Level:        "+cfg.Logging.Level, zap.String("log_level", cfg.Logging.Level))
		logger.Info(fmt.Sprintf("  Metrics:          %t (port %d)", cfg.Metrics.Enabled, cfg.Metrics.Port))
		logger.Info("")

		logger.Info("Limiter:")
		logger.Info("  Retention:        "+cfg.Limiter.Retention.String(), zap.Duration("retention", cfg.Limiter.Retention))
		logger.Info("  Cleanup Interval: "+cfg.Limiter.CleanupInterval.String(), zap.Duration("cleanup_interval", cfg.Limiter.CleanupInterval))
		logger.Info(fmt.Sprintf("  Strict Retention: %t", cfg.Limiter.StrictRetention))
		logger.Info(fmt.Sprintf("  Policy Overrides: %d", len(cfg.Limiter.Policies)))
		if cfg.Limiter.HTTP.Enabled {
			logger.Info("  HTTP Throttle:    " + cfg.Limiter.HTTP.Policy)
		} else {
			logger.Info("  HTTP Throttle:    disabled")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(envInfoCmd)
}
