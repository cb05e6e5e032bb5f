package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/cardkeep/cardkeep/internal/config"
	errwrap "github.com/cardkeep/cardkeep/internal/errors"
	"github.com/cardkeep/cardkeep/internal/metrics"
	"github.com/cardkeep/cardkeep/internal/observability"
	"github.com/cardkeep/cardkeep/internal/ratelimit"
	"github.com/cardkeep/cardkeep/internal/server"
	"github.com/cardkeep/cardkeep/internal/server/handlers"
)

var (
	serverPort int
	serverHost string
)

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errwrap.NewInternalError("telemetry system not initialized")
	}
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP admission server",
	Long: `Start the HTTP admission API with graceful shutdown support.

The server owns one in-process limiter. A janitor sweeps stale keys every
limiter.cleanup_interval. Limiter state is not persisted and starts empty
on every boot.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Re-read and validate the config file`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		observability.InitServerLogger(config.AppName, cfg.Logging.Level, config.AppName)
		logger := observability.ServerLogger

		if cfg.Metrics.Enabled {
			if err := observability.InitMetrics(config.AppName, cfg.Metrics.Port, config.AppName); err != nil {
				logger.Error("Failed to initialize metrics", zap.Error(err))
				return errwrap.WrapInternal(cmd.Context(), err, "metrics initialization failed")
			}
			metrics.SetServerStartTime(time.Now().Unix())
		}

		policies, err := cfg.PolicySet()
		if err != nil {
			return errwrap.WrapConfigInvalid(cmd.Context(), err, "invalid limiter policies")
		}

		limiter := ratelimit.New(ratelimit.WithRetention(cfg.Limiter.Retention))

		janitorCfg := cfg.JanitorConfig()
		janitorCfg.Logger = logger
		janitor := ratelimit.NewJanitor(limiter, janitorCfg)
		if err := janitor.Start(cmd.Context()); err != nil {
			return errwrap.WrapInternal(cmd.Context(), err, "janitor start failed")
		}

		opts := []server.Option{
			server.WithLimiter(limiter, policies),
			server.WithJanitor(janitor),
			server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
		}
		if cfg.Limiter.HTTP.Enabled {
			name, policy, err := policies.Resolve(cfg.Limiter.HTTP.Policy, 0, 0)
			if err != nil {
				janitor.Stop()
				return errwrap.WrapConfigInvalid(cmd.Context(), err, "invalid limiter.http.policy")
			}
			opts = append(opts, server.WithThrottle(name, policy))
		}

		logger.Info("Initializing server",
			zap.String("service", config.AppName),
			zap.String("version", versionInfo.Version),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.Bool("metrics_enabled", cfg.Metrics.Enabled),
			zap.Int("metrics_port", observability.GetMetricsPort()),
			zap.Strings("policies", policies.Names()),
			zap.Duration("retention", cfg.Limiter.Retention),
			zap.Duration("cleanup_interval", cfg.Limiter.CleanupInterval))

		handlers.InitHealthManager(versionInfo.Version)
		hm := handlers.GetHealthManager()
		hm.RegisterChecker("janitor", janitor)
		if cfg.Metrics.Enabled {
			hm.RegisterChecker("telemetry", telemetryHealthChecker{})
		}

		srv := server.New(cfg.Server.Host, cfg.Server.Port, opts...)
		registerShutdown(srv, janitor, cfg.ShutdownTimeout())
		registerReload(janitor)

		// Enable double-tap force quit (Ctrl+C within 2 seconds)
		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
		}

		errChan := make(chan error, 1)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()

		go func() {
			if err := signals.Listen(cmd.Context()); err != nil {
				logger.Error("Signal handler error", zap.Error(err))
				errChan <- err
			}
		}()

		if err := <-errChan; err != nil {
			janitor.Stop()
			return errwrap.WrapInternal(cmd.Context(), err, "server error")
		}
		return nil
	},
}

// registerShutdown installs shutdown hooks. Hooks run LIFO, so the HTTP
// server drains first, then the janitor stops, then the logger flushes.
func registerShutdown(srv *server.Server, janitor *ratelimit.Janitor, timeout time.Duration) {
	logger := observability.ServerLogger

	signals.OnShutdown(func(ctx context.Context) error {
		logger.Info("Flushing logger...")
		if err := logger.Sync(); err != nil {
			// Sync errors are often benign (stdout/stderr already closed)
			logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
		}
		return nil
	})

	signals.OnShutdown(func(ctx context.Context) error {
		janitor.Stop()
		logger.Info("Limiter state discarded", zap.Int("tracked_keys", srv.Limiter().Len()))
		return nil
	})

	signals.OnShutdown(func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errwrap.WrapInternal(ctx, err, "server shutdown failed")
		}
		logger.Info("HTTP server stopped gracefully")
		return nil
	})
}

// registerReload re-reads the config file on SIGHUP. Only the janitor's
// sweep settings take effect without a restart; the janitor is restarted
// with them.
func registerReload(janitor *ratelimit.Janitor) {
	logger := observability.ServerLogger

	signals.OnReload(func(ctx context.Context) error {
		logger.Info("Received SIGHUP: attempting config reload")

		if err := appViper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				logger.Info("No config file found - using defaults and environment variables")
				return nil
			}
			logger.Error("Failed to reload config file",
				zap.String("file", appViper.ConfigFileUsed()),
				zap.Error(err))
			return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
		}

		cfg, err := loadConfig()
		if err != nil {
			logger.Error("Reloaded config is invalid; keeping current settings", zap.Error(err))
			return err
		}

		janitorCfg := cfg.JanitorConfig()
		janitorCfg.Logger = logger
		if err := janitor.Reconfigure(janitorCfg); err != nil {
			return errwrap.WrapInternal(ctx, err, "janitor restart failed")
		}

		logger.Info("Configuration reloaded successfully",
			zap.String("file", appViper.ConfigFileUsed()),
			zap.Duration("retention", janitorCfg.Retention),
			zap.Duration("cleanup_interval", janitorCfg.Interval))
		return nil
	})
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "server host")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "server port")

	_ = appViper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = appViper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}
