package cmd

import (
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	errwrap "github.com/cardkeep/cardkeep/internal/errors"
	"github.com/cardkeep/cardkeep/internal/observability"
	"github.com/cardkeep/cardkeep/internal/ratelimit"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run self-health check",
	Long:  "Run a self-health check to verify the configuration loads and the limiter works.",
	Run: func(cmd *cobra.Command, args []string) {
		logger := observability.CLILogger
		if logger == nil {
			ExitWithCodeStderr(foundry.ExitConfigInvalid, "Logger not initialized", errwrap.NewConfigInvalidError("Logger not initialized"))
			return
		}
		logger.Info("Running health check...")

		if versionInfo.Version == "" {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Version information missing", errwrap.NewConfigInvalidError("Version information missing"))
			return
		}
		logger.Debug("Version check passed", zap.String("version", versionInfo.Version))
		logger.Info("✅ Version information available")

		cfg, err := loadConfig()
		if err != nil {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Configuration invalid", err)
			return
		}
		policies, err := cfg.PolicySet()
		if err != nil {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Limiter policies invalid", err)
			return
		}
		logger.Info("✅ Configuration valid", zap.Strings("policies", policies.Names()))

		if err := limiterSelfTest(); err != nil {
			ExitWithCode(logger, foundry.ExitFailure, "Limiter self-test failed", err)
			return
		}
		logger.Info("✅ Limiter self-test passed")

		logger.Info("✅ All health checks passed")
	},
}

// limiterSelfTest runs the reference scenario on a simulated clock:
// 3 per second admits three checks, denies the fourth, and admits again
// once the first entry ages out.
func limiterSelfTest() error {
	start := time.Unix(0, 0)
	now := start
	limiter := ratelimit.New(ratelimit.WithClock(func() time.Time { return now }))
	policy := ratelimit.Policy{MaxRequests: 3, Window: time.Second}

	steps := []struct {
		at   time.Duration
		want bool
	}{
		{0, true},
		{100 * time.Millisecond, true},
		{200 * time.Millisecond, true},
		{300 * time.Millisecond, false},
		{1001 * time.Millisecond, true},
	}
	for _, step := range steps {
		now = start.Add(step.at)
		got, err := limiter.Allow("self-test", policy)
		if err != nil {
			return err
		}
		if got != step.want {
			return errwrap.NewInternalError("unexpected decision at " + step.at.String())
		}
	}
	return nil
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
