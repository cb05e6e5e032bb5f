package cmd

import (
	"context"
	"errors"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/cardkeep/cardkeep/internal/config"
	errwrap "github.com/cardkeep/cardkeep/internal/errors"
	"github.com/cardkeep/cardkeep/internal/observability"
)

var (
	cfgFile string
	verbose bool

	// appViper holds flags, environment and file configuration for the process.
	appViper = viper.New()

	// Version info set by main package
	versionInfo struct {
		Version   string
		Commit    string
		BuildDate string
	}
)

// SetVersionInfo is called by main package to set version information
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   config.AppName,
	Short: "Sliding-window throttling for card collection services",
	Long: `cardkeep decides whether an action keyed by user, IP or job may proceed
under a sliding-window rate limit.

Run "cardkeep serve" for the HTTP admission API, or use the throttle
subcommands to inspect and dry-run policies locally.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Keep telemetry silent until serve installs the Prometheus exporter.
	observability.DisableMetrics()

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/cardkeep/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (sets log level to debug)")

	_ = appViper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	observability.InitCLILogger(config.AppName, verbose)

	config.SetDefaults(appViper)
	config.ConfigureEnv(appViper)
	config.ConfigureSearchPaths(appViper, cfgFile)

	if err := appViper.ReadInConfig(); err == nil {
		observability.CLILogger.Debug("Using config file", zap.String("path", appViper.ConfigFileUsed()))
	} else {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound):
			observability.CLILogger.Debug("No config file found, using defaults and environment variables")
		case cfgFile != "":
			ExitWithCode(observability.CLILogger, foundry.ExitFileNotFound, "Failed to read config file",
				errwrap.WrapConfigInvalid(context.Background(), err, "failed to read "+cfgFile))
		default:
			observability.CLILogger.Warn("Error reading config file", zap.Error(err))
		}
	}
}

// loadConfig decodes and validates the current configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(appViper)
	if err != nil {
		return nil, errwrap.WrapConfigInvalid(context.Background(), err, "invalid configuration")
	}
	return cfg, nil
}
