package cmd

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cardkeep/cardkeep/internal/observability"
	"github.com/cardkeep/cardkeep/internal/output"
	"github.com/cardkeep/cardkeep/internal/replay"
)

var replayFile string

var throttleReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a YAML schedule of checks, resets and cleanups",
	Long: `Replay a schedule against a fresh limiter driven by a simulated clock.

The schedule is either a list of events or a mapping with retention,
strict_retention and events. Each event has an "at" offset (e.g. 250ms),
an action (check, reset or cleanup; default check), a key, and either a
named policy or max_requests plus window. Cleanup events without their own
retention use the janitor horizon.

  retention: 1m
  events:
    - {at: 0s, key: "login:alice", policy: auth, repeat: 5}
    - {at: 2m, action: cleanup}
    - {at: 2m, key: "login:alice", policy: auth}`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, err := os.Open(replayFile)
		if err != nil {
			return err
		}
		defer file.Close() // nolint:errcheck // read-only

		schedule, err := replay.Parse(file)
		if err != nil {
			return err
		}

		policies, err := loadPolicies()
		if err != nil {
			return err
		}

		entries := replay.Run(schedule, policies)
		if logger := observability.CLILogger; logger != nil {
			summary := output.Summarize(entries)
			logger.Debug("Replay finished",
				zap.String("file", replayFile),
				zap.Int("events", len(schedule.Events)),
				zap.Int("allowed", summary.Allowed),
				zap.Int("denied", summary.Denied),
				zap.Int("errors", summary.Errors))
		}

		name := "throttle.replay." + strings.TrimSuffix(filepath.Base(replayFile), filepath.Ext(replayFile))
		return writeOutput(cmd, name, func(_ output.Format, f output.Formatter) (string, error) {
			return f.FormatDecisions(entries)
		})
	},
}

func init() {
	throttleReplayCmd.Flags().StringVarP(&replayFile, "file", "f", "", "schedule YAML file")
	_ = throttleReplayCmd.MarkFlagRequired("file")
	addOutputFlags(throttleReplayCmd)

	throttleCmd.AddCommand(throttleReplayCmd)
}
