package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/spf13/cobra"

	"github.com/cardkeep/cardkeep/internal/output"
	"github.com/cardkeep/cardkeep/internal/ratelimit"
	"github.com/cardkeep/cardkeep/internal/replay"
)

var throttleCmd = &cobra.Command{
	Use:   "throttle",
	Short: "Inspect and dry-run rate limit policies",
}

var throttlePresetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "List the effective policies (presets plus config overrides)",
	RunE: func(cmd *cobra.Command, args []string) error {
		policies, err := loadPolicies()
		if err != nil {
			return err
		}
		entries := output.PolicyEntries(policies)
		return writeOutput(cmd, "throttle.presets", func(_ output.Format, f output.Formatter) (string, error) {
			return f.FormatPolicies(entries)
		})
	},
}

var (
	checkKey    string
	checkPolicy string
	checkMax    int
	checkWindow time.Duration
	checkCount  int
	checkEvery  time.Duration
)

var throttleCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Dry-run a policy against a fresh limiter",
	Long: `Run --count checks for --key against a fresh in-process limiter and print
each decision. Checks are spaced --every apart on a simulated clock, so
"--count 60 --every 1s" shows a minute of traffic instantly.

Select the policy by name with --policy, or inline with --max and --window.`,
	Example: `  cardkeep throttle check --key login:alice --policy auth --count 6
  cardkeep throttle check --key u1 --max 3 --window 1s --count 5 --every 250ms`,
	RunE: func(cmd *cobra.Command, args []string) error {
		policies, err := loadPolicies()
		if err != nil {
			return err
		}
		name, policy, err := policies.Resolve(checkPolicy, checkMax, checkWindow)
		if err != nil {
			return err
		}

		entries, err := runChecks(checkKey, name, policy, checkCount, checkEvery)
		if err != nil {
			return err
		}

		return writeOutput(cmd, "throttle.check."+checkKey, func(format output.Format, f output.Formatter) (string, error) {
			rendered, err := f.FormatDecisions(entries)
			if err != nil || format != output.FormatTable {
				return rendered, err
			}
			return policyBanner(name, policy) + rendered, nil
		})
	},
}

// runChecks performs count checks spaced every apart on a simulated clock.
func runChecks(key, name string, policy ratelimit.Policy, count int, every time.Duration) ([]output.DecisionEntry, error) {
	if count < 1 {
		return nil, fmt.Errorf("--count must be at least 1, got %d", count)
	}
	if every < 0 {
		return nil, fmt.Errorf("--every must not be negative, got %s", every)
	}

	now := replay.Epoch
	limiter := ratelimit.New(ratelimit.WithClock(func() time.Time { return now }))

	entries := make([]output.DecisionEntry, 0, count)
	for i := 0; i < count; i++ {
		offset := time.Duration(i) * every
		now = replay.Epoch.Add(offset)

		decision, err := limiter.Check(key, policy)
		if err != nil {
			return nil, err
		}
		entry := output.DecisionFromCheck(i+1, offset, key, name, decision)
		entry.Tracked = limiter.Len()
		entries = append(entries, entry)
	}
	return entries, nil
}

func policyBanner(name string, policy ratelimit.Policy) string {
	if name == "" {
		name = "custom"
	}
	lines := []string{
		fmt.Sprintf("Policy: %s", name),
		fmt.Sprintf("%d requests per %s", policy.MaxRequests, policy.Window),
	}
	return ascii.DrawBox(strings.Join(lines, "\n"), 0)
}

// loadPolicies returns the presets merged with configured overrides.
func loadPolicies() (ratelimit.PolicySet, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return cfg.PolicySet()
}

func init() {
	addOutputFlags(throttlePresetsCmd)

	throttleCheckCmd.Flags().StringVar(&checkKey, "key", "", "key to check (user ID, IP, job ID)")
	throttleCheckCmd.Flags().StringVar(&checkPolicy, "policy", "", "named policy (see 'throttle presets')")
	throttleCheckCmd.Flags().IntVar(&checkMax, "max", 0, "inline policy: max requests per window")
	throttleCheckCmd.Flags().DurationVar(&checkWindow, "window", 0, "inline policy: window length")
	throttleCheckCmd.Flags().IntVar(&checkCount, "count", 1, "number of checks to run")
	throttleCheckCmd.Flags().DurationVar(&checkEvery, "every", 0, "simulated spacing between checks")
	throttleCheckCmd.MarkFlagsMutuallyExclusive("policy", "max")
	throttleCheckCmd.MarkFlagsMutuallyExclusive("policy", "window")
	throttleCheckCmd.MarkFlagsRequiredTogether("max", "window")
	_ = throttleCheckCmd.MarkFlagRequired("key")
	addOutputFlags(throttleCheckCmd)

	throttleCmd.AddCommand(throttlePresetsCmd)
	throttleCmd.AddCommand(throttleCheckCmd)
	rootCmd.AddCommand(throttleCmd)
}
