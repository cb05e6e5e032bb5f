package metrics

import (
	"github.com/cardkeep/cardkeep/internal/observability"
)

// Rate limiter metrics
const (
	DecisionsTotal         = "ratelimit_decisions_total"
	ResetsTotal            = "ratelimit_resets_total"
	CleanupEvictionsTotal  = "ratelimit_cleanup_evictions_total"
	CleanupRunsTotal       = "ratelimit_cleanup_runs_total"
	TrackedKeys            = "ratelimit_tracked_keys"
	ServerStartTime        = "app_server_start_time_seconds"
	decisionResultAllowed  = "allowed"
	decisionResultDenied   = "denied"
	customPolicyLabelValue = "custom"
)

// RecordDecision counts an admission decision. An empty policy name is
// reported as "custom" to keep label cardinality bounded.
func RecordDecision(policy string, allowed bool) {
	if observability.TelemetrySystem == nil {
		return
	}

	result := decisionResultAllowed
	if !allowed {
		result = decisionResultDenied
	}
	if policy == "" {
		policy = customPolicyLabelValue
	}

	_ = observability.TelemetrySystem.Counter(
		DecisionsTotal,
		1,
		map[string]string{
			"policy": policy,
			"result": result,
		},
	)
}

// RecordReset counts an explicit key reset.
func RecordReset() {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(ResetsTotal, 1, nil)
	}
}

// RecordCleanup records a janitor sweep: evicted keys and keys still tracked.
func RecordCleanup(evicted int, tracked int) {
	if observability.TelemetrySystem == nil {
		return
	}

	_ = observability.TelemetrySystem.Counter(CleanupRunsTotal, 1, nil)
	if evicted > 0 {
		_ = observability.TelemetrySystem.Counter(CleanupEvictionsTotal, float64(evicted), nil)
	}
	_ = observability.TelemetrySystem.Gauge(TrackedKeys, float64(tracked), nil)
}

// SetServerStartTime records the server start time (Unix timestamp)
func SetServerStartTime(timestamp int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			ServerStartTime,
			float64(timestamp),
			nil,
		)
	}
}
