package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/cardkeep/cardkeep/internal/metrics"
)

// DefaultCleanupInterval is how often the janitor sweeps by default.
const DefaultCleanupInterval = time.Minute

var (
	// ErrJanitorRunning is returned by Start when the janitor is already running.
	ErrJanitorRunning = errors.New("janitor already running")

	// ErrJanitorStopped is reported by CheckHealth when the sweep loop is not running.
	ErrJanitorStopped = errors.New("janitor not running")
)

// JanitorConfig configures the periodic cleanup task.
type JanitorConfig struct {
	Interval  time.Duration
	Retention time.Duration

	// StrictRetention sweeps with Retention as-is. When false the horizon is
	// widened to the largest window the limiter has seen, so long-window
	// policies keep their history until it actually expires.
	StrictRetention bool

	// PolicyWindow is the widest configured policy window. It widens the
	// horizon from the first sweep, before any check has used that policy.
	PolicyWindow time.Duration

	Logger *logging.Logger
}

// Janitor periodically evicts stale keys from a Limiter. It is owned by the
// process that creates the limiter and must be stopped on shutdown.
type Janitor struct {
	limiter *Limiter
	cfg     JanitorConfig

	mu     sync.Mutex
	parent context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewJanitor creates a stopped janitor for limiter.
func NewJanitor(limiter *Limiter, cfg JanitorConfig) *Janitor {
	return &Janitor{limiter: limiter, cfg: withDefaults(cfg)}
}

func withDefaults(cfg JanitorConfig) JanitorConfig {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultCleanupInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	return cfg
}

// Start launches the sweep loop. It runs until ctx is cancelled or Stop is called.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cancel != nil {
		return ErrJanitorRunning
	}
	if ctx == nil {
		ctx = context.Background()
	}

	loopCtx, cancel := context.WithCancel(ctx)
	j.parent = ctx
	j.cancel = cancel
	j.done = make(chan struct{})

	go j.loop(loopCtx, j.cfg.Interval, j.done)

	if j.cfg.Logger != nil {
		j.cfg.Logger.Info("Rate limit janitor started",
			zap.Duration("interval", j.cfg.Interval),
			zap.Duration("retention", j.cfg.Retention),
			zap.Bool("strict_retention", j.cfg.StrictRetention))
	}
	return nil
}

// Stop cancels the sweep loop and waits for it to exit. Safe to call more than once.
func (j *Janitor) Stop() {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.cancel, j.done = nil, nil
	j.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	if logger := j.config().Logger; logger != nil {
		logger.Info("Rate limit janitor stopped")
	}
}

// Reconfigure replaces the janitor settings. A running janitor is restarted
// under the context it was started with.
func (j *Janitor) Reconfigure(cfg JanitorConfig) error {
	j.mu.Lock()
	running, parent := j.cancel != nil, j.parent
	j.mu.Unlock()

	if running {
		j.Stop()
	}

	j.mu.Lock()
	j.cfg = withDefaults(cfg)
	j.mu.Unlock()

	if running {
		return j.Start(parent)
	}
	return nil
}

// Running reports whether the sweep loop is active.
func (j *Janitor) Running() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancel != nil
}

// CheckHealth reports ErrJanitorStopped unless the sweep loop is active.
func (j *Janitor) CheckHealth(_ context.Context) error {
	if !j.Running() {
		return ErrJanitorStopped
	}
	return nil
}

// Horizon returns the retention the next sweep will use.
func (j *Janitor) Horizon() time.Duration {
	cfg := j.config()
	horizon := cfg.Retention
	if cfg.StrictRetention {
		return horizon
	}
	if cfg.PolicyWindow > horizon {
		horizon = cfg.PolicyWindow
	}
	if widest := j.limiter.MaxWindow(); widest > horizon {
		horizon = widest
	}
	return horizon
}

// RunOnce performs a single sweep and returns the number of evicted keys.
func (j *Janitor) RunOnce() int {
	horizon := j.Horizon()
	evicted := j.limiter.Cleanup(horizon)
	tracked := j.limiter.Len()

	metrics.RecordCleanup(evicted, tracked)

	if logger := j.config().Logger; logger != nil {
		logger.Debug("Rate limit sweep completed",
			zap.Int("evicted", evicted),
			zap.Int("tracked", tracked),
			zap.Duration("horizon", horizon))
	}
	return evicted
}

// release clears the run state when the loop exits on its own, so a cancelled
// parent context leaves the janitor stopped and restartable. Stop has already
// cleared it when it owns the shutdown.
func (j *Janitor) release(done chan struct{}) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.done != done {
		return
	}
	j.cancel()
	j.cancel, j.done = nil, nil
}

func (j *Janitor) config() JanitorConfig {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cfg
}

func (j *Janitor) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	defer j.release(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.RunOnce()
		}
	}
}
