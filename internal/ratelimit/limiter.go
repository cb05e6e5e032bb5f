package ratelimit

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultRetention is the horizon used by Cleanup when none is given.
const DefaultRetention = time.Minute

var (
	// ErrInvalidPolicy is returned for non-positive MaxRequests or Window.
	ErrInvalidPolicy = errors.New("invalid rate limit policy")

	// ErrEmptyKey is returned when a check is made without a key.
	ErrEmptyKey = errors.New("rate limit key is required")
)

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits actions per key under a sliding time window.
//
// Only accepted requests are recorded. State is process-local and is lost on
// restart.
type Limiter struct {
	mu        sync.Mutex
	requests  map[string][]time.Time
	clock     func() time.Time
	retention time.Duration
	maxWindow time.Duration
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source. Tests use it to drive a simulated clock.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithRetention sets the horizon used by CleanupDefault.
func WithRetention(retention time.Duration) Option {
	return func(l *Limiter) {
		if retention > 0 {
			l.retention = retention
		}
	}
}

// New creates an empty limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		requests:  make(map[string][]time.Time),
		clock:     time.Now,
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow reports whether an action for key is permitted now and records it if so.
func (l *Limiter) Allow(key string, policy Policy) (bool, error) {
	decision, err := l.Check(key, policy)
	if err != nil {
		return false, err
	}
	return decision.Allowed, nil
}

// Check evaluates the sliding window for key and records the request when it
// is admitted. Entries that have left the window are dropped even on denial.
func (l *Limiter) Check(key string, policy Policy) (Decision, error) {
	if strings.TrimSpace(key) == "" {
		return Decision{}, ErrEmptyKey
	}
	if err := policy.Validate(); err != nil {
		return Decision{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if policy.Window > l.maxWindow {
		l.maxWindow = policy.Window
	}

	now := l.clock()
	recent := recentSince(l.requests[key], now, policy.Window)

	if len(recent) >= policy.MaxRequests {
		l.store(key, recent)
		return Decision{
			Allowed:    false,
			Limit:      policy.MaxRequests,
			Remaining:  0,
			RetryAfter: retryAfter(recent, now, policy),
		}, nil
	}

	recent = append(recent, now)
	l.requests[key] = recent

	return Decision{
		Allowed:   true,
		Limit:     policy.MaxRequests,
		Remaining: policy.MaxRequests - len(recent),
	}, nil
}

// Reset forgets all recorded requests for key. Unknown keys are a no-op.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.requests, key)
}

// Cleanup drops entries older than retention and removes keys left empty.
// The horizon is global: keys checked with a wider window than retention lose
// history early. It returns the number of keys removed.
func (l *Limiter) Cleanup(retention time.Duration) int {
	if retention <= 0 {
		retention = DefaultRetention
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	evicted := 0
	for key, entries := range l.requests {
		recent := recentSince(entries, now, retention)
		if len(recent) == 0 {
			delete(l.requests, key)
			evicted++
			continue
		}
		l.requests[key] = recent
	}
	return evicted
}

// CleanupDefault runs Cleanup with the limiter's configured retention.
func (l *Limiter) CleanupDefault() int {
	return l.Cleanup(l.Retention())
}

// Count returns the number of requests for key inside the policy window
// without modifying stored state.
func (l *Limiter) Count(key string, policy Policy) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	count := 0
	for _, ts := range l.requests[key] {
		if now.Sub(ts) < policy.Window {
			count++
		}
	}
	return count
}

// Keys returns the tracked keys in sorted order.
func (l *Limiter) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	keys := make([]string, 0, len(l.requests))
	for key := range l.requests {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requests)
}

// Retention returns the horizon used by CleanupDefault.
func (l *Limiter) Retention() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.retention
}

// MaxWindow returns the widest window any check has used so far.
func (l *Limiter) MaxWindow() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxWindow
}

func (l *Limiter) store(key string, entries []time.Time) {
	if len(entries) == 0 {
		delete(l.requests, key)
		return
	}
	l.requests[key] = entries
}

// recentSince returns the entries younger than window. The input is ordered,
// so the result is a suffix of it.
func recentSince(entries []time.Time, now time.Time, window time.Duration) []time.Time {
	for i, ts := range entries {
		if now.Sub(ts) < window {
			return entries[i:]
		}
	}
	return nil
}

func retryAfter(recent []time.Time, now time.Time, policy Policy) time.Duration {
	if len(recent) == 0 {
		return 0
	}
	// The oldest entries leave first; admission needs len-Max+1 of them gone.
	oldest := recent[len(recent)-policy.MaxRequests]
	wait := policy.Window - now.Sub(oldest)
	if wait < 0 {
		return 0
	}
	return wait
}

func invalidPolicy(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPolicy, fmt.Sprintf(format, args...))
}
