package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(start time.Time, offset time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = start.Add(offset)
}

func allow(t *testing.T, l *Limiter, key string, p Policy) bool {
	t.Helper()
	ok, err := l.Allow(key, p)
	require.NoError(t, err)
	return ok
}

func TestLimiterScenario(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	limiter := New(WithClock(clock.Now))
	policy := Policy{MaxRequests: 3, Window: time.Second}

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
		clock.Set(start, step.at)
		assert.Equal(t, step.want, allow(t, limiter, "u1", policy), "at %s", step.at)
	}
}

func TestLimiterAdmitsExactlyMaxRequests(t *testing.T) {
	limiter := New(WithClock(newFakeClock().Now))
	policy := Policy{MaxRequests: 5, Window: time.Minute}

	for i := 0; i < policy.MaxRequests; i++ {
		assert.True(t, allow(t, limiter, "k", policy), "request %d should be allowed", i+1)
	}
	assert.False(t, allow(t, limiter, "k", policy), "request beyond the limit should be denied")
	assert.Equal(t, policy.MaxRequests, limiter.Count("k", policy))
}

func TestLimiterWindowExpiry(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	limiter := New(WithClock(clock.Now))
	window := 500 * time.Millisecond
	policy := Policy{MaxRequests: 1, Window: window}

	assert.True(t, allow(t, limiter, "k", policy))

	clock.Set(start, window-time.Millisecond)
	assert.False(t, allow(t, limiter, "k", policy))

	clock.Set(start, window+time.Millisecond)
	assert.True(t, allow(t, limiter, "k", policy))
}

func TestLimiterEntryExpiresAtExactWindow(t *testing.T) {
	clock := newFakeClock()
	limiter := New(WithClock(clock.Now))
	policy := Policy{MaxRequests: 1, Window: time.Second}

	assert.True(t, allow(t, limiter, "k", policy))
	clock.Advance(time.Second)
	assert.True(t, allow(t, limiter, "k", policy))
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	limiter := New(WithClock(newFakeClock().Now))
	tight := Policy{MaxRequests: 1, Window: time.Hour}

	assert.True(t, allow(t, limiter, "A", tight))
	assert.False(t, allow(t, limiter, "A", tight))

	assert.True(t, allow(t, limiter, "B", tight))
	assert.True(t, allow(t, limiter, "B", Policy{MaxRequests: 2, Window: time.Second}))
}

func TestLimiterReset(t *testing.T) {
	limiter := New(WithClock(newFakeClock().Now))
	policy := Policy{MaxRequests: 1, Window: time.Hour}

	assert.True(t, allow(t, limiter, "k", policy))
	assert.False(t, allow(t, limiter, "k", policy))

	limiter.Reset("k")
	assert.Zero(t, limiter.Len())
	assert.True(t, allow(t, limiter, "k", policy))

	assert.NotPanics(t, func() {
		limiter.Reset("never-seen")
		limiter.Reset("never-seen")
	})
}

func TestLimiterCleanupEvictsStaleKeys(t *testing.T) {
	clock := newFakeClock()
	limiter := New(WithClock(clock.Now))
	policy := Policy{MaxRequests: 2, Window: 30 * time.Second}

	assert.True(t, allow(t, limiter, "old", policy))
	assert.True(t, allow(t, limiter, "old", policy))
	assert.False(t, allow(t, limiter, "old", policy))

	clock.Advance(45 * time.Second)
	assert.True(t, allow(t, limiter, "fresh", policy))

	clock.Advance(20 * time.Second)
	evicted := limiter.Cleanup(DefaultRetention)
	assert.Equal(t, 1, evicted)
	assert.Equal(t, []string{"fresh"}, limiter.Keys())

	assert.True(t, allow(t, limiter, "old", policy))
}

func TestLimiterCleanupPrunesWithinKey(t *testing.T) {
	clock := newFakeClock()
	limiter := New(WithClock(clock.Now), WithRetention(10*time.Second))
	policy := Policy{MaxRequests: 10, Window: time.Hour}

	assert.True(t, allow(t, limiter, "k", policy))
	clock.Advance(8 * time.Second)
	assert.True(t, allow(t, limiter, "k", policy))
	clock.Advance(5 * time.Second)

	assert.Zero(t, limiter.CleanupDefault())
	// The global horizon drops history a wider window would still count.
	assert.Equal(t, 1, limiter.Count("k", policy))
}

func TestLimiterCleanupNonPositiveRetentionUsesDefault(t *testing.T) {
	clock := newFakeClock()
	limiter := New(WithClock(clock.Now))

	assert.True(t, allow(t, limiter, "k", Policy{MaxRequests: 1, Window: time.Hour}))
	clock.Advance(DefaultRetention - time.Second)
	assert.Zero(t, limiter.Cleanup(0))
	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, limiter.Cleanup(-1))
}

func TestLimiterDenialPrunesExpiredEntries(t *testing.T) {
	clock := newFakeClock()
	limiter := New(WithClock(clock.Now))
	wide := Policy{MaxRequests: 3, Window: time.Minute}
	narrow := Policy{MaxRequests: 1, Window: time.Second}

	assert.True(t, allow(t, limiter, "k", wide))
	clock.Advance(2 * time.Second)
	assert.True(t, allow(t, limiter, "k", wide))

	// Denied under the narrow policy; the entry outside its window is dropped.
	assert.False(t, allow(t, limiter, "k", narrow))
	assert.Equal(t, 1, limiter.Count("k", wide))
}

func TestLimiterCheckDecision(t *testing.T) {
	clock := newFakeClock()
	limiter := New(WithClock(clock.Now))
	policy := Policy{MaxRequests: 2, Window: 10 * time.Second}

	d, err := limiter.Check("k", policy)
	require.NoError(t, err)
	assert.Equal(t, Decision{Allowed: true, Limit: 2, Remaining: 1}, d)

	clock.Advance(3 * time.Second)
	d, err = limiter.Check("k", policy)
	require.NoError(t, err)
	assert.Equal(t, Decision{Allowed: true, Limit: 2, Remaining: 0}, d)

	clock.Advance(time.Second)
	d, err = limiter.Check("k", policy)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 6*time.Second, d.RetryAfter)

	clock.Advance(d.RetryAfter)
	d, err = limiter.Check("k", policy)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestLimiterRejectsContractViolations(t *testing.T) {
	limiter := New()

	_, err := limiter.Allow("", Policy{MaxRequests: 1, Window: time.Second})
	assert.ErrorIs(t, err, ErrEmptyKey)

	_, err = limiter.Allow("   ", Policy{MaxRequests: 1, Window: time.Second})
	assert.ErrorIs(t, err, ErrEmptyKey)

	for _, p := range []Policy{
		{MaxRequests: 0, Window: time.Second},
		{MaxRequests: -1, Window: time.Second},
		{MaxRequests: 1, Window: 0},
		{MaxRequests: 1, Window: -time.Second},
	} {
		ok, err := limiter.Allow("k", p)
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrInvalidPolicy, "%+v", p)
	}
	assert.Zero(t, limiter.Len())
	assert.Zero(t, limiter.MaxWindow())
}

func TestLimiterTracksMaxWindow(t *testing.T) {
	limiter := New()
	_, _ = limiter.Allow("a", Presets[PresetSearch])
	_, _ = limiter.Allow("b", Presets[PresetAuth])
	_, _ = limiter.Allow("c", Presets[PresetSearch])
	assert.Equal(t, 15*time.Minute, limiter.MaxWindow())
}

func TestLimiterNeverExceedsLimitUnderConcurrency(t *testing.T) {
	limiter := New()
	policy := Policy{MaxRequests: 25, Window: time.Hour}

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if ok, _ := limiter.Allow("shared", policy); ok {
					admitted.Add(1)
				}
			}
		}()
	}

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				limiter.Cleanup(time.Hour)
			}
		}
	}()

	wg.Wait()
	close(stop)

	assert.Equal(t, int64(policy.MaxRequests), admitted.Load())
	assert.Equal(t, policy.MaxRequests, limiter.Count("shared", policy))
}

// The recorded count inside any trailing window never exceeds the limit.
func TestLimiterBoundHoldsOverRandomSchedule(t *testing.T) {
	clock := newFakeClock()
	limiter := New(WithClock(clock.Now))
	policy := Policy{MaxRequests: 4, Window: 700 * time.Millisecond}

	steps := []time.Duration{0, 10, 10, 50, 100, 0, 0, 300, 250, 90, 5, 5, 600, 1, 1, 1, 1, 1, 800}
	var accepted []time.Time
	for _, step := range steps {
		clock.Advance(step * time.Millisecond)
		if allow(t, limiter, "k", policy) {
			accepted = append(accepted, clock.Now())
		}
	}

	for i, end := range accepted {
		inWindow := 0
		for _, ts := range accepted[:i+1] {
			if end.Sub(ts) < policy.Window {
				inWindow++
			}
		}
		assert.LessOrEqual(t, inWindow, policy.MaxRequests, "window ending at entry %d", i)
	}
}
