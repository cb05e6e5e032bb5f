package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJanitorDefaults(t *testing.T) {
	j := NewJanitor(New(), JanitorConfig{})
	assert.Equal(t, DefaultCleanupInterval, j.cfg.Interval)
	assert.Equal(t, DefaultRetention, j.cfg.Retention)
	assert.False(t, j.Running())
}

func TestJanitorStartStop(t *testing.T) {
	j := NewJanitor(New(), JanitorConfig{Interval: time.Hour})

	require.NoError(t, j.Start(context.Background()))
	assert.True(t, j.Running())
	assert.ErrorIs(t, j.Start(context.Background()), ErrJanitorRunning)

	j.Stop()
	assert.False(t, j.Running())
	assert.NotPanics(t, j.Stop)

	// A stopped janitor can be started again.
	require.NoError(t, j.Start(context.Background()))
	j.Stop()
}

func TestJanitorStopsWhenContextCancelled(t *testing.T) {
	j := NewJanitor(New(), JanitorConfig{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, j.Start(ctx))
	done := j.done
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor loop did not exit after context cancellation")
	}

	assert.False(t, j.Running())
	assert.ErrorIs(t, j.CheckHealth(context.Background()), ErrJanitorStopped)
	assert.NotPanics(t, j.Stop)

	require.NoError(t, j.Start(context.Background()))
	assert.True(t, j.Running())
	j.Stop()
	assert.False(t, j.Running())
}

func TestJanitorHorizonCoversConfiguredPolicies(t *testing.T) {
	policies, err := NewPolicySet(nil)
	require.NoError(t, err)

	j := NewJanitor(New(), JanitorConfig{Retention: time.Minute, PolicyWindow: policies.MaxWindow()})
	assert.Equal(t, Presets[PresetImport].Window, j.Horizon())

	strict := NewJanitor(New(), JanitorConfig{Retention: time.Minute, PolicyWindow: time.Hour, StrictRetention: true})
	assert.Equal(t, time.Minute, strict.Horizon())
}

func TestJanitorLoopSweeps(t *testing.T) {
	clock := newFakeClock()
	limiter := New(WithClock(clock.Now))
	_, err := limiter.Allow("k", Policy{MaxRequests: 1, Window: time.Millisecond})
	require.NoError(t, err)
	clock.Advance(time.Hour)

	j := NewJanitor(limiter, JanitorConfig{Interval: 5 * time.Millisecond, Retention: time.Second})
	require.NoError(t, j.Start(context.Background()))
	defer j.Stop()

	assert.Eventually(t, func() bool { return limiter.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestJanitorRunOnce(t *testing.T) {
	clock := newFakeClock()
	limiter := New(WithClock(clock.Now))
	policy := Policy{MaxRequests: 2, Window: 10 * time.Second}

	_, _ = limiter.Allow("a", policy)
	clock.Advance(20 * time.Second)
	_, _ = limiter.Allow("b", policy)
	clock.Advance(15 * time.Second)

	j := NewJanitor(limiter, JanitorConfig{Retention: 30 * time.Second})
	assert.Equal(t, 1, j.RunOnce())
	assert.Equal(t, []string{"b"}, limiter.Keys())
	assert.Zero(t, j.RunOnce())
}

func TestJanitorHorizonWidensToLargestWindow(t *testing.T) {
	clock := newFakeClock()
	limiter := New(WithClock(clock.Now))
	auth := Presets[PresetAuth]

	for i := 0; i < auth.MaxRequests; i++ {
		_, _ = limiter.Allow("login:alice", auth)
	}
	clock.Advance(2 * time.Minute)

	j := NewJanitor(limiter, JanitorConfig{Retention: time.Minute})
	assert.Equal(t, auth.Window, j.Horizon())
	assert.Zero(t, j.RunOnce())

	ok, err := limiter.Allow("login:alice", auth)
	require.NoError(t, err)
	assert.False(t, ok, "lockout must survive a sweep shorter than the policy window")
}

func TestJanitorStrictRetentionResetsLongWindows(t *testing.T) {
	clock := newFakeClock()
	limiter := New(WithClock(clock.Now))
	auth := Presets[PresetAuth]

	for i := 0; i < auth.MaxRequests; i++ {
		_, _ = limiter.Allow("login:alice", auth)
	}
	clock.Advance(2 * time.Minute)

	j := NewJanitor(limiter, JanitorConfig{Retention: time.Minute, StrictRetention: true})
	assert.Equal(t, time.Minute, j.Horizon())
	assert.Equal(t, 1, j.RunOnce())

	ok, err := limiter.Allow("login:alice", auth)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestJanitorCheckHealth(t *testing.T) {
	j := NewJanitor(New(), JanitorConfig{Interval: time.Hour})
	assert.ErrorIs(t, j.CheckHealth(context.Background()), ErrJanitorStopped)

	require.NoError(t, j.Start(context.Background()))
	assert.NoError(t, j.CheckHealth(context.Background()))

	j.Stop()
	assert.ErrorIs(t, j.CheckHealth(context.Background()), ErrJanitorStopped)
}

func TestJanitorReconfigure(t *testing.T) {
	clock := newFakeClock()
	limiter := New(WithClock(clock.Now))
	auth := Presets[PresetAuth]
	_, _ = limiter.Allow("login:alice", auth)
	clock.Advance(2 * time.Minute)

	j := NewJanitor(limiter, JanitorConfig{Interval: time.Hour, Retention: time.Minute})
	require.NoError(t, j.Start(context.Background()))
	t.Cleanup(j.Stop)
	assert.Equal(t, auth.Window, j.Horizon())

	require.NoError(t, j.Reconfigure(JanitorConfig{Interval: time.Hour, Retention: time.Minute, StrictRetention: true}))
	assert.True(t, j.Running())
	assert.Equal(t, time.Minute, j.Horizon())
	assert.Equal(t, 1, j.RunOnce())

	stopped := NewJanitor(limiter, JanitorConfig{})
	require.NoError(t, stopped.Reconfigure(JanitorConfig{Retention: time.Hour}))
	assert.False(t, stopped.Running())
	assert.Equal(t, time.Hour, stopped.Horizon())
	assert.Equal(t, DefaultCleanupInterval, stopped.config().Interval)
}
