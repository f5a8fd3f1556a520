package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/IndenScale/monoco/internal/config"
)

func newTestGuard(t *testing.T) (*CooldownGuard, *time.Time) {
	t.Helper()
	g := NewCooldownGuard(config.CooldownConfig{
		Initial:  60 * time.Second,
		Max:      30 * time.Minute,
		Attempts: 5,
	})
	now := time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	return g, &now
}

func TestCooldown_FirstFailureOpensWindow(t *testing.T) {
	g, now := newTestGuard(t)

	allowed, _, _ := g.Check("engineer", "FEAT-1")
	require.True(t, allowed)

	retryAt, attempts := g.RecordFailure("engineer", "FEAT-1")
	require.Equal(t, 1, attempts)
	require.Equal(t, now.Add(60*time.Second), retryAt)

	allowed, gotRetry, gotAttempts := g.Check("engineer", "FEAT-1")
	require.False(t, allowed)
	require.Equal(t, retryAt, gotRetry)
	require.Equal(t, 1, gotAttempts)

	// Another pair is unaffected.
	allowed, _, _ = g.Check("engineer", "FEAT-2")
	require.True(t, allowed)
}

func TestCooldown_WindowDoublesPerFailure(t *testing.T) {
	g, now := newTestGuard(t)

	retry1, _ := g.RecordFailure("engineer", "FEAT-1")
	require.Equal(t, 60*time.Second, retry1.Sub(*now))

	retry2, _ := g.RecordFailure("engineer", "FEAT-1")
	require.Equal(t, 2*time.Minute, retry2.Sub(*now))

	retry3, _ := g.RecordFailure("engineer", "FEAT-1")
	require.Equal(t, 4*time.Minute, retry3.Sub(*now))
}

func TestCooldown_WindowCapsAtMax(t *testing.T) {
	g, _ := newTestGuard(t)

	var last time.Duration
	for i := 0; i < 12; i++ {
		retryAt, _ := g.RecordFailure("engineer", "FEAT-1")
		last = retryAt.Sub(g.now())
		require.LessOrEqual(t, last, 30*time.Minute)
	}
	require.Equal(t, 30*time.Minute, last)
}

func TestCooldown_AttemptCounterCaps(t *testing.T) {
	g, _ := newTestGuard(t)

	for i := 0; i < 10; i++ {
		_, attempts := g.RecordFailure("engineer", "FEAT-1")
		require.LessOrEqual(t, attempts, 5)
	}
	require.Zero(t, g.Remaining("engineer", "FEAT-1"))
}

func TestCooldown_ExpiryAllowsRetry(t *testing.T) {
	g, now := newTestGuard(t)

	retryAt, _ := g.RecordFailure("engineer", "FEAT-1")
	*now = retryAt.Add(time.Second)

	allowed, _, attempts := g.Check("engineer", "FEAT-1")
	require.True(t, allowed)
	// History is retained until a success clears it.
	require.Equal(t, 1, attempts)
}

func TestCooldown_SuccessClearsHistory(t *testing.T) {
	g, _ := newTestGuard(t)

	g.RecordFailure("engineer", "FEAT-1")
	g.RecordFailure("engineer", "FEAT-1")
	g.RecordSuccess("engineer", "FEAT-1")

	allowed, _, attempts := g.Check("engineer", "FEAT-1")
	require.True(t, allowed)
	require.Zero(t, attempts)
	require.Equal(t, 5, g.Remaining("engineer", "FEAT-1"))

	// The schedule restarts from the initial window.
	retryAt, attempts := g.RecordFailure("engineer", "FEAT-1")
	require.Equal(t, 1, attempts)
	require.Equal(t, 60*time.Second, retryAt.Sub(g.now()))
}

func TestIsPolicyRefusal(t *testing.T) {
	require.True(t, IsPolicyRefusal(ErrQuotaExhausted))
	require.True(t, IsPolicyRefusal(ErrCooldownActive))
	require.True(t, IsPolicyRefusal(ErrSubagentDepthExceeded))
	require.False(t, IsPolicyRefusal(ErrUnknownRole))
	require.False(t, IsPolicyRefusal(ErrSessionNotFound))
	require.False(t, IsPolicyRefusal(nil))
}
