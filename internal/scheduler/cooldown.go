package scheduler

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/IndenScale/monoco/internal/config"
)

type cooldownKey struct {
	role    string
	issueID string
}

type cooldownEntry struct {
	attempts int
	retryAt  time.Time
	bo       *backoff.ExponentialBackOff
}

// CooldownGuard tracks failed (role, issue) pairs and refuses to reschedule
// them until an exponentially growing window has passed. A success clears
// the entry.
type CooldownGuard struct {
	mu      sync.Mutex
	entries map[cooldownKey]*cooldownEntry
	cfg     config.CooldownConfig
	now     func() time.Time
}

// NewCooldownGuard creates a guard with the given backoff schedule.
func NewCooldownGuard(cfg config.CooldownConfig) *CooldownGuard {
	return &CooldownGuard{
		entries: make(map[cooldownKey]*cooldownEntry),
		cfg:     cfg,
		now:     time.Now,
	}
}

func (g *CooldownGuard) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.cfg.Initial
	bo.MaxInterval = g.cfg.Max
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0 // the attempt cap bounds growth, not wall time
	bo.Reset()
	return bo
}

// Check reports whether the pair may be scheduled. When blocked it also
// returns the earliest retry time and the recorded failure count.
func (g *CooldownGuard) Check(role, issueID string) (allowed bool, retryAt time.Time, attempts int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[cooldownKey{role, issueID}]
	if !ok {
		return true, time.Time{}, 0
	}
	if g.now().Before(e.retryAt) {
		return false, e.retryAt, e.attempts
	}
	return true, time.Time{}, e.attempts
}

// RecordFailure extends the cool-down window for the pair. The window
// doubles per failure up to the configured maximum; the attempt counter
// stops growing the window past the configured attempt cap.
func (g *CooldownGuard) RecordFailure(role, issueID string) (retryAt time.Time, attempts int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := cooldownKey{role, issueID}
	e, ok := g.entries[key]
	if !ok {
		e = &cooldownEntry{bo: g.newBackoff()}
		g.entries[key] = e
	}

	var wait time.Duration
	if e.attempts < g.cfg.Attempts {
		e.attempts++
		wait = e.bo.NextBackOff()
	} else {
		wait = g.cfg.Max
	}
	e.retryAt = g.now().Add(wait)
	return e.retryAt, e.attempts
}

// RecordSuccess clears the pair's failure history.
func (g *CooldownGuard) RecordSuccess(role, issueID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, cooldownKey{role, issueID})
}

// Remaining returns the number of additional failures before the window
// stops growing.
func (g *CooldownGuard) Remaining(role, issueID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.entries[cooldownKey{role, issueID}]; ok {
		if left := g.cfg.Attempts - e.attempts; left > 0 {
			return left
		}
		return 0
	}
	return g.cfg.Attempts
}
