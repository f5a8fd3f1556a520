package scheduler

import "errors"

// Typed errors returned by Schedule and Terminate. Callers branch on these
// with errors.Is; none of them carry a session (no process was spawned).
var (
	// ErrUnknownRole is returned for a task naming an unrecognized role.
	ErrUnknownRole = errors.New("unknown role")

	// ErrQuotaExhausted is returned when a quota slot is unavailable and
	// the task asked not to wait (or the role's quota is zero).
	ErrQuotaExhausted = errors.New("quota exhausted")

	// ErrSubagentDepthExceeded is returned when a task would exceed the
	// subagent depth limit. No process is spawned and no terminal event
	// is published.
	ErrSubagentDepthExceeded = errors.New("subagent depth exceeded")

	// ErrCooldownActive is returned while a (role, issue) pair is inside
	// its failure cool-down window.
	ErrCooldownActive = errors.New("cooldown active")

	// ErrSessionNotFound is returned for lookups of unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
)

// IsPolicyRefusal reports whether the error is an expected scheduling
// refusal (quota, depth, cool-down) rather than a fault.
func IsPolicyRefusal(err error) bool {
	return errors.Is(err, ErrQuotaExhausted) ||
		errors.Is(err, ErrSubagentDepthExceeded) ||
		errors.Is(err, ErrCooldownActive)
}
