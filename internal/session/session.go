// Package session defines the runtime identity of a spawned agent and its
// durable store. A session moves monotonically through
// pending -> running -> {completed, failed, terminated}; every transition is
// persisted before the corresponding event is published.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
)

// validTransitions defines the allowed status transitions. Terminal states
// have no exits; a terminated session can never become running again.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true, // spawn failure before the process ever ran
	},
	StatusRunning: {
		StatusCompleted:  true,
		StatusFailed:     true,
		StatusTerminated: true,
	},
	StatusCompleted:  {},
	StatusFailed:     {},
	StatusTerminated: {},
}

// String returns the string form of the status.
func (s Status) String() string { return string(s) }

// IsValid reports whether this is a recognized status value.
func (s Status) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal reports whether the status is completed, failed, or terminated.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTerminated
}

// CanTransitionTo reports whether s -> target is a legal transition.
func (s Status) CanTransitionTo(target Status) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// rank orders statuses for the monotonicity property:
// pending < running < terminal.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusCompleted, StatusFailed, StatusTerminated:
		return 2
	default:
		return -1
	}
}

// AtLeast reports whether s is at or past other in the lifecycle order.
func (s Status) AtLeast(other Status) bool {
	return s.rank() >= other.rank()
}

// Task is the immutable descriptor that produces a session.
type Task struct {
	TaskID          string            `json:"task_id"`
	Role            string            `json:"role_name"`
	IssueID         string            `json:"issue_id,omitempty"`
	Prompt          string            `json:"prompt"`
	Engine          string            `json:"engine"`
	Timeout         time.Duration     `json:"timeout,omitempty"`
	ParentSessionID string            `json:"parent_session_id,omitempty"`
	CorrelationID   string            `json:"correlation_id,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Metadata keys with scheduler-defined meaning.
const (
	// MetaIsolation selects the working directory strategy:
	// "branch", "worktree", or "root" (default).
	MetaIsolation = "isolation"
	// MetaRejectIfFull makes schedule refuse immediately instead of
	// waiting for a quota slot.
	MetaRejectIfFull = "reject_if_full"
)

// NewTask builds a task with a fresh UUID.
func NewTask(role, engine, prompt string) Task {
	return Task{
		TaskID: uuid.New().String(),
		Role:   role,
		Engine: engine,
		Prompt: prompt,
	}
}

// RejectIfFull reports whether the task opted out of quota waiting.
func (t *Task) RejectIfFull() bool {
	return t.Metadata[MetaRejectIfFull] == "true"
}

// Isolation returns the working-directory strategy, defaulting to "root".
func (t *Task) Isolation() string {
	if iso := t.Metadata[MetaIsolation]; iso != "" {
		return iso
	}
	return "root"
}

// Session is one supervised invocation of an agent.
type Session struct {
	SessionID       string     `json:"session_id"`
	Task            Task       `json:"task"`
	Status          Status     `json:"status"`
	PID             int        `json:"pid,omitempty"`
	Depth           int        `json:"depth"`
	ParentSessionID string     `json:"parent_session_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	ExitCode        int        `json:"exit_code,omitempty"`
	LogLocation     string     `json:"log_location,omitempty"`
	// Reason carries failure context ("daemon_restart", spawn errors).
	Reason string `json:"reason,omitempty"`
	// TerminatedByTimeout distinguishes watchdog terminations.
	TerminatedByTimeout bool `json:"terminated_by_timeout,omitempty"`
}

// New creates a pending session for the task.
func New(task Task, depth int) *Session {
	return &Session{
		SessionID:       uuid.New().String(),
		Task:            task,
		Status:          StatusPending,
		Depth:           depth,
		ParentSessionID: task.ParentSessionID,
		CreatedAt:       time.Now(),
	}
}

// TransitionTo attempts a status transition, stamping the relevant
// timestamps. Illegal transitions are rejected so a terminal session can
// never re-enter running.
func (s *Session) TransitionTo(target Status) error {
	if !s.Status.CanTransitionTo(target) {
		return fmt.Errorf("invalid session transition from %s to %s", s.Status, target)
	}
	s.Status = target

	now := time.Now()
	switch target {
	case StatusRunning:
		s.StartedAt = &now
	case StatusCompleted, StatusFailed, StatusTerminated:
		s.EndedAt = &now
	}
	return nil
}

// IsTerminal reports whether the session has reached a terminal status.
func (s *Session) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// Age returns how long the session has been running, or zero if it never
// started.
func (s *Session) Age(now time.Time) time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	return now.Sub(*s.StartedAt)
}
