package handlers

import (
	"context"
	"fmt"

	"github.com/IndenScale/monoco/internal/bus"
	"github.com/IndenScale/monoco/internal/config"
	"github.com/IndenScale/monoco/internal/issue"
	"github.com/IndenScale/monoco/internal/log"
	"github.com/IndenScale/monoco/internal/scheduler"
	"github.com/IndenScale/monoco/internal/session"
)

// Engineer schedules an implementation session when an issue enters the
// doing stage. It never chains to the reviewer; review is driven by
// PR_CREATED alone.
type Engineer struct {
	sched scheduler.AgentScheduler
	cfg   *config.Config
}

// NewEngineer creates the engineer handler.
func NewEngineer(sched scheduler.AgentScheduler, cfg *config.Config) *Engineer {
	return &Engineer{sched: sched, cfg: cfg}
}

// Name implements bus.Handler.
func (h *Engineer) Name() string { return "engineer-handler" }

// Handle implements bus.Handler.
func (h *Engineer) Handle(ctx context.Context, ev bus.Event) error {
	change, ok := ev.Payload.(bus.IssueChange)
	if !ok || change.ToStage != issue.StageDoing {
		return nil
	}

	prompt := fmt.Sprintf(
		"Issue %s moved to doing. Read the issue file at %s, implement the change on your branch, and open a PR when done.",
		change.IssueID, change.Path)
	task := newTask(h.cfg, config.RoleEngineer, prompt, change.IssueID, ev.CorrelationID)
	task.Metadata[session.MetaIsolation] = "worktree"

	id, err := h.sched.Schedule(ctx, task)
	if err != nil {
		return fmt.Errorf("scheduling engineer for %s: %w", change.IssueID, err)
	}
	log.Info(log.CatSched, "engineer scheduled", "session", id, "issue", change.IssueID)
	return nil
}
