package handlers

import (
	"context"
	"fmt"

	"github.com/IndenScale/monoco/internal/bus"
	"github.com/IndenScale/monoco/internal/config"
	"github.com/IndenScale/monoco/internal/log"
	"github.com/IndenScale/monoco/internal/scheduler"
)

// Reviewer schedules a review session for externally announced PRs.
type Reviewer struct {
	sched scheduler.AgentScheduler
	cfg   *config.Config
}

// NewReviewer creates the reviewer handler.
func NewReviewer(sched scheduler.AgentScheduler, cfg *config.Config) *Reviewer {
	return &Reviewer{sched: sched, cfg: cfg}
}

// Name implements bus.Handler.
func (h *Reviewer) Name() string { return "reviewer-handler" }

// Handle implements bus.Handler.
func (h *Reviewer) Handle(ctx context.Context, ev bus.Event) error {
	pr, ok := ev.Payload.(bus.PRCreated)
	if !ok {
		return nil
	}

	prompt := fmt.Sprintf(
		"Review the pull request for issue %s on branch %s (%s). Leave findings as review comments and move the issue stage accordingly.",
		pr.IssueID, pr.Branch, pr.URL)
	task := newTask(h.cfg, config.RoleReviewer, prompt, pr.IssueID, ev.CorrelationID)

	id, err := h.sched.Schedule(ctx, task)
	if err != nil {
		return fmt.Errorf("scheduling reviewer for %s: %w", pr.IssueID, err)
	}
	log.Info(log.CatSched, "reviewer scheduled", "session", id, "issue", pr.IssueID)
	return nil
}
