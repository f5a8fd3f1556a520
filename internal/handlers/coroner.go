package handlers

import (
	"context"
	"fmt"

	"github.com/IndenScale/monoco/internal/bus"
	"github.com/IndenScale/monoco/internal/config"
	"github.com/IndenScale/monoco/internal/log"
	"github.com/IndenScale/monoco/internal/scheduler"
)

// Coroner schedules an autopsy session for failed agents. Autopsies are
// subagents of the failed session, so the depth limit bounds failure
// cascades and the cool-down guard stops repeated autopsies of the same
// issue.
type Coroner struct {
	sched scheduler.AgentScheduler
	cfg   *config.Config
}

// NewCoroner creates the coroner handler.
func NewCoroner(sched scheduler.AgentScheduler, cfg *config.Config) *Coroner {
	return &Coroner{sched: sched, cfg: cfg}
}

// Name implements bus.Handler.
func (h *Coroner) Name() string { return "coroner-handler" }

// Handle implements bus.Handler.
func (h *Coroner) Handle(ctx context.Context, ev bus.Event) error {
	failed, ok := ev.Payload.(bus.SessionChange)
	if !ok {
		return nil
	}
	// No autopsies of autopsies.
	if failed.Role == config.RoleCoroner {
		return nil
	}

	prompt := fmt.Sprintf(
		"Session %s (role %s, engine %s) failed with exit code %d (reason: %s).\n"+
			"Read its log at %s, determine the root cause, and write a memo summarizing what went wrong and what to change.",
		failed.SessionID, failed.Role, failed.Engine, failed.ExitCode, failed.Reason, failed.LogLocation)

	task := newTask(h.cfg, config.RoleCoroner, prompt, failed.IssueID, ev.CorrelationID)
	task.ParentSessionID = failed.SessionID

	id, err := h.sched.Schedule(ctx, task)
	if err != nil {
		if scheduler.IsPolicyRefusal(err) {
			log.Debug(log.CatSched, "autopsy refused by policy",
				"failed_session", failed.SessionID, "err", err.Error())
			return nil
		}
		return fmt.Errorf("scheduling autopsy for %s: %w", failed.SessionID, err)
	}
	log.Info(log.CatSched, "coroner scheduled",
		"session", id, "failed_session", failed.SessionID)
	return nil
}
