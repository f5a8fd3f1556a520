// Package handlers binds bus events to scheduling decisions. Each handler
// is single-instance and cooperative: it inspects one event, optionally
// schedules an agent task, and returns. Long work happens in the agent, not
// the handler.
package handlers

import (
	"github.com/IndenScale/monoco/internal/bus"
	"github.com/IndenScale/monoco/internal/config"
	"github.com/IndenScale/monoco/internal/mailbox"
	"github.com/IndenScale/monoco/internal/memo"
	"github.com/IndenScale/monoco/internal/router"
	"github.com/IndenScale/monoco/internal/scheduler"
	"github.com/IndenScale/monoco/internal/session"
)

// Deps wires the shared collaborators into the handler set.
type Deps struct {
	Bus       *bus.Bus
	Scheduler scheduler.AgentScheduler
	Config    *config.Config
	Inbox     *memo.Inbox
	Router    *router.Router
	Mailbox   *mailbox.Store
}

// Register subscribes every role handler to its event types and returns the
// subscriptions so the daemon can cancel them during shutdown.
func Register(d Deps) []*bus.Subscription {
	architect := NewArchitect(d.Scheduler, d.Config, d.Inbox)
	engineer := NewEngineer(d.Scheduler, d.Config)
	reviewer := NewReviewer(d.Scheduler, d.Config)
	coroner := NewCoroner(d.Scheduler, d.Config)
	mailboxAgent := NewMailboxAgent(d.Scheduler, d.Config, d.Router, d.Mailbox, d.Bus)

	return []*bus.Subscription{
		d.Bus.Subscribe(architect, bus.TypeMemoThreshold),
		d.Bus.Subscribe(engineer, bus.TypeIssueStageChanged),
		d.Bus.Subscribe(reviewer, bus.TypePRCreated),
		d.Bus.Subscribe(coroner, bus.TypeSessionFailed),
		d.Bus.Subscribe(mailboxAgent, bus.TypeMailboxInbound),
	}
}

// newTask builds a handler-originated task. Handlers never block on quota:
// a full role is a refusal the event source can react to, not a queue.
func newTask(cfg *config.Config, role, prompt, issueID, correlationID string) session.Task {
	task := session.NewTask(role, cfg.EngineFor(role), prompt)
	task.IssueID = issueID
	task.CorrelationID = correlationID
	task.Timeout = cfg.TimeoutFor(role)
	task.Metadata = map[string]string{session.MetaRejectIfFull: "true"}
	return task
}
