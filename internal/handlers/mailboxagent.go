package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/IndenScale/monoco/internal/bus"
	"github.com/IndenScale/monoco/internal/config"
	"github.com/IndenScale/monoco/internal/log"
	"github.com/IndenScale/monoco/internal/mailbox"
	"github.com/IndenScale/monoco/internal/router"
	"github.com/IndenScale/monoco/internal/scheduler"
)

// MailboxAgent consumes inbound message batches, consults the router, and
// dispatches the chosen role. A policy refusal produces a synthetic
// outbound reply so the sender learns why nothing happened.
type MailboxAgent struct {
	sched   scheduler.AgentScheduler
	cfg     *config.Config
	router  *router.Router
	mailbox *mailbox.Store
	events  *bus.Bus
}

// NewMailboxAgent creates the mailbox handler.
func NewMailboxAgent(sched scheduler.AgentScheduler, cfg *config.Config,
	r *router.Router, store *mailbox.Store, events *bus.Bus) *MailboxAgent {
	return &MailboxAgent{sched: sched, cfg: cfg, router: r, mailbox: store, events: events}
}

// Name implements bus.Handler.
func (h *MailboxAgent) Name() string { return "mailbox-handler" }

// Handle implements bus.Handler.
func (h *MailboxAgent) Handle(ctx context.Context, ev bus.Event) error {
	batch, ok := ev.Payload.(bus.InboundBatch)
	if !ok || len(batch.Messages) == 0 {
		return nil
	}

	msgs := make([]*mailbox.Message, len(batch.Messages))
	for i := range batch.Messages {
		msgs[i] = &batch.Messages[i]
	}

	rctx := h.router.BuildContext(batch.SessionID, msgs)
	decision, err := h.router.Route(rctx)
	if err != nil {
		return fmt.Errorf("routing session %s: %w", batch.SessionID, err)
	}

	correlation := ev.CorrelationID
	if correlation == "" {
		correlation = uuid.New().String()
	}

	task := newTask(h.cfg, decision.Role, h.prompt(batch, decision), "", correlation)
	id, err := h.sched.Schedule(ctx, task)
	if err != nil {
		if scheduler.IsPolicyRefusal(err) {
			h.replyRefusal(batch, decision.Role, err)
			return nil
		}
		return fmt.Errorf("scheduling %s for session %s: %w", decision.Role, batch.SessionID, err)
	}

	log.Info(log.CatRoute, "inbound batch dispatched",
		"session", batch.SessionID, "role", decision.Role,
		"rule", decision.Rule, "agent_session", id)
	return nil
}

func (h *MailboxAgent) prompt(batch bus.InboundBatch, decision router.Decision) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s. New messages arrived in conversation %s (provider %s, routed by %s).\n",
		decision.Role, batch.SessionID, batch.Provider, decision.Reason)
	b.WriteString("Handle the request and draft a reply via the mailbox CLI.\n\n")
	for _, m := range batch.Messages {
		fmt.Fprintf(&b, "From %s at %s:\n%s\n\n",
			m.Envelope.Participants.Sender.Name,
			m.Envelope.Timestamp.Format(time.RFC3339),
			strings.TrimSpace(m.Body))
	}
	return b.String()
}

// replyRefusal writes a synthetic outbound message explaining why the
// request was not scheduled.
func (h *MailboxAgent) replyRefusal(batch bus.InboundBatch, role string, cause error) {
	last := batch.Messages[len(batch.Messages)-1]
	env := mailbox.Envelope{
		ID:       uuid.New().String(),
		Provider: batch.Provider,
		Session:  last.Envelope.Session,
		Participants: mailbox.Participants{
			Sender:     mailbox.Participant{ID: "monoco", Name: "Prime"},
			Recipients: []mailbox.Participant{last.Envelope.Participants.Sender},
		},
		Timestamp:   time.Now(),
		Kind:        mailbox.KindMarkdown,
		ReplyTo:     last.Envelope.ID,
		Correlation: last.Envelope.Correlation,
	}
	body := fmt.Sprintf(
		"I could not start a %s for your request right now: %s.\nPlease retry later.\n",
		role, cause.Error())

	path, err := h.mailbox.CreateOutbound(batch.Provider, env, body)
	if err != nil {
		log.ErrorErr(log.CatRoute, "writing refusal reply", err,
			"session", batch.SessionID)
		return
	}
	correlation := ""
	if env.Correlation != nil {
		correlation = env.Correlation.CorrelationID
	}
	h.events.Publish(bus.TypeMailboxOutbound, correlation, bus.OutboundRequest{
		Provider:  batch.Provider,
		SessionID: batch.SessionID,
		Path:      path,
		ReplyTo:   env.ReplyTo,
	})
	log.Warn(log.CatRoute, "scheduling refused, reply queued",
		"session", batch.SessionID, "role", role, "cause", cause.Error())
}
