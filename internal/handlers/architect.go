package handlers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/IndenScale/monoco/internal/bus"
	"github.com/IndenScale/monoco/internal/config"
	"github.com/IndenScale/monoco/internal/log"
	"github.com/IndenScale/monoco/internal/memo"
	"github.com/IndenScale/monoco/internal/scheduler"
)

// Architect turns an accumulated memo batch into one architect session.
// Scheduled memos are archived immediately so the next threshold counts
// fresh notes only.
type Architect struct {
	sched scheduler.AgentScheduler
	cfg   *config.Config
	inbox *memo.Inbox

	mu        sync.Mutex
	lastSpawn time.Time
}

// NewArchitect creates the architect handler.
func NewArchitect(sched scheduler.AgentScheduler, cfg *config.Config, inbox *memo.Inbox) *Architect {
	return &Architect{sched: sched, cfg: cfg, inbox: inbox}
}

// Name implements bus.Handler.
func (h *Architect) Name() string { return "architect-handler" }

// Handle implements bus.Handler.
func (h *Architect) Handle(ctx context.Context, ev bus.Event) error {
	batch, ok := ev.Payload.(bus.MemoThreshold)
	if !ok {
		return nil
	}

	gap := h.cfg.Watchers.Memo.MinSpawnGap
	h.mu.Lock()
	since := time.Since(h.lastSpawn)
	if !h.lastSpawn.IsZero() && since < gap {
		h.mu.Unlock()
		log.Debug(log.CatSched, "architect spawn suppressed by min gap",
			"since", since.Round(time.Second).String(), "gap", gap.String())
		return nil
	}
	h.mu.Unlock()

	task := newTask(h.cfg, config.RoleArchitect, h.prompt(batch), "", ev.CorrelationID)
	id, err := h.sched.Schedule(ctx, task)
	if err != nil {
		return fmt.Errorf("scheduling architect: %w", err)
	}

	h.mu.Lock()
	h.lastSpawn = time.Now()
	h.mu.Unlock()

	if _, err := h.inbox.Consume(); err != nil {
		// The agent already holds the batch in its prompt; a failed
		// archive means the same memos may be re-presented later.
		log.ErrorErr(log.CatSched, "consuming memo inbox", err, "session", id)
	}

	log.Info(log.CatSched, "architect scheduled",
		"session", id, "memos", batch.Count)
	return nil
}

func (h *Architect) prompt(batch bus.MemoThreshold) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the architect. %d memos have accumulated in the inbox.\n", batch.Count)
	b.WriteString("Review them, cluster related notes, and create or update issue files under Issues/.\n\n")
	for _, m := range batch.Memos {
		fmt.Fprintf(&b, "## [%s]\n%s\n\n", m.Hash, m.Body)
	}
	return b.String()
}
