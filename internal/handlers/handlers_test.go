package handlers

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/IndenScale/monoco/internal/bus"
	"github.com/IndenScale/monoco/internal/config"
	"github.com/IndenScale/monoco/internal/issue"
	"github.com/IndenScale/monoco/internal/mailbox"
	"github.com/IndenScale/monoco/internal/memo"
	"github.com/IndenScale/monoco/internal/router"
	"github.com/IndenScale/monoco/internal/scheduler"
	"github.com/IndenScale/monoco/internal/session"
)

// fakeScheduler records scheduled tasks and can refuse on demand.
type fakeScheduler struct {
	mu    sync.Mutex
	tasks []session.Task
	err   error
}

func (f *fakeScheduler) Schedule(_ context.Context, task session.Task) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.tasks = append(f.tasks, task)
	return "session-" + task.TaskID, nil
}

func (f *fakeScheduler) Terminate(context.Context, string) (bool, error) { return false, nil }

func (f *fakeScheduler) GetStatus(string) (session.Status, error) {
	return session.StatusPending, nil
}

func (f *fakeScheduler) ListActive() map[string]session.Status { return nil }
func (f *fakeScheduler) GetStats() scheduler.Stats             { return scheduler.Stats{} }

func (f *fakeScheduler) scheduled() []session.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.Task(nil), f.tasks...)
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Watchers.Memo.MinSpawnGap = 0
	return &cfg
}

func TestArchitect_SchedulesAndConsumesInbox(t *testing.T) {
	sched := &fakeScheduler{}
	dir := t.TempDir()
	inbox := memo.NewInbox(filepath.Join(dir, "inbox.md"), filepath.Join(dir, "archive.md"))
	_, err := inbox.Append("note one")
	require.NoError(t, err)
	_, err = inbox.Append("note two")
	require.NoError(t, err)

	h := NewArchitect(sched, testConfig(), inbox)
	err = h.Handle(context.Background(), bus.Event{
		Type: bus.TypeMemoThreshold,
		Payload: bus.MemoThreshold{Count: 2, Memos: []bus.MemoEntry{
			{Hash: "aaaa", Body: "note one"},
			{Hash: "bbbb", Body: "note two"},
		}},
	})
	require.NoError(t, err)

	tasks := sched.scheduled()
	require.Len(t, tasks, 1)
	require.Equal(t, config.RoleArchitect, tasks[0].Role)
	require.True(t, tasks[0].RejectIfFull())
	require.Contains(t, tasks[0].Prompt, "note one")
	require.Contains(t, tasks[0].Prompt, "note two")

	// The batch is archived once the session is scheduled.
	count, err := inbox.Count()
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestArchitect_MinSpawnGapSuppresses(t *testing.T) {
	sched := &fakeScheduler{}
	cfg := testConfig()
	cfg.Watchers.Memo.MinSpawnGap = time.Hour

	dir := t.TempDir()
	inbox := memo.NewInbox(filepath.Join(dir, "inbox.md"), filepath.Join(dir, "archive.md"))
	h := NewArchitect(sched, cfg, inbox)

	ev := bus.Event{Type: bus.TypeMemoThreshold, Payload: bus.MemoThreshold{Count: 1}}
	require.NoError(t, h.Handle(context.Background(), ev))
	require.NoError(t, h.Handle(context.Background(), ev))

	require.Len(t, sched.scheduled(), 1)
}

func TestEngineer_OnlyDoingStageSchedules(t *testing.T) {
	sched := &fakeScheduler{}
	h := NewEngineer(sched, testConfig())

	for _, stage := range []string{issue.StageBacklog, issue.StageTodo, issue.StageReview, issue.StageDone} {
		require.NoError(t, h.Handle(context.Background(), bus.Event{
			Type:    bus.TypeIssueStageChanged,
			Payload: bus.IssueChange{IssueID: "FEAT-1", ToStage: stage},
		}))
	}
	require.Empty(t, sched.scheduled())

	require.NoError(t, h.Handle(context.Background(), bus.Event{
		Type:    bus.TypeIssueStageChanged,
		Payload: bus.IssueChange{IssueID: "FEAT-1", Path: "Issues/FEAT-1.md", ToStage: issue.StageDoing},
	}))

	tasks := sched.scheduled()
	require.Len(t, tasks, 1)
	require.Equal(t, config.RoleEngineer, tasks[0].Role)
	require.Equal(t, "FEAT-1", tasks[0].IssueID)
	require.Equal(t, "worktree", tasks[0].Isolation())
}

func TestReviewer_SchedulesOnPRCreated(t *testing.T) {
	sched := &fakeScheduler{}
	h := NewReviewer(sched, testConfig())

	require.NoError(t, h.Handle(context.Background(), bus.Event{
		Type:    bus.TypePRCreated,
		Payload: bus.PRCreated{IssueID: "FEAT-1", Branch: "monoco/engineer/FEAT-1", URL: "https://example.com/pr/1"},
	}))

	tasks := sched.scheduled()
	require.Len(t, tasks, 1)
	require.Equal(t, config.RoleReviewer, tasks[0].Role)
	require.Contains(t, tasks[0].Prompt, "monoco/engineer/FEAT-1")
}

func TestCoroner_SkipsOwnFailures(t *testing.T) {
	sched := &fakeScheduler{}
	h := NewCoroner(sched, testConfig())

	require.NoError(t, h.Handle(context.Background(), bus.Event{
		Type:    bus.TypeSessionFailed,
		Payload: bus.SessionChange{SessionID: "s1", Role: config.RoleCoroner},
	}))
	require.Empty(t, sched.scheduled())

	require.NoError(t, h.Handle(context.Background(), bus.Event{
		Type: bus.TypeSessionFailed,
		Payload: bus.SessionChange{
			SessionID: "s2", Role: config.RoleEngineer, IssueID: "FEAT-1",
			ExitCode: 3, Reason: "exit_code_3", LogLocation: "/logs/s2.log",
		},
	}))

	tasks := sched.scheduled()
	require.Len(t, tasks, 1)
	require.Equal(t, config.RoleCoroner, tasks[0].Role)
	require.Equal(t, "s2", tasks[0].ParentSessionID)
	require.Contains(t, tasks[0].Prompt, "/logs/s2.log")
}

func TestCoroner_PolicyRefusalSwallowed(t *testing.T) {
	sched := &fakeScheduler{err: scheduler.ErrCooldownActive}
	h := NewCoroner(sched, testConfig())

	require.NoError(t, h.Handle(context.Background(), bus.Event{
		Type:    bus.TypeSessionFailed,
		Payload: bus.SessionChange{SessionID: "s1", Role: config.RoleEngineer},
	}))
}

func inboundMessage(id, sessionID, body string) mailbox.Message {
	return mailbox.Message{
		Envelope: mailbox.Envelope{
			ID:       id,
			Provider: "lark",
			Session:  mailbox.SessionRef{ID: sessionID, Type: mailbox.SessionGroup},
			Participants: mailbox.Participants{
				Sender: mailbox.Participant{ID: "u1", Name: "Alice"},
			},
			Timestamp: time.Date(2026, 2, 6, 20, 45, 30, 0, time.UTC),
			Kind:      mailbox.KindText,
		},
		Body: body,
	}
}

func newMailboxAgent(t *testing.T, sched scheduler.AgentScheduler) (*MailboxAgent, *mailbox.Store, *bus.Bus) {
	t.Helper()
	rules, err := router.CompileRules([]config.RuleConfig{
		{Name: "deploy", Kind: "command", Pattern: "deploy", TargetRole: "engineer", Priority: 10, Enabled: true},
	})
	require.NoError(t, err)
	r, err := router.New(rules, nil)
	require.NoError(t, err)

	events := bus.New()
	t.Cleanup(events.Close)
	store := mailbox.NewStore(filepath.Join(t.TempDir(), "mailbox"))
	require.NoError(t, store.EnsureLayout([]string{"lark"}))
	return NewMailboxAgent(sched, testConfig(), r, store, events), store, events
}

func TestMailboxAgent_RoutesAndSchedules(t *testing.T) {
	sched := &fakeScheduler{}
	h, _, _ := newMailboxAgent(t, sched)

	require.NoError(t, h.Handle(context.Background(), bus.Event{
		Type:          bus.TypeMailboxInbound,
		CorrelationID: "corr-1",
		Payload: bus.InboundBatch{
			Provider:  "lark",
			SessionID: "chat-1",
			Messages:  []mailbox.Message{inboundMessage("m1", "chat-1", "/deploy the fix")},
		},
	}))

	tasks := sched.scheduled()
	require.Len(t, tasks, 1)
	require.Equal(t, config.RoleEngineer, tasks[0].Role)
	require.Equal(t, "corr-1", tasks[0].CorrelationID)
	require.Contains(t, tasks[0].Prompt, "Alice")
	require.Contains(t, tasks[0].Prompt, "/deploy the fix")
}

func TestMailboxAgent_GeneratesCorrelationWhenMissing(t *testing.T) {
	sched := &fakeScheduler{}
	h, _, _ := newMailboxAgent(t, sched)

	require.NoError(t, h.Handle(context.Background(), bus.Event{
		Type: bus.TypeMailboxInbound,
		Payload: bus.InboundBatch{
			Provider:  "lark",
			SessionID: "chat-1",
			Messages:  []mailbox.Message{inboundMessage("m1", "chat-1", "hello")},
		},
	}))

	tasks := sched.scheduled()
	require.Len(t, tasks, 1)
	require.NotEmpty(t, tasks[0].CorrelationID)
}

func TestMailboxAgent_RefusalWritesOutboundReply(t *testing.T) {
	sched := &fakeScheduler{err: scheduler.ErrQuotaExhausted}
	h, store, events := newMailboxAgent(t, sched)

	var mu sync.Mutex
	var outbound []bus.OutboundRequest
	sub := events.Subscribe(bus.HandlerFunc{
		HandlerName: "outbound-sink",
		Fn: func(_ context.Context, ev bus.Event) error {
			mu.Lock()
			defer mu.Unlock()
			outbound = append(outbound, ev.Payload.(bus.OutboundRequest))
			return nil
		},
	}, bus.TypeMailboxOutbound)
	defer sub.Cancel()

	require.NoError(t, h.Handle(context.Background(), bus.Event{
		Type: bus.TypeMailboxInbound,
		Payload: bus.InboundBatch{
			Provider:  "lark",
			SessionID: "chat-1",
			Messages:  []mailbox.Message{inboundMessage("m1", "chat-1", "/deploy now")},
		},
	}))

	paths, err := store.ListOutbound("lark")
	require.NoError(t, err)
	require.Len(t, paths, 1)

	reply, err := store.Read(paths[0])
	require.NoError(t, err)
	require.Equal(t, "monoco", reply.Envelope.Participants.Sender.ID)
	require.Equal(t, "m1", reply.Envelope.ReplyTo)
	require.Equal(t, "chat-1", reply.Envelope.Session.ID)
	require.True(t, strings.Contains(reply.Body, "retry"), "body %q", reply.Body)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(outbound) == 1
	}, 3*time.Second, 10*time.Millisecond)
	mu.Lock()
	req := outbound[0]
	mu.Unlock()
	require.Equal(t, "lark", req.Provider)
	require.Equal(t, "chat-1", req.SessionID)
	require.Equal(t, paths[0], req.Path)
	require.Equal(t, "m1", req.ReplyTo)
}

func TestMailboxAgent_HardErrorPropagates(t *testing.T) {
	sched := &fakeScheduler{err: scheduler.ErrUnknownRole}
	h, store, _ := newMailboxAgent(t, sched)

	err := h.Handle(context.Background(), bus.Event{
		Type: bus.TypeMailboxInbound,
		Payload: bus.InboundBatch{
			Provider:  "lark",
			SessionID: "chat-1",
			Messages:  []mailbox.Message{inboundMessage("m1", "chat-1", "hello")},
		},
	})
	require.ErrorIs(t, err, scheduler.ErrUnknownRole)

	paths, err := store.ListOutbound("lark")
	require.NoError(t, err)
	require.Empty(t, paths)
}

func TestRegister_SubscribesAllHandlers(t *testing.T) {
	b := bus.New()
	t.Cleanup(b.Close)

	dir := t.TempDir()
	inbox := memo.NewInbox(filepath.Join(dir, "inbox.md"), filepath.Join(dir, "archive.md"))
	rules, err := router.CompileRules(nil)
	require.NoError(t, err)
	r, err := router.New(rules, nil)
	require.NoError(t, err)

	subs := Register(Deps{
		Bus:       b,
		Scheduler: &fakeScheduler{},
		Config:    testConfig(),
		Inbox:     inbox,
		Router:    r,
		Mailbox:   mailbox.NewStore(filepath.Join(dir, "mailbox")),
	})
	require.Len(t, subs, 5)
	for _, sub := range subs {
		sub.Cancel()
	}
}
