package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/IndenScale/monoco/internal/bus"
	"github.com/IndenScale/monoco/internal/config"
	"github.com/IndenScale/monoco/internal/issue"
	"github.com/IndenScale/monoco/internal/mailbox"
	"github.com/IndenScale/monoco/internal/memo"
)

// eventSink collects published events for assertions.
type eventSink struct {
	mu     sync.Mutex
	events []bus.Event
}

func (s *eventSink) Name() string { return "sink" }

func (s *eventSink) Handle(_ context.Context, ev bus.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *eventSink) byType(t bus.Type) []bus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []bus.Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (s *eventSink) waitFor(t *testing.T, typ bus.Type, n int) []bus.Event {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(s.byType(typ)) >= n
	}, 3*time.Second, 10*time.Millisecond, "waiting for %d %s events", n, typ)
	return s.byType(typ)
}

func newSinkBus(t *testing.T) (*bus.Bus, *eventSink) {
	t.Helper()
	b := bus.New()
	t.Cleanup(b.Close)
	sink := &eventSink{}
	b.SubscribeAll(sink)
	return b, sink
}

func TestMemoWatcher_ThresholdAndRearm(t *testing.T) {
	events, sink := newSinkBus(t)
	dir := t.TempDir()
	inbox := memo.NewInbox(filepath.Join(dir, "inbox.md"), filepath.Join(dir, "archive.md"))
	w := NewMemoWatcher(inbox, events, 2, nil)

	_, err := inbox.Append("first note")
	require.NoError(t, err)
	w.evaluate()

	created := sink.waitFor(t, bus.TypeMemoCreated, 1)
	require.Equal(t, "first note", created[0].Payload.(bus.MemoEntry).Body)
	require.Empty(t, sink.byType(bus.TypeMemoThreshold))

	_, err = inbox.Append("second note")
	require.NoError(t, err)
	w.evaluate()

	thresholds := sink.waitFor(t, bus.TypeMemoThreshold, 1)
	payload := thresholds[0].Payload.(bus.MemoThreshold)
	require.Equal(t, 2, payload.Count)
	require.Len(t, payload.Memos, 2)

	// Re-evaluating the unchanged inbox does not re-fire the threshold.
	w.evaluate()
	time.Sleep(100 * time.Millisecond)
	require.Len(t, sink.byType(bus.TypeMemoThreshold), 1)

	// Consumption re-arms the trigger.
	_, err = inbox.Consume()
	require.NoError(t, err)
	w.evaluate()

	_, err = inbox.Append("third note")
	require.NoError(t, err)
	_, err = inbox.Append("fourth note")
	require.NoError(t, err)
	w.evaluate()
	sink.waitFor(t, bus.TypeMemoThreshold, 2)
}

func writeIssue(t *testing.T, path, id, stage string) {
	t.Helper()
	raw := "---\nid: " + id + "\nstage: " + stage + "\n---\nbody\n"
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))
}

func TestIssueWatcher_LifecycleEvents(t *testing.T) {
	events, sink := newSinkBus(t)
	root := t.TempDir()
	w := NewIssueWatcher(root, events, nil)

	path := filepath.Join(root, "FEAT-1.md")
	writeIssue(t, path, "FEAT-1", issue.StageTodo)
	w.inspect(path, true)

	created := sink.waitFor(t, bus.TypeIssueCreated, 1)
	require.Equal(t, "FEAT-1", created[0].Payload.(bus.IssueChange).IssueID)
	require.Equal(t, issue.StageTodo, created[0].Payload.(bus.IssueChange).ToStage)

	// Unchanged content is skipped via the hash check.
	w.inspect(path, true)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, sink.byType(bus.TypeIssueCreated), 1)

	writeIssue(t, path, "FEAT-1", issue.StageDoing)
	w.inspect(path, true)

	changed := sink.waitFor(t, bus.TypeIssueStageChanged, 1)
	change := changed[0].Payload.(bus.IssueChange)
	require.Equal(t, issue.StageTodo, change.FromStage)
	require.Equal(t, issue.StageDoing, change.ToStage)
	require.Empty(t, sink.byType(bus.TypeIssueClosed))

	writeIssue(t, path, "FEAT-1", issue.StageDone)
	w.inspect(path, true)

	sink.waitFor(t, bus.TypeIssueStageChanged, 2)
	closed := sink.waitFor(t, bus.TypeIssueClosed, 1)
	require.Equal(t, issue.StageDone, closed[0].Payload.(bus.IssueChange).ToStage)
}

func TestIssueWatcher_SeedDoesNotEmit(t *testing.T) {
	events, sink := newSinkBus(t)
	root := t.TempDir()
	w := NewIssueWatcher(root, events, nil)

	path := filepath.Join(root, "FEAT-2.md")
	writeIssue(t, path, "FEAT-2", issue.StageDoing)
	w.inspect(path, false)

	time.Sleep(100 * time.Millisecond)
	require.Empty(t, sink.byType(bus.TypeIssueCreated))

	// A later stage change still diffs against the seeded state.
	writeIssue(t, path, "FEAT-2", issue.StageReview)
	w.inspect(path, true)
	sink.waitFor(t, bus.TypeIssueStageChanged, 1)
}

func newMailboxWatcher(t *testing.T, cfg config.MailboxWatcherConfig) (*MailboxWatcher, *mailbox.Store, *eventSink) {
	t.Helper()
	events, sink := newSinkBus(t)
	store := mailbox.NewStore(filepath.Join(t.TempDir(), "mailbox"))
	require.NoError(t, store.EnsureLayout([]string{"lark", "email"}))
	return NewMailboxWatcher(store, cfg, events, nil), store, sink
}

func inboundEnvelope(provider, id, sessionID string) mailbox.Envelope {
	return mailbox.Envelope{
		ID:       id,
		Provider: provider,
		Session:  mailbox.SessionRef{ID: sessionID, Type: mailbox.SessionGroup},
		Participants: mailbox.Participants{
			Sender: mailbox.Participant{ID: "u1", Name: "Alice"},
		},
		Timestamp: time.Date(2026, 2, 6, 20, 45, 30, 0, time.UTC),
		Kind:      mailbox.KindText,
	}
}

func TestMailboxWatcher_ZeroWindowPublishesImmediately(t *testing.T) {
	w, store, sink := newMailboxWatcher(t, config.MailboxWatcherConfig{
		Debounce:        map[string]time.Duration{"email": 0},
		DefaultDebounce: 30 * time.Second,
	})

	path, err := store.CreateInbound("email", inboundEnvelope("email", "m1", "thread-1"), "hello\n")
	require.NoError(t, err)
	w.ingest(path)

	batches := sink.waitFor(t, bus.TypeMailboxInbound, 1)
	payload := batches[0].Payload.(bus.InboundBatch)
	require.Equal(t, "email", payload.Provider)
	require.Equal(t, "thread-1", payload.SessionID)
	require.Len(t, payload.Messages, 1)
	require.Equal(t, "hello\n", payload.Messages[0].Body)
}

func TestMailboxWatcher_DebounceBatchesPerSession(t *testing.T) {
	w, store, sink := newMailboxWatcher(t, config.MailboxWatcherConfig{
		DefaultDebounce: 80 * time.Millisecond,
	})

	env1 := inboundEnvelope("lark", "m1", "chat-1")
	p1, err := store.CreateInbound("lark", env1, "first\n")
	require.NoError(t, err)

	env2 := inboundEnvelope("lark", "m2", "chat-1")
	env2.Timestamp = env2.Timestamp.Add(time.Second)
	p2, err := store.CreateInbound("lark", env2, "second\n")
	require.NoError(t, err)

	w.ingest(p1)
	w.ingest(p2)

	// Nothing published before the window elapses.
	require.Empty(t, sink.byType(bus.TypeMailboxInbound))

	// The flush request fires after the quiescence window; drain it the way
	// the run loop would.
	select {
	case key := <-w.flush:
		w.publish(key)
	case <-time.After(2 * time.Second):
		t.Fatal("debounce timer never fired")
	}

	batches := sink.waitFor(t, bus.TypeMailboxInbound, 1)
	payload := batches[0].Payload.(bus.InboundBatch)
	require.Len(t, payload.Messages, 2)
	require.Equal(t, "first\n", payload.Messages[0].Body)
	require.Equal(t, "second\n", payload.Messages[1].Body)
}

func TestMailboxWatcher_IngestIsIdempotentPerPath(t *testing.T) {
	w, store, sink := newMailboxWatcher(t, config.MailboxWatcherConfig{
		Debounce: map[string]time.Duration{"email": 0},
	})

	path, err := store.CreateInbound("email", inboundEnvelope("email", "m1", "t1"), "hi\n")
	require.NoError(t, err)
	w.ingest(path)
	w.ingest(path)

	sink.waitFor(t, bus.TypeMailboxInbound, 1)
	time.Sleep(100 * time.Millisecond)
	require.Len(t, sink.byType(bus.TypeMailboxInbound), 1)
}

func TestMailboxWatcher_MalformedQuarantinedThenCorrectedProcessed(t *testing.T) {
	w, store, sink := newMailboxWatcher(t, config.MailboxWatcherConfig{
		Debounce: map[string]time.Duration{"email": 0},
	})

	path := filepath.Join(store.InboundDir("email"), "20260206T204530_email_m1.md")
	require.NoError(t, os.WriteFile(path, []byte("no front matter"), 0o644))
	w.ingest(path)

	malformed := sink.waitFor(t, bus.TypeMailboxMalformed, 1)
	payload := malformed[0].Payload.(bus.MalformedMessage)
	require.Equal(t, "email", payload.Provider)
	require.Equal(t, path, payload.OriginalPath)
	require.FileExists(t, payload.RejectedPath)
	require.NoFileExists(t, path)
	require.Empty(t, sink.byType(bus.TypeMailboxInbound))

	// A corrected file under the same name is processed normally.
	raw, err := mailbox.Render(inboundEnvelope("email", "m1", "t1"), "fixed\n")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	w.ingest(path)

	batches := sink.waitFor(t, bus.TypeMailboxInbound, 1)
	require.Equal(t, "fixed\n", batches[0].Payload.(bus.InboundBatch).Messages[0].Body)
}

func TestMailboxWatcher_BatchCarriesFirstCorrelationID(t *testing.T) {
	w, store, sink := newMailboxWatcher(t, config.MailboxWatcherConfig{
		Debounce: map[string]time.Duration{"email": 0},
	})

	env := inboundEnvelope("email", "m1", "t1")
	env.Correlation = &mailbox.Correlation{CorrelationID: "corr-7"}
	path, err := store.CreateInbound("email", env, "hi\n")
	require.NoError(t, err)
	w.ingest(path)

	batches := sink.waitFor(t, bus.TypeMailboxInbound, 1)
	require.Equal(t, "corr-7", batches[0].CorrelationID)
}
