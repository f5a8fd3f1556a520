package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/IndenScale/monoco/internal/bus"
	"github.com/IndenScale/monoco/internal/config"
	"github.com/IndenScale/monoco/internal/log"
	"github.com/IndenScale/monoco/internal/mailbox"
)

// sessionBatch accumulates inbound messages for one external conversation
// until its quiescence window elapses.
type sessionBatch struct {
	provider  string
	sessionID string
	messages  []mailbox.Message
	timer     *time.Timer
}

// MailboxWatcher watches inbound provider directories, quarantines
// malformed files, and publishes per-session message batches after a
// provider-specific debounce window.
type MailboxWatcher struct {
	store      *mailbox.Store
	cfg        config.MailboxWatcherConfig
	events     *bus.Bus
	newBackend BackendFactory

	mu      sync.Mutex
	pending map[string]*sessionBatch
	// seen survives Run restarts so a file is published at most once per
	// daemon lifetime.
	seen map[string]bool

	flush chan string
}

// NewMailboxWatcher creates a mailbox inbound watcher.
func NewMailboxWatcher(store *mailbox.Store, cfg config.MailboxWatcherConfig,
	events *bus.Bus, factory BackendFactory) *MailboxWatcher {
	return &MailboxWatcher{
		store:      store,
		cfg:        cfg,
		events:     events,
		newBackend: factory,
		pending:    make(map[string]*sessionBatch),
		seen:       make(map[string]bool),
		flush:      make(chan string, 64),
	}
}

func (w *MailboxWatcher) Name() string { return "mailbox" }

func (w *MailboxWatcher) inboundRoot() string {
	return filepath.Join(w.store.Root(), "inbound")
}

// Run implements Watcher.
func (w *MailboxWatcher) Run(ctx context.Context) error {
	backend, err := w.newBackend()
	if err != nil {
		return err
	}
	defer backend.Close()

	if err := os.MkdirAll(w.inboundRoot(), 0o755); err != nil {
		return err
	}
	if err := backend.Add(w.inboundRoot()); err != nil {
		return err
	}

	providers, err := w.store.Providers()
	if err != nil {
		return err
	}
	for _, p := range providers {
		if err := backend.Add(w.store.InboundDir(p)); err != nil {
			return err
		}
		w.scanBacklog(p)
	}

	for {
		select {
		case ch, ok := <-backend.Events():
			if !ok {
				return nil
			}
			if ch.Op == OpRemove {
				continue
			}
			w.handle(backend, ch.Path)

		case key := <-w.flush:
			w.publish(key)

		case err, ok := <-backend.Errors():
			if !ok {
				return nil
			}
			return err

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// scanBacklog ingests files that arrived while the daemon was down.
func (w *MailboxWatcher) scanBacklog(provider string) {
	entries, err := os.ReadDir(w.store.InboundDir(provider))
	if err != nil {
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		w.ingest(filepath.Join(w.store.InboundDir(provider), name))
	}
}

func (w *MailboxWatcher) handle(backend Backend, path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	// A new directory directly under inbound/ is a new provider.
	if info.IsDir() {
		if filepath.Dir(path) == w.inboundRoot() {
			if err := backend.Add(path); err != nil {
				log.Warn(log.CatWatcher, "watching new provider dir",
					"path", path, "err", err.Error())
				return
			}
			w.scanBacklog(filepath.Base(path))
		}
		return
	}

	w.ingest(path)
}

// ingest parses one inbound file, quarantining malformed ones and folding
// valid ones into their session's debounce batch.
func (w *MailboxWatcher) ingest(path string) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".md") || strings.HasPrefix(base, ".") {
		return
	}

	w.mu.Lock()
	if w.seen[path] {
		w.mu.Unlock()
		return
	}
	w.seen[path] = true
	w.mu.Unlock()

	provider := mailbox.ProviderFromPath(path)
	msg, err := w.store.Read(path)
	if err != nil {
		if errors.Is(err, mailbox.ErrMalformed) {
			rejected, qerr := w.store.Quarantine(path)
			if qerr != nil {
				log.ErrorErr(log.CatWatcher, "quarantining malformed message", qerr, "path", path)
				return
			}
			// The path may come back with valid content; allow it again.
			w.mu.Lock()
			delete(w.seen, path)
			w.mu.Unlock()
			w.events.Publish(bus.TypeMailboxMalformed, "", bus.MalformedMessage{
				Provider:     provider,
				OriginalPath: path,
				RejectedPath: rejected,
				Reason:       err.Error(),
			})
			log.Warn(log.CatWatcher, "malformed message quarantined",
				"provider", provider, "path", path)
			return
		}
		log.ErrorErr(log.CatWatcher, "reading inbound message", err, "path", path)
		return
	}

	sessionID := msg.Envelope.Session.ID
	key := provider + "/" + sessionID
	window := w.cfg.DebounceFor(provider)

	w.mu.Lock()
	b, ok := w.pending[key]
	if !ok {
		b = &sessionBatch{provider: provider, sessionID: sessionID}
		w.pending[key] = b
	}
	b.messages = append(b.messages, *msg)

	if window <= 0 {
		w.mu.Unlock()
		w.publish(key)
		return
	}

	// The window resets on every message in the same session.
	if b.timer == nil {
		b.timer = time.AfterFunc(window, func() {
			select {
			case w.flush <- key:
			default:
			}
		})
	} else {
		b.timer.Reset(window)
	}
	w.mu.Unlock()
}

// publish emits one batch as a single MAILBOX_INBOUND_RECEIVED event,
// ordered by filename (timestamp order).
func (w *MailboxWatcher) publish(key string) {
	w.mu.Lock()
	b, ok := w.pending[key]
	if !ok {
		w.mu.Unlock()
		return
	}
	delete(w.pending, key)
	if b.timer != nil {
		b.timer.Stop()
	}
	w.mu.Unlock()

	if len(b.messages) == 0 {
		return
	}
	sort.Slice(b.messages, func(i, j int) bool {
		return b.messages[i].Path < b.messages[j].Path
	})

	correlation := ""
	for _, m := range b.messages {
		if c := m.CorrelationID(); c != "" {
			correlation = c
			break
		}
	}

	w.events.Publish(bus.TypeMailboxInbound, correlation, bus.InboundBatch{
		Provider:  b.provider,
		SessionID: b.sessionID,
		Messages:  b.messages,
	})
	log.Info(log.CatWatcher, "inbound batch published",
		"provider", b.provider, "session", b.sessionID, "count", len(b.messages))
}
