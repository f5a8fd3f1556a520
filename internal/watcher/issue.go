package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/IndenScale/monoco/internal/bus"
	"github.com/IndenScale/monoco/internal/issue"
	"github.com/IndenScale/monoco/internal/log"
)

// issueState is the per-file memory the watcher diffs against.
type issueState struct {
	hash    string
	issueID string
	stage   string
}

// IssueWatcher walks the issue tree tracking a content hash per file and
// emits creation, stage-change, and close events. Deletions of closed
// issues are silent.
type IssueWatcher struct {
	root       string
	events     *bus.Bus
	newBackend BackendFactory

	state map[string]issueState
}

// NewIssueWatcher creates an issue watcher over root (the Issues directory).
func NewIssueWatcher(root string, events *bus.Bus, factory BackendFactory) *IssueWatcher {
	return &IssueWatcher{
		root:       root,
		events:     events,
		newBackend: factory,
		state:      make(map[string]issueState),
	}
}

func (w *IssueWatcher) Name() string { return "issue" }

// Run implements Watcher.
func (w *IssueWatcher) Run(ctx context.Context) error {
	backend, err := w.newBackend()
	if err != nil {
		return err
	}
	defer backend.Close()

	// Seed without emitting: issues present at startup are not creations.
	seeding := len(w.state) == 0
	if err := w.walk(backend, seeding); err != nil {
		return err
	}

	for {
		select {
		case ch, ok := <-backend.Events():
			if !ok {
				return nil
			}
			w.handle(backend, ch)

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

// walk registers every directory under root and optionally seeds file state.
func (w *IssueWatcher) walk(backend Backend, seed bool) error {
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return err
	}
	return filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // skip unreadable subtrees
		}
		if d.IsDir() {
			return backend.Add(path)
		}
		if seed && isIssueFile(path) {
			w.inspect(path, false)
		}
		return nil
	})
}

func isIssueFile(path string) bool {
	return strings.HasSuffix(path, ".md") && !strings.HasPrefix(filepath.Base(path), ".")
}

func (w *IssueWatcher) handle(backend Backend, ch Change) {
	if ch.Op == OpRemove {
		if st, ok := w.state[ch.Path]; ok {
			delete(w.state, ch.Path)
			if st.stage != issue.StageDone && st.stage != issue.StageClosed {
				log.Warn(log.CatWatcher, "open issue file removed",
					"path", ch.Path, "issue", st.issueID, "stage", st.stage)
			}
		}
		return
	}

	// New directories must be added to the watch set.
	if info, err := os.Stat(ch.Path); err == nil && info.IsDir() {
		if err := backend.Add(ch.Path); err != nil {
			log.Warn(log.CatWatcher, "watching new issue dir", "path", ch.Path, "err", err.Error())
		}
		return
	}

	if isIssueFile(ch.Path) {
		w.inspect(ch.Path, true)
	}
}

// inspect re-reads one issue file and emits events for observed changes.
func (w *IssueWatcher) inspect(path string, emit bool) {
	raw, err := os.ReadFile(path) //nolint:gosec // G304: path is inside the watched tree
	if err != nil {
		return
	}
	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])

	prev, known := w.state[path]
	if known && prev.hash == hash {
		return
	}

	iss, err := issue.Parse(string(raw))
	if err != nil {
		log.Warn(log.CatWatcher, "unparseable issue file", "path", path, "err", err.Error())
		w.state[path] = issueState{hash: hash, issueID: prev.issueID, stage: prev.stage}
		return
	}

	w.state[path] = issueState{hash: hash, issueID: iss.ID, stage: iss.Stage}
	if !emit {
		return
	}

	switch {
	case !known:
		w.events.Publish(bus.TypeIssueCreated, "", bus.IssueChange{
			IssueID: iss.ID,
			Path:    path,
			ToStage: iss.Stage,
		})
		log.Info(log.CatWatcher, "issue created", "issue", iss.ID, "stage", iss.Stage)

	case prev.stage != iss.Stage:
		change := bus.IssueChange{
			IssueID:   iss.ID,
			Path:      path,
			FromStage: prev.stage,
			ToStage:   iss.Stage,
		}
		w.events.Publish(bus.TypeIssueStageChanged, "", change)
		if iss.Closed() {
			w.events.Publish(bus.TypeIssueClosed, "", change)
		}
		log.Info(log.CatWatcher, "issue stage changed",
			"issue", iss.ID, "from", prev.stage, "to", iss.Stage)
	}
}
