package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// fileSig is the change signature the poller tracks per file.
type fileSig struct {
	modTime time.Time
	size    int64
}

// PollBackend is the fallback Backend for filesystems without native change
// notification. It scans watched directories at a fixed interval and derives
// create/write/remove signals from modtime and size deltas.
type PollBackend struct {
	interval time.Duration
	events   chan Change
	errs     chan error
	cancel   context.CancelFunc

	mu        sync.Mutex
	dirs      []string
	known     map[string]fileSig
	knownDirs map[string]bool
}

// Compile-time check.
var _ Backend = (*PollBackend)(nil)

// NewPoll creates a polling backend with the given scan interval.
func NewPoll(interval time.Duration) *PollBackend {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &PollBackend{
		interval:  interval,
		events:    make(chan Change, 64),
		errs:      make(chan error, 1),
		cancel:    cancel,
		known:     make(map[string]fileSig),
		knownDirs: make(map[string]bool),
	}
	go b.loop(ctx)
	return b
}

// Add registers a directory and seeds its current contents so the first
// scan does not replay existing files as creations.
func (b *PollBackend) Add(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.dirs {
		if d == path {
			return nil
		}
	}
	b.dirs = append(b.dirs, path)

	entries, err := os.ReadDir(path)
	if err != nil {
		// Directory may appear later; scan picks it up then.
		return nil //nolint:nilerr
	}
	for _, e := range entries {
		child := filepath.Join(path, e.Name())
		if e.IsDir() {
			b.knownDirs[child] = true
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		b.known[child] = fileSig{info.ModTime(), info.Size()}
	}
	return nil
}

func (b *PollBackend) Events() <-chan Change { return b.events }
func (b *PollBackend) Errors() <-chan error  { return b.errs }

func (b *PollBackend) Close() error {
	b.cancel()
	return nil
}

func (b *PollBackend) loop(ctx context.Context) {
	defer close(b.events)
	defer close(b.errs)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, ch := range b.scan() {
				select {
				case b.events <- ch:
				case <-ctx.Done():
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// scan diffs every watched directory against the known signatures.
func (b *PollBackend) scan() []Change {
	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[string]bool, len(b.known))
	seenDirs := make(map[string]bool, len(b.knownDirs))
	var changes []Change

	for _, dir := range b.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			path := filepath.Join(dir, e.Name())
			if e.IsDir() {
				// New directories are reported like fsnotify does, so
				// consumers can register them for watching.
				seenDirs[path] = true
				if !b.knownDirs[path] {
					b.knownDirs[path] = true
					changes = append(changes, Change{Path: path, Op: OpCreate})
				}
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			seen[path] = true
			sig := fileSig{info.ModTime(), info.Size()}

			prev, ok := b.known[path]
			switch {
			case !ok:
				changes = append(changes, Change{Path: path, Op: OpCreate})
			case prev != sig:
				changes = append(changes, Change{Path: path, Op: OpWrite})
			}
			b.known[path] = sig
		}
	}

	for path := range b.known {
		if !seen[path] {
			delete(b.known, path)
			changes = append(changes, Change{Path: path, Op: OpRemove})
		}
	}
	for path := range b.knownDirs {
		if !seenDirs[path] {
			delete(b.knownDirs, path)
			changes = append(changes, Change{Path: path, Op: OpRemove})
		}
	}
	return changes
}
