// Package watcher translates filesystem activity into typed bus events.
// Three watchers share one change-notification abstraction: the memo inbox,
// the issue tree, and the mailbox inbound directories.
package watcher

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"
)

// Op classifies a filesystem change.
type Op int

const (
	OpCreate Op = iota
	OpWrite
	OpRemove
)

// Change is one observed filesystem change.
type Change struct {
	Path string
	Op   Op
}

// Backend produces change notifications for a set of watched directories.
// The native and polling implementations emit identical signals so the
// watchers above them never care which is active.
type Backend interface {
	// Add registers a directory (non-recursive).
	Add(path string) error

	// Events streams observed changes.
	Events() <-chan Change

	// Errors streams backend faults. A closed error channel means the
	// backend died and should be restarted.
	Errors() <-chan error

	// Close releases resources and closes both channels.
	Close() error
}

// NativeBackend adapts fsnotify to the Backend interface.
type NativeBackend struct {
	fsw    *fsnotify.Watcher
	events chan Change
	errs   chan error
	cancel context.CancelFunc
}

// Compile-time check.
var _ Backend = (*NativeBackend)(nil)

// NewNative creates an fsnotify-backed watcher backend.
func NewNative() (*NativeBackend, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &NativeBackend{
		fsw:    fsw,
		events: make(chan Change, 64),
		errs:   make(chan error, 1),
		cancel: cancel,
	}
	go b.loop(ctx)
	return b, nil
}

func (b *NativeBackend) loop(ctx context.Context) {
	defer close(b.events)
	defer close(b.errs)

	for {
		select {
		case ev, ok := <-b.fsw.Events:
			if !ok {
				return
			}
			var op Op
			switch {
			case ev.Op&fsnotify.Create != 0:
				op = OpCreate
			case ev.Op&fsnotify.Write != 0:
				op = OpWrite
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				op = OpRemove
			default:
				continue
			}
			select {
			case b.events <- Change{Path: ev.Name, Op: op}:
			case <-ctx.Done():
				return
			}

		case err, ok := <-b.fsw.Errors:
			if !ok {
				return
			}
			select {
			case b.errs <- err:
			default:
			}

		case <-ctx.Done():
			return
		}
	}
}

func (b *NativeBackend) Add(path string) error { return b.fsw.Add(path) }
func (b *NativeBackend) Events() <-chan Change { return b.events }
func (b *NativeBackend) Errors() <-chan error  { return b.errs }

func (b *NativeBackend) Close() error {
	b.cancel()
	return b.fsw.Close()
}
