package watcher

import (
	"context"
	"path/filepath"
	"time"

	"github.com/IndenScale/monoco/internal/bus"
	"github.com/IndenScale/monoco/internal/log"
	"github.com/IndenScale/monoco/internal/memo"
)

// memoDebounce coalesces rapid appends to the inbox before counting.
const memoDebounce = 500 * time.Millisecond

// MemoWatcher counts memo inbox entries and publishes MEMO_THRESHOLD once
// enough notes accumulate. Consumption (truncation) resets the trigger.
type MemoWatcher struct {
	inbox      *memo.Inbox
	events     *bus.Bus
	threshold  int
	newBackend BackendFactory

	lastCount   int
	lastEmitted int
}

// NewMemoWatcher creates a memo watcher.
func NewMemoWatcher(inbox *memo.Inbox, events *bus.Bus, threshold int, factory BackendFactory) *MemoWatcher {
	return &MemoWatcher{
		inbox:      inbox,
		events:     events,
		threshold:  threshold,
		newBackend: factory,
	}
}

func (w *MemoWatcher) Name() string { return "memo" }

// Run implements Watcher.
func (w *MemoWatcher) Run(ctx context.Context) error {
	backend, err := w.newBackend()
	if err != nil {
		return err
	}
	defer backend.Close()

	if err := backend.Add(filepath.Dir(w.inbox.Path())); err != nil {
		return err
	}

	// Catch a backlog written while the daemon was down.
	w.evaluate()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case ch, ok := <-backend.Events():
			if !ok {
				return nil
			}
			if ch.Path != w.inbox.Path() {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(memoDebounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(memoDebounce)
			}

		case <-timerC:
			w.evaluate()

		case err, ok := <-backend.Errors():
			if !ok {
				return nil
			}
			return err

		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		}
	}
}

// evaluate re-counts the inbox and publishes accumulation events.
func (w *MemoWatcher) evaluate() {
	entries, err := w.inbox.Read()
	if err != nil {
		log.ErrorErr(log.CatWatcher, "reading memo inbox", err)
		return
	}
	count := len(entries)

	if count > w.lastCount {
		newest := entries[count-1]
		w.events.Publish(bus.TypeMemoCreated, "", bus.MemoEntry{
			Hash: newest.Hash,
			Body: newest.Body,
		})
	}
	w.lastCount = count

	if count < w.threshold {
		// Truncation after consumption re-arms the trigger.
		w.lastEmitted = 0
		return
	}
	if count == w.lastEmitted {
		return
	}

	memos := make([]bus.MemoEntry, len(entries))
	for i, e := range entries {
		memos[i] = bus.MemoEntry{Hash: e.Hash, Body: e.Body}
	}
	w.events.Publish(bus.TypeMemoThreshold, "", bus.MemoThreshold{
		Count: count,
		Memos: memos,
	})
	w.lastEmitted = count
	log.Info(log.CatWatcher, "memo threshold reached", "count", count, "threshold", w.threshold)
}
