// Package state owns the .monoco/state.json singleton: one daemon per
// project root, with a small snapshot other tools can read.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrAlreadyRunning means another live daemon holds the state file.
var ErrAlreadyRunning = errors.New("daemon already running for this project")

// State is the persisted daemon snapshot.
type State struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Version   string    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// File manages the state file at one path.
type File struct {
	path string
}

// NewFile creates a state file handle.
func NewFile(path string) *File {
	return &File{path: path}
}

// Path returns the state file location.
func (f *File) Path() string { return f.path }

// Read returns the current state, or nil when absent.
func (f *File) Read() (*State, error) {
	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("unmarshaling state file: %w", err)
	}
	return &st, nil
}

// Acquire claims the state file for this process. A stale file left by a
// dead daemon is overwritten; a live holder is an error.
func (f *File) Acquire(version string) error {
	existing, err := f.Read()
	if err != nil {
		// Corrupt state file from a crash; claim it.
		existing = nil
	}
	if existing != nil && existing.PID != os.Getpid() && pidAlive(existing.PID) {
		return fmt.Errorf("%w: pid %d since %s",
			ErrAlreadyRunning, existing.PID, existing.StartedAt.Format(time.RFC3339))
	}

	now := time.Now()
	return f.write(State{
		PID:       os.Getpid(),
		StartedAt: now,
		Version:   version,
		UpdatedAt: now,
	})
}

// Touch refreshes the snapshot timestamp.
func (f *File) Touch() error {
	st, err := f.Read()
	if err != nil || st == nil {
		return err
	}
	st.UpdatedAt = time.Now()
	return f.write(*st)
}

// Release removes the state file if this process owns it.
func (f *File) Release() error {
	st, err := f.Read()
	if err != nil || st == nil {
		return err
	}
	if st.PID != os.Getpid() {
		return nil
	}
	return os.Remove(f.path)
}

func (f *File) write(st State) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return fmt.Errorf("writing state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(name, f.path); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("committing state: %w", err)
	}
	return nil
}
