// Package engine maps named LLM CLI providers to argv builders. The
// scheduler never shells out directly; it asks the registered adapter for
// the invocation and refuses engines that cannot run unattended.
package engine

import (
	"errors"
	"fmt"
	"sort"
)

// ErrNotRegistered is returned when a task names an unknown engine.
var ErrNotRegistered = errors.New("engine not registered")

// ErrUnattendedUnsupported is returned when an engine has no unattended
// (no-confirm) mode; the scheduler must refuse to schedule it.
var ErrUnattendedUnsupported = errors.New("engine does not support unattended mode")

// Adapter builds the command line for one provider.
type Adapter interface {
	// Name returns the provider name (gemini, claude, kimi, qwen, local, ...).
	Name() string

	// BuildCommand returns the argv (program + args) that runs the prompt
	// headlessly. env carries role-specific variables the adapter may fold
	// into flags.
	BuildCommand(prompt string, env map[string]string) []string

	// SupportsUnattended reports whether the provider can run without
	// interactive confirmation prompts.
	SupportsUnattended() bool
}

// Registry is an immutable name -> adapter mapping, seeded once at startup.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry from the given adapters. Duplicate names
// are a configuration error.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	m := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		if _, dup := m[a.Name()]; dup {
			return nil, fmt.Errorf("duplicate engine adapter %q", a.Name())
		}
		m[a.Name()] = a
	}
	return &Registry{adapters: m}, nil
}

// Get returns the adapter for name.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	return a, nil
}

// Names returns the registered adapter names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
