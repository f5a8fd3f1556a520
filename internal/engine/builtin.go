package engine

import (
	"fmt"
	"sort"

	"github.com/IndenScale/monoco/internal/config"
)

// geminiAdapter invokes the Gemini CLI in headless mode.
//
// Argument pattern:
//   - Base: ["gemini"]
//   - Unattended: ["--yolo"] (auto-approve all actions)
//   - Prompt: ["-p", "<prompt>"]
type geminiAdapter struct{}

func (geminiAdapter) Name() string             { return "gemini" }
func (geminiAdapter) SupportsUnattended() bool { return true }

func (geminiAdapter) BuildCommand(prompt string, env map[string]string) []string {
	args := []string{"gemini", "--yolo"}
	if model := env["MODEL"]; model != "" {
		args = append(args, "-m", model)
	}
	return append(args, "-p", prompt)
}

// claudeAdapter invokes the Claude CLI in headless print mode.
//
// Argument pattern:
//   - Base: ["claude", "-p"]
//   - Unattended: ["--dangerously-skip-permissions"]
//   - Prompt: final positional argument
type claudeAdapter struct{}

func (claudeAdapter) Name() string             { return "claude" }
func (claudeAdapter) SupportsUnattended() bool { return true }

func (claudeAdapter) BuildCommand(prompt string, env map[string]string) []string {
	args := []string{"claude", "-p", "--dangerously-skip-permissions"}
	if model := env["MODEL"]; model != "" {
		args = append(args, "--model", model)
	}
	return append(args, prompt)
}

// kimiAdapter invokes the Kimi CLI. Same surface as claude's print mode.
type kimiAdapter struct{}

func (kimiAdapter) Name() string             { return "kimi" }
func (kimiAdapter) SupportsUnattended() bool { return true }

func (kimiAdapter) BuildCommand(prompt string, env map[string]string) []string {
	return []string{"kimi", "--yolo", "-p", prompt}
}

// qwenAdapter invokes the Qwen Code CLI (a gemini-cli fork, same flags).
type qwenAdapter struct{}

func (qwenAdapter) Name() string             { return "qwen" }
func (qwenAdapter) SupportsUnattended() bool { return true }

func (qwenAdapter) BuildCommand(prompt string, env map[string]string) []string {
	return []string{"qwen", "--yolo", "-p", prompt}
}

// localAdapter runs a local script, used in tests and air-gapped setups.
// The executable comes from MONOCO_LOCAL_AGENT in the task env.
type localAdapter struct{}

func (localAdapter) Name() string             { return "local" }
func (localAdapter) SupportsUnattended() bool { return true }

func (localAdapter) BuildCommand(prompt string, env map[string]string) []string {
	cmd := env["MONOCO_LOCAL_AGENT"]
	if cmd == "" {
		cmd = "monoco-local-agent"
	}
	return []string{cmd, prompt}
}

// configuredAdapter is built from an engines.{name} config entry. An entry
// without unattended_flag yields SupportsUnattended() == false, which makes
// the scheduler refuse the engine.
type configuredAdapter struct {
	name string
	cfg  config.EngineConfig
}

func (a configuredAdapter) Name() string             { return a.name }
func (a configuredAdapter) SupportsUnattended() bool { return a.cfg.UnattendedFlag != "" }

func (a configuredAdapter) BuildCommand(prompt string, env map[string]string) []string {
	cmd := a.cfg.Command
	if cmd == "" {
		cmd = a.name
	}
	args := []string{cmd}
	if a.cfg.UnattendedFlag != "" {
		args = append(args, a.cfg.UnattendedFlag)
	}
	args = append(args, a.cfg.ExtraArgs...)
	return append(args, prompt)
}

// NewDefaultRegistry seeds the registry with the built-in adapters plus the
// configuration-loaded set. A configured engine with the same name as a
// built-in replaces it.
func NewDefaultRegistry(engines map[string]config.EngineConfig) (*Registry, error) {
	byName := map[string]Adapter{
		"gemini": geminiAdapter{},
		"claude": claudeAdapter{},
		"kimi":   kimiAdapter{},
		"qwen":   qwenAdapter{},
		"local":  localAdapter{},
	}
	for name, cfg := range engines {
		byName[name] = configuredAdapter{name: name, cfg: cfg}
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	adapters := make([]Adapter, 0, len(byName))
	for _, name := range names {
		adapters = append(adapters, byName[name])
	}

	reg, err := NewRegistry(adapters...)
	if err != nil {
		return nil, fmt.Errorf("seeding engine registry: %w", err)
	}
	return reg, nil
}
