// Package config provides configuration types and defaults for the monoco
// daemon. Configuration is loaded from .monoco/config.yaml via viper with
// MONOCO_* environment overrides.
package config

import (
	"fmt"
	"time"
)

// Roles recognized by the scheduler. The mailbox role is also addressed as
// "prime" in routing rules.
const (
	RoleArchitect = "architect"
	RoleEngineer  = "engineer"
	RoleReviewer  = "reviewer"
	RoleCoroner   = "coroner"
	RoleMailbox   = "mailbox"
)

// KnownRoles lists every role the scheduler accepts.
func KnownRoles() []string {
	return []string{RoleArchitect, RoleEngineer, RoleReviewer, RoleCoroner, RoleMailbox}
}

// MaxSubagentDepthCap is the hard upper bound for scheduler.subagent.max_depth.
const MaxSubagentDepthCap = 5

// ConcurrencyConfig holds the scheduler quota settings.
type ConcurrencyConfig struct {
	// PerRole maps a role name to its maximum concurrent sessions.
	PerRole map[string]int `mapstructure:"per_role"`
	// Global caps concurrent sessions across all roles.
	Global int `mapstructure:"global"`
}

// SubagentConfig bounds the parent/child session chain.
type SubagentConfig struct {
	MaxDepth int `mapstructure:"max_depth"`
}

// CooldownConfig drives the swarm-storm guard: after a failure, scheduling
// the same (role, issue) backs off exponentially.
type CooldownConfig struct {
	Initial  time.Duration `mapstructure:"initial"`
	Max      time.Duration `mapstructure:"max"`
	Attempts int           `mapstructure:"attempts"`
}

// SchedulerConfig groups all scheduler settings.
type SchedulerConfig struct {
	Concurrency     ConcurrencyConfig `mapstructure:"concurrency"`
	Subagent        SubagentConfig    `mapstructure:"subagent"`
	FailureCooldown CooldownConfig    `mapstructure:"failure_cooldown"`
}

// MailboxWatcherConfig holds per-provider debounce windows.
type MailboxWatcherConfig struct {
	// Debounce maps a provider name to its quiescence window. A zero
	// window publishes each message as its own batch.
	Debounce map[string]time.Duration `mapstructure:"debounce"`
	// DefaultDebounce applies to providers not listed in Debounce.
	DefaultDebounce time.Duration `mapstructure:"default_debounce"`
	// CourierInterval is how often outbound directories are drained.
	CourierInterval time.Duration `mapstructure:"courier_interval"`
}

// ProviderConfig describes one external messaging provider.
type ProviderConfig struct {
	// SendCommand is the argv invoked to deliver one outbound message;
	// the rendered message is piped to its stdin. Empty disables the
	// courier for this provider.
	SendCommand []string `mapstructure:"send_command"`
}

// MemoWatcherConfig holds memo accumulation settings.
type MemoWatcherConfig struct {
	Threshold int `mapstructure:"threshold"`
	// MinSpawnGap is the minimum time between successive Architect spawns.
	MinSpawnGap time.Duration `mapstructure:"min_spawn_gap"`
}

// WatchersConfig groups all watcher settings.
type WatchersConfig struct {
	Mailbox MailboxWatcherConfig `mapstructure:"mailbox"`
	Memo    MemoWatcherConfig    `mapstructure:"memo"`
	// PollInterval is the polling fallback interval for filesystems
	// without native change notification.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// ForcePolling disables the fsnotify backend (network filesystems).
	ForcePolling bool `mapstructure:"force_polling"`
}

// EngineConfig describes one configuration-loaded engine adapter.
type EngineConfig struct {
	// Command is the executable to invoke; defaults to the engine name.
	Command string `mapstructure:"command"`
	// UnattendedFlag is the no-confirm flag the engine requires for
	// unattended runs. Absence disables scheduling for that engine.
	UnattendedFlag string `mapstructure:"unattended_flag"`
	// ExtraArgs are appended before the prompt.
	ExtraArgs []string `mapstructure:"extra_args"`
}

// RoleConfig binds a role to the engine that runs it.
type RoleConfig struct {
	// Engine overrides default_engine for this role.
	Engine string `mapstructure:"engine"`
	// Timeout bounds sessions of this role; zero means unbounded.
	Timeout time.Duration `mapstructure:"timeout"`
}

// RuleConfig describes one routing rule.
type RuleConfig struct {
	Name       string `mapstructure:"name"`
	Kind       string `mapstructure:"kind"` // command|mention|keyword|regex|fallback
	Pattern    string `mapstructure:"pattern"`
	TargetRole string `mapstructure:"target_role"`
	Priority   int    `mapstructure:"priority"`
	Enabled    bool   `mapstructure:"enabled"`
}

// RoutingConfig groups message routing settings.
type RoutingConfig struct {
	Rules []RuleConfig `mapstructure:"rules"`
}

// TracingConfig mirrors the tracing subsystem settings.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"` // none|file|stdout|otlp
	FilePath     string  `mapstructure:"file_path"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

// Config holds all daemon configuration.
type Config struct {
	// ConfigFile is the path configuration was loaded from; set by Load.
	ConfigFile string `mapstructure:"-"`

	// ProjectRoot is the repository the daemon serves. Defaults to the
	// working directory.
	ProjectRoot string `mapstructure:"project_root"`

	// DefaultEngine runs any role without an explicit engine binding.
	DefaultEngine string `mapstructure:"default_engine"`

	Scheduler SchedulerConfig           `mapstructure:"scheduler"`
	Watchers  WatchersConfig            `mapstructure:"watchers"`
	Engines   map[string]EngineConfig   `mapstructure:"engines"`
	Roles     map[string]RoleConfig     `mapstructure:"roles"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Routing   RoutingConfig             `mapstructure:"routing"`
	Tracing   TracingConfig             `mapstructure:"tracing"`
}

// EngineFor returns the engine that runs the given role.
func (c *Config) EngineFor(role string) string {
	if rc, ok := c.Roles[role]; ok && rc.Engine != "" {
		return rc.Engine
	}
	return c.DefaultEngine
}

// TimeoutFor returns the session timeout for the given role.
func (c *Config) TimeoutFor(role string) time.Duration {
	if rc, ok := c.Roles[role]; ok {
		return rc.Timeout
	}
	return 0
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		DefaultEngine: "gemini",
		Scheduler: SchedulerConfig{
			Concurrency: ConcurrencyConfig{
				PerRole: map[string]int{
					RoleArchitect: 1,
					RoleEngineer:  4,
					RoleReviewer:  2,
					RoleCoroner:   1,
					RoleMailbox:   4,
				},
				Global: 8,
			},
			Subagent: SubagentConfig{MaxDepth: 3},
			FailureCooldown: CooldownConfig{
				Initial:  60 * time.Second,
				Max:      30 * time.Minute,
				Attempts: 5,
			},
		},
		Watchers: WatchersConfig{
			Mailbox: MailboxWatcherConfig{
				Debounce: map[string]time.Duration{
					"email": 0,
				},
				DefaultDebounce: 30 * time.Second,
				CourierInterval: 10 * time.Second,
			},
			Memo: MemoWatcherConfig{
				Threshold:   5,
				MinSpawnGap: 60 * time.Second,
			},
			PollInterval: 2 * time.Second,
		},
		Engines:   map[string]EngineConfig{},
		Roles:     map[string]RoleConfig{},
		Providers: map[string]ProviderConfig{},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "file",
			SampleRate: 1.0,
		},
	}
}

// Validate checks the configuration for startup-fatal errors: unknown roles
// in quotas or routing rules, out-of-range depth, invalid rule kinds.
func (c *Config) Validate() error {
	known := make(map[string]bool)
	for _, r := range KnownRoles() {
		known[r] = true
	}

	for role := range c.Scheduler.Concurrency.PerRole {
		if !known[role] {
			return fmt.Errorf("scheduler.concurrency.per_role: unknown role %q", role)
		}
	}
	for role := range c.Roles {
		if !known[role] {
			return fmt.Errorf("roles: unknown role %q", role)
		}
	}
	if c.Scheduler.Concurrency.Global < 0 {
		return fmt.Errorf("scheduler.concurrency.global must be >= 0")
	}

	if d := c.Scheduler.Subagent.MaxDepth; d < 0 || d > MaxSubagentDepthCap {
		return fmt.Errorf("scheduler.subagent.max_depth must be between 0 and %d, got %d",
			MaxSubagentDepthCap, d)
	}

	if c.Scheduler.FailureCooldown.Attempts < 0 {
		return fmt.Errorf("scheduler.failure_cooldown.attempts must be >= 0")
	}

	validKinds := map[string]bool{
		"command": true, "mention": true, "keyword": true, "regex": true, "fallback": true,
	}
	for _, rule := range c.Routing.Rules {
		if rule.Name == "" {
			return fmt.Errorf("routing.rules: rule with empty name")
		}
		if !validKinds[rule.Kind] {
			return fmt.Errorf("routing.rules[%s]: unknown kind %q", rule.Name, rule.Kind)
		}
		if rule.TargetRole != "" && !known[rule.TargetRole] && rule.TargetRole != "prime" {
			return fmt.Errorf("routing.rules[%s]: unknown target_role %q", rule.Name, rule.TargetRole)
		}
	}

	return nil
}

// DebounceFor returns the mailbox debounce window for a provider.
func (w *MailboxWatcherConfig) DebounceFor(provider string) time.Duration {
	if d, ok := w.Debounce[provider]; ok {
		return d
	}
	return w.DefaultDebounce
}
