package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/IndenScale/monoco/internal/log"
)

// Load reads configuration from cfgFile if set, otherwise from
// {projectRoot}/.monoco/config.yaml, applying defaults and MONOCO_* env
// overrides. A missing config file is not an error; invalid contents are.
func Load(projectRoot, cfgFile string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MONOCO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigFile(filepath.Join(projectRoot, ".monoco", "config.yaml"))
	}

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			log.Debug(log.CatConfig, "no config file, using defaults")
		} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Debug(log.CatConfig, "no config file, using defaults")
		} else {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	} else {
		log.Info(log.CatConfig, "config loaded", "file", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.ConfigFile = v.ConfigFileUsed()
	if cfg.ProjectRoot == "" {
		cfg.ProjectRoot = projectRoot
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("default_engine", d.DefaultEngine)
	v.SetDefault("scheduler.concurrency.global", d.Scheduler.Concurrency.Global)
	for role, n := range d.Scheduler.Concurrency.PerRole {
		v.SetDefault("scheduler.concurrency.per_role."+role, n)
	}
	v.SetDefault("scheduler.subagent.max_depth", d.Scheduler.Subagent.MaxDepth)
	v.SetDefault("scheduler.failure_cooldown.initial", d.Scheduler.FailureCooldown.Initial)
	v.SetDefault("scheduler.failure_cooldown.max", d.Scheduler.FailureCooldown.Max)
	v.SetDefault("scheduler.failure_cooldown.attempts", d.Scheduler.FailureCooldown.Attempts)
	v.SetDefault("watchers.mailbox.default_debounce", d.Watchers.Mailbox.DefaultDebounce)
	v.SetDefault("watchers.mailbox.debounce.email", d.Watchers.Mailbox.Debounce["email"])
	v.SetDefault("watchers.mailbox.courier_interval", d.Watchers.Mailbox.CourierInterval)
	v.SetDefault("watchers.memo.threshold", d.Watchers.Memo.Threshold)
	v.SetDefault("watchers.memo.min_spawn_gap", d.Watchers.Memo.MinSpawnGap)
	v.SetDefault("watchers.poll_interval", d.Watchers.PollInterval)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
}

// MonocoDir returns the daemon state directory for a project root.
func MonocoDir(projectRoot string) string {
	return filepath.Join(projectRoot, ".monoco")
}

// SessionsDir returns the session store directory.
func SessionsDir(projectRoot string) string {
	return filepath.Join(MonocoDir(projectRoot), "sessions")
}

// MailboxDir returns the mailbox root directory.
func MailboxDir(projectRoot string) string {
	return filepath.Join(MonocoDir(projectRoot), "mailbox")
}

// LogsDir returns the per-session process log directory.
func LogsDir(projectRoot string) string {
	return filepath.Join(MonocoDir(projectRoot), "logs")
}

// StatePath returns the singleton state file path.
func StatePath(projectRoot string) string {
	return filepath.Join(MonocoDir(projectRoot), "state.json")
}

// MemoInboxPath returns the memo inbox file path.
func MemoInboxPath(projectRoot string) string {
	return filepath.Join(projectRoot, "Memos", "inbox.md")
}

// MemoArchivePath returns the memo archive file path.
func MemoArchivePath(projectRoot string) string {
	return filepath.Join(projectRoot, "Memos", "archive.md")
}

// IssuesDir returns the issue tree root.
func IssuesDir(projectRoot string) string {
	return filepath.Join(projectRoot, "Issues")
}
