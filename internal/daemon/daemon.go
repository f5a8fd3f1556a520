// Package daemon is the composition root: it builds the bus, stores,
// scheduler, router, watchers, and handlers from configuration and owns the
// ordered shutdown sequence.
package daemon

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/IndenScale/monoco/internal/broadcast"
	"github.com/IndenScale/monoco/internal/bus"
	"github.com/IndenScale/monoco/internal/config"
	"github.com/IndenScale/monoco/internal/engine"
	"github.com/IndenScale/monoco/internal/git"
	"github.com/IndenScale/monoco/internal/handlers"
	"github.com/IndenScale/monoco/internal/log"
	"github.com/IndenScale/monoco/internal/mailbox"
	"github.com/IndenScale/monoco/internal/memo"
	"github.com/IndenScale/monoco/internal/router"
	"github.com/IndenScale/monoco/internal/scheduler"
	"github.com/IndenScale/monoco/internal/session"
	"github.com/IndenScale/monoco/internal/state"
	"github.com/IndenScale/monoco/internal/tracing"
	"github.com/IndenScale/monoco/internal/watcher"
)

const (
	// handlerDrainWindow bounds the wait for in-flight handlers at shutdown.
	handlerDrainWindow = 10 * time.Second
	// sessionShutdownWindow bounds session termination at shutdown.
	sessionShutdownWindow = 25 * time.Second
	// stateTouchInterval refreshes the state file heartbeat.
	stateTouchInterval = 30 * time.Second
)

// Daemon holds every long-lived component of one monoco instance.
type Daemon struct {
	cfg     config.Config
	version string

	events      *bus.Bus
	registry    *engine.Registry
	sessions    *session.Store
	sched       *scheduler.LocalScheduler
	mailboxes   *mailbox.Store
	inbox       *memo.Inbox
	router      *router.Router
	broadcaster *broadcast.Broadcaster
	stateFile   *state.File
	traces      *tracing.Provider

	subs     []*bus.Subscription
	watchers []watcher.Watcher
	couriers []*mailbox.Courier
}

// New assembles a daemon from validated configuration. Nothing runs until
// Run is called.
func New(cfg config.Config, version string) (*Daemon, error) {
	root := cfg.ProjectRoot

	traces, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}

	registry, err := engine.NewDefaultRegistry(cfg.Engines)
	if err != nil {
		return nil, fmt.Errorf("building engine registry: %w", err)
	}

	sessions, err := session.NewStore(config.SessionsDir(root))
	if err != nil {
		return nil, err
	}

	events := bus.New()

	gitExec := git.NewRealExecutor(root)
	if !gitExec.IsGitRepo() {
		// Branch and worktree isolation need a repository; root isolation
		// still works, so this is a warning rather than a refusal.
		log.Warn(log.CatDaemon, "project root is not a git repository", "root", root)
	}

	sched, err := scheduler.NewLocal(cfg.Scheduler, registry, sessions, events,
		gitExec, root, config.LogsDir(root))
	if err != nil {
		return nil, err
	}
	sched.SetTracer(traces.Tracer())

	mailboxes := mailbox.NewStore(config.MailboxDir(root))
	if err := mailboxes.EnsureLayout(configuredProviders(cfg)); err != nil {
		return nil, fmt.Errorf("preparing mailbox layout: %w", err)
	}

	inbox := memo.NewInbox(config.MemoInboxPath(root), config.MemoArchivePath(root))

	rules, err := router.CompileRules(cfg.Routing.Rules)
	if err != nil {
		return nil, fmt.Errorf("compiling routing rules: %w", err)
	}
	rt, err := router.New(rules, schedulableCheck(&cfg, registry))
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:         cfg,
		version:     version,
		events:      events,
		registry:    registry,
		sessions:    sessions,
		sched:       sched,
		mailboxes:   mailboxes,
		inbox:       inbox,
		router:      rt,
		broadcaster: broadcast.New(events),
		stateFile:   state.NewFile(config.StatePath(root)),
		traces:      traces,
	}

	d.subs = handlers.Register(handlers.Deps{
		Bus:       events,
		Scheduler: sched,
		Config:    &d.cfg,
		Inbox:     inbox,
		Router:    rt,
		Mailbox:   mailboxes,
	})

	factory := watcher.NewBackendFactory(cfg.Watchers)
	d.watchers = []watcher.Watcher{
		watcher.NewMemoWatcher(inbox, events, cfg.Watchers.Memo.Threshold, factory),
		watcher.NewIssueWatcher(config.IssuesDir(root), events, factory),
		watcher.NewMailboxWatcher(mailboxes, cfg.Watchers.Mailbox, events, factory),
	}

	for provider, pc := range cfg.Providers {
		if len(pc.SendCommand) == 0 {
			continue
		}
		adapter, err := mailbox.NewExecAdapter(provider, pc.SendCommand)
		if err != nil {
			return nil, err
		}
		d.couriers = append(d.couriers, mailbox.NewCourier(mailboxes, adapter))
	}

	return d, nil
}

// configuredProviders derives the provider set from configuration.
func configuredProviders(cfg config.Config) []string {
	set := make(map[string]bool)
	for p := range cfg.Providers {
		set[p] = true
	}
	for p := range cfg.Watchers.Mailbox.Debounce {
		set[p] = true
	}
	providers := make([]string, 0, len(set))
	for p := range set {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	return providers
}

// schedulableCheck gates routing decisions on roles the scheduler can
// actually run.
func schedulableCheck(cfg *config.Config, registry *engine.Registry) func(string) bool {
	known := make(map[string]bool)
	for _, r := range config.KnownRoles() {
		known[r] = true
	}
	return func(role string) bool {
		if !known[role] {
			return false
		}
		adapter, err := registry.Get(cfg.EngineFor(role))
		return err == nil && adapter.SupportsUnattended()
	}
}

// Broadcaster exposes the event fan-out for external consumers.
func (d *Daemon) Broadcaster() *broadcast.Broadcaster { return d.broadcaster }

// Events exposes the bus so outer surfaces can inject externally sourced
// events such as PR_CREATED and HANDOVER_REQUESTED.
func (d *Daemon) Events() *bus.Bus { return d.events }

// Scheduler exposes the scheduling surface.
func (d *Daemon) Scheduler() scheduler.AgentScheduler { return d.sched }

// Run starts the daemon and blocks until ctx is canceled, then executes
// the ordered shutdown sequence.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.stateFile.Acquire(d.version); err != nil {
		return err
	}
	defer func() {
		if err := d.stateFile.Release(); err != nil {
			log.ErrorErr(log.CatDaemon, "releasing state file", err)
		}
	}()

	if err := d.sched.Recover(); err != nil {
		return fmt.Errorf("recovering sessions: %w", err)
	}

	// Watchers and couriers are the only event intake; they share one
	// context so shutdown step one stops all intake at once.
	intakeCtx, stopIntake := context.WithCancel(context.Background())
	defer stopIntake()

	for _, w := range d.watchers {
		w := w
		log.SafeGo("watcher-"+w.Name(), func() {
			watcher.Supervise(intakeCtx, w)
		})
	}
	for _, c := range d.couriers {
		c := c
		log.SafeGo("courier", func() {
			d.courierLoop(intakeCtx, c)
		})
	}
	log.SafeGo("config-watch", func() {
		err := config.WatchRouting(intakeCtx, d.cfg.ProjectRoot, d.cfg.ConfigFile, func(rc config.RoutingConfig) {
			rules, err := router.CompileRules(rc.Rules)
			if err != nil {
				log.ErrorErr(log.CatConfig, "reloaded routing rules rejected", err)
				return
			}
			d.router.Reload(rules)
		})
		if err != nil {
			log.Warn(log.CatConfig, "routing hot reload unavailable", "err", err.Error())
		}
	})

	log.Info(log.CatDaemon, "daemon started",
		"version", d.version, "root", d.cfg.ProjectRoot,
		"engines", fmt.Sprintf("%v", d.registry.Names()))

	heartbeat := time.NewTicker(stateTouchInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-heartbeat.C:
			if err := d.stateFile.Touch(); err != nil {
				log.Warn(log.CatDaemon, "state heartbeat failed", "err", err.Error())
			}
		case <-ctx.Done():
			d.shutdown(stopIntake)
			return nil
		}
	}
}

// courierLoop drains one provider's outbound directory at the configured
// interval.
func (d *Daemon) courierLoop(ctx context.Context, c *mailbox.Courier) {
	interval := d.cfg.Watchers.Mailbox.CourierInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := c.DrainOnce(); err != nil {
				log.ErrorErr(log.CatMail, "courier drain failed", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// shutdown executes: stop intake, drain handlers (bounded), terminate
// sessions, close the bus, flush traces.
func (d *Daemon) shutdown(stopIntake context.CancelFunc) {
	log.Info(log.CatDaemon, "shutdown started")

	stopIntake()

	deadline := time.Now().Add(handlerDrainWindow)
	for d.events.QueueDepth() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if depth := d.events.QueueDepth(); depth > 0 {
		log.Warn(log.CatDaemon, "handler drain window expired", "queued", depth)
	}

	termCtx, cancel := context.WithTimeout(context.Background(), sessionShutdownWindow)
	defer cancel()
	if err := d.sched.Shutdown(termCtx); err != nil {
		log.ErrorErr(log.CatDaemon, "terminating sessions", err)
	}

	for _, sub := range d.subs {
		sub.Cancel()
	}
	d.broadcaster.Close()
	d.events.Close()

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFlush()
	if err := d.traces.Shutdown(flushCtx); err != nil {
		log.Warn(log.CatDaemon, "flushing traces", "err", err.Error())
	}

	log.Info(log.CatDaemon, "shutdown complete")
}
