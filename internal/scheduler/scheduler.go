// Package scheduler spawns and supervises local agent processes. Every
// session it creates is persisted before the corresponding lifecycle event
// is published, so a crash never produces an event without a record.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/IndenScale/monoco/internal/bus"
	"github.com/IndenScale/monoco/internal/config"
	"github.com/IndenScale/monoco/internal/engine"
	"github.com/IndenScale/monoco/internal/git"
	"github.com/IndenScale/monoco/internal/log"
	"github.com/IndenScale/monoco/internal/session"
)

const (
	// defaultSpawnFailureWindow treats any exit faster than this as a
	// spawn failure rather than a completed run.
	defaultSpawnFailureWindow = 1 * time.Second

	// defaultGraceTimeout is how long a terminated process gets between
	// the cooperative signal and the force kill.
	defaultGraceTimeout = 10 * time.Second

	// worktreeOpTimeout bounds git worktree creation.
	worktreeOpTimeout = 30 * time.Second
)

// AgentScheduler is the scheduling surface the handlers and the control API
// consume.
type AgentScheduler interface {
	// Schedule validates, persists, and spawns a session for the task,
	// returning its session id. For a (role, issue) pair that is already
	// active it returns the existing session id without spawning.
	Schedule(ctx context.Context, task session.Task) (string, error)

	// Terminate requests cooperative shutdown of a running session.
	// Terminal sessions return false without error; termination of an
	// already-terminating session is idempotent.
	Terminate(ctx context.Context, sessionID string) (bool, error)

	// GetStatus returns the current lifecycle status of a session.
	GetStatus(sessionID string) (session.Status, error)

	// ListActive returns the status of every non-terminal session.
	ListActive() map[string]session.Status

	// GetStats returns aggregate counters for monitoring.
	GetStats() Stats
}

// Stats is a point-in-time aggregate over all known sessions.
type Stats struct {
	Pending          int            `json:"pending"`
	Running          int            `json:"running"`
	Completed        int            `json:"completed"`
	Failed           int            `json:"failed"`
	Terminated       int            `json:"terminated"`
	PerRole          map[string]int `json:"per_role"`
	OldestRunningAge time.Duration  `json:"oldest_running_age"`
}

type roleIssueKey struct {
	role    string
	issueID string
}

// issueClaim reserves a (role, issue) pair for one spawn attempt. done is
// closed when the attempt resolves; sessionID is set only when the spawn
// succeeded, so waiters can join the session or retry the reservation.
type issueClaim struct {
	done      chan struct{}
	sessionID string
}

// procState is the in-memory record of one supervised child.
type procState struct {
	sess    *session.Session
	cmd     *exec.Cmd
	logFile *os.File
	cleanup func()

	mu            sync.Mutex
	termRequested bool
	timedOut      bool
	termOnce      sync.Once
}

func (p *procState) markTermination(byTimeout bool) {
	p.mu.Lock()
	p.termRequested = true
	if byTimeout {
		p.timedOut = true
	}
	p.mu.Unlock()
}

func (p *procState) terminationRequested() (requested, byTimeout bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.termRequested, p.timedOut
}

// Compile-time check that LocalScheduler implements AgentScheduler.
var _ AgentScheduler = (*LocalScheduler)(nil)

// LocalScheduler runs agents as local child processes.
type LocalScheduler struct {
	cfg         config.SchedulerConfig
	registry    *engine.Registry
	store       *session.Store
	events      *bus.Bus
	git         git.Executor
	projectRoot string
	logsDir     string

	roleGates  map[string]*quotaGate
	globalGate *quotaGate
	cooldowns  *CooldownGuard

	mu          sync.Mutex
	active      map[string]*procState
	byRoleIssue map[roleIssueKey]*issueClaim

	spawnFailureWindow time.Duration
	graceTimeout       time.Duration
	tracer             trace.Tracer

	wg sync.WaitGroup
}

// SetTracer installs a tracer for the schedule path.
func (s *LocalScheduler) SetTracer(t trace.Tracer) {
	if t != nil {
		s.tracer = t
	}
}

// NewLocal creates a scheduler. logsDir receives one append-only log file
// per session; projectRoot is the default working directory for spawned
// agents.
func NewLocal(cfg config.SchedulerConfig, registry *engine.Registry, store *session.Store,
	events *bus.Bus, gitExec git.Executor, projectRoot, logsDir string) (*LocalScheduler, error) {
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating logs dir: %w", err)
	}

	gates := make(map[string]*quotaGate)
	defaults := config.Defaults().Scheduler.Concurrency.PerRole
	for _, role := range config.KnownRoles() {
		cap, ok := cfg.Concurrency.PerRole[role]
		if !ok {
			cap = defaults[role]
		}
		gates[role] = newQuotaGate(cap)
	}

	var global *quotaGate
	if cfg.Concurrency.Global > 0 {
		global = newQuotaGate(cfg.Concurrency.Global)
	}

	return &LocalScheduler{
		cfg:                cfg,
		registry:           registry,
		store:              store,
		events:             events,
		git:                gitExec,
		projectRoot:        projectRoot,
		logsDir:            logsDir,
		roleGates:          gates,
		globalGate:         global,
		cooldowns:          NewCooldownGuard(cfg.FailureCooldown),
		active:             make(map[string]*procState),
		byRoleIssue:        make(map[roleIssueKey]*issueClaim),
		spawnFailureWindow: defaultSpawnFailureWindow,
		graceTimeout:       defaultGraceTimeout,
		tracer:             noop.NewTracerProvider().Tracer("scheduler"),
	}, nil
}

// Schedule implements AgentScheduler.
func (s *LocalScheduler) Schedule(ctx context.Context, task session.Task) (string, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.schedule",
		trace.WithAttributes(
			attribute.String("task.role", task.Role),
			attribute.String("task.engine", task.Engine),
			attribute.String("task.issue_id", task.IssueID),
		))
	defer span.End()

	id, err := s.schedule(ctx, task)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.String("session.id", id))
	}
	return id, err
}

func (s *LocalScheduler) schedule(ctx context.Context, task session.Task) (string, error) {
	gate, ok := s.roleGates[task.Role]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, task.Role)
	}

	adapter, err := s.registry.Get(task.Engine)
	if err != nil {
		return "", err
	}
	if !adapter.SupportsUnattended() {
		return "", fmt.Errorf("%w: %q", engine.ErrUnattendedUnsupported, task.Engine)
	}

	depth := 0
	if task.ParentSessionID != "" {
		parent, err := s.store.Get(task.ParentSessionID)
		if err != nil {
			return "", fmt.Errorf("%w: parent %s", ErrSessionNotFound, task.ParentSessionID)
		}
		depth = parent.Depth + 1
	}
	if depth > s.cfg.Subagent.MaxDepth {
		return "", fmt.Errorf("%w: depth %d exceeds max %d",
			ErrSubagentDepthExceeded, depth, s.cfg.Subagent.MaxDepth)
	}

	// One active session per (role, issue): the pair is reserved under the
	// lock before any spawn work starts, so concurrent requests either join
	// the winner's session or wait for its attempt to resolve. Checking and
	// inserting in separate critical sections would let two callers spawn
	// twins.
	key := roleIssueKey{task.Role, task.IssueID}
	var claim *issueClaim
	if task.IssueID != "" {
		for claim == nil {
			s.mu.Lock()
			existing, held := s.byRoleIssue[key]
			if !held {
				claim = &issueClaim{done: make(chan struct{})}
				s.byRoleIssue[key] = claim
			}
			s.mu.Unlock()
			if !held {
				break
			}

			select {
			case <-existing.done:
			case <-ctx.Done():
				return "", ctx.Err()
			}
			if existing.sessionID != "" {
				log.Debug(log.CatSched, "joining active session",
					"role", task.Role, "issue", task.IssueID, "session", existing.sessionID)
				return existing.sessionID, nil
			}
			// The holder failed before its process started; contend for
			// the reservation again.
		}

		// Until the spawn commits, every error return must free the pair
		// and wake the waiters so they can retry.
		defer func() {
			if claim.sessionID == "" {
				s.mu.Lock()
				delete(s.byRoleIssue, key)
				s.mu.Unlock()
				close(claim.done)
			}
		}()

		if allowed, retryAt, attempts := s.cooldowns.Check(task.Role, task.IssueID); !allowed {
			s.events.Publish(bus.TypeSchedulerCooldown, task.CorrelationID, bus.Cooldown{
				Role:      task.Role,
				IssueID:   task.IssueID,
				RetryAt:   retryAt,
				Attempts:  attempts,
				Remaining: time.Until(retryAt),
			})
			return "", fmt.Errorf("%w: %s/%s until %s",
				ErrCooldownActive, task.Role, task.IssueID, retryAt.Format(time.RFC3339))
		}
	}

	if err := s.acquireQuota(ctx, gate, &task); err != nil {
		return "", err
	}

	sess := session.New(task, depth)
	sess.LogLocation = filepath.Join(s.logsDir, sess.SessionID+".log")
	if err := s.store.Put(sess); err != nil {
		s.releaseQuota(gate)
		s.events.Publish(bus.TypeSchedulerPersistFailure, task.CorrelationID, bus.PersistFailure{
			SessionID: sess.SessionID,
			Attempted: string(session.StatusPending),
			Reason:    err.Error(),
		})
		return "", fmt.Errorf("persisting session: %w", err)
	}

	workDir, envExtra, cleanup, err := s.resolveWorkDir(ctx, sess)
	if err != nil {
		s.failBeforeStart(sess, gate, "isolation: "+err.Error())
		return "", fmt.Errorf("preparing working directory: %w", err)
	}

	env := s.sessionEnv(sess)
	for k, v := range envExtra {
		env[k] = v
	}
	argv := adapter.BuildCommand(task.Prompt, env)
	if len(argv) == 0 {
		if cleanup != nil {
			cleanup()
		}
		s.failBeforeStart(sess, gate, "engine produced empty command")
		return "", fmt.Errorf("engine %q produced empty command", task.Engine)
	}

	logFile, err := os.OpenFile(sess.LogLocation, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		s.failBeforeStart(sess, gate, "opening session log: "+err.Error())
		return "", fmt.Errorf("opening session log: %w", err)
	}

	//nolint:gosec // G204: argv comes from the engine registry
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), envPairs(env)...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	configureProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		if cleanup != nil {
			cleanup()
		}
		s.failBeforeStart(sess, gate, "spawn: "+err.Error())
		return "", fmt.Errorf("spawning %q: %w", argv[0], err)
	}

	sess.PID = cmd.Process.Pid
	prev := *sess
	if err := sess.TransitionTo(session.StatusRunning); err != nil {
		// Unreachable for a fresh pending session; guard anyway.
		_ = cmd.Process.Kill()
		_ = logFile.Close()
		return "", err
	}
	if err := s.store.Put(sess); err != nil {
		// The transition is aborted: kill the child and keep the prior
		// persisted state.
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		_ = logFile.Close()
		if cleanup != nil {
			cleanup()
		}
		*sess = prev
		s.releaseQuota(gate)
		s.events.Publish(bus.TypeSchedulerPersistFailure, task.CorrelationID, bus.PersistFailure{
			SessionID: sess.SessionID,
			Attempted: string(session.StatusRunning),
			Reason:    err.Error(),
		})
		return "", fmt.Errorf("persisting running session: %w", err)
	}

	ps := &procState{sess: sess, cmd: cmd, logFile: logFile, cleanup: cleanup}
	s.mu.Lock()
	s.active[sess.SessionID] = ps
	s.mu.Unlock()
	if claim != nil {
		// Resolve the reservation: waiters now join this session. The map
		// entry stays until finalize releases the pair.
		claim.sessionID = sess.SessionID
		close(claim.done)
	}

	s.events.Publish(bus.TypeSessionStarted, task.CorrelationID, s.changePayload(sess))
	log.Info(log.CatSched, "session started",
		"session", sess.SessionID, "role", task.Role, "engine", task.Engine,
		"pid", sess.PID, "depth", depth)

	s.wg.Add(1)
	log.SafeGo("awaiter-"+sess.SessionID, func() {
		defer s.wg.Done()
		s.await(ps, gate)
	})

	return sess.SessionID, nil
}

func (s *LocalScheduler) acquireQuota(ctx context.Context, gate *quotaGate, task *session.Task) error {
	if gate.Capacity() == 0 {
		return fmt.Errorf("%w: role %q has zero quota", ErrQuotaExhausted, task.Role)
	}

	if task.RejectIfFull() {
		if !gate.tryAcquire() {
			return fmt.Errorf("%w: role %q", ErrQuotaExhausted, task.Role)
		}
		if s.globalGate != nil && !s.globalGate.tryAcquire() {
			gate.release()
			return fmt.Errorf("%w: global cap", ErrQuotaExhausted)
		}
		return nil
	}

	if err := gate.acquire(ctx); err != nil {
		return fmt.Errorf("waiting for role quota: %w", err)
	}
	if s.globalGate != nil {
		if err := s.globalGate.acquire(ctx); err != nil {
			gate.release()
			return fmt.Errorf("waiting for global quota: %w", err)
		}
	}
	return nil
}

func (s *LocalScheduler) releaseQuota(gate *quotaGate) {
	if s.globalGate != nil {
		s.globalGate.release()
	}
	gate.release()
}

// failBeforeStart moves a persisted pending session to failed when the
// process never ran.
func (s *LocalScheduler) failBeforeStart(sess *session.Session, gate *quotaGate, reason string) {
	sess.Reason = reason
	if err := sess.TransitionTo(session.StatusFailed); err == nil {
		if err := s.store.Put(sess); err != nil {
			log.ErrorErr(log.CatSched, "persisting spawn failure", err, "session", sess.SessionID)
			s.events.Publish(bus.TypeSchedulerPersistFailure, sess.Task.CorrelationID, bus.PersistFailure{
				SessionID: sess.SessionID,
				Attempted: string(session.StatusFailed),
				Reason:    err.Error(),
			})
		} else {
			s.events.Publish(bus.TypeSessionFailed, sess.Task.CorrelationID, s.changePayload(sess))
		}
	}
	if sess.Task.IssueID != "" {
		s.cooldowns.RecordFailure(sess.Task.Role, sess.Task.IssueID)
	}
	s.releaseQuota(gate)
	log.Warn(log.CatSched, "session failed before start",
		"session", sess.SessionID, "reason", reason)
}

// await supervises one child process until exit, then finalizes the session.
func (s *LocalScheduler) await(ps *procState, gate *quotaGate) {
	started := time.Now()

	waitErr := make(chan error, 1)
	log.SafeGo("wait-"+ps.sess.SessionID, func() {
		waitErr <- ps.cmd.Wait()
	})

	var werr error
	if timeout := ps.sess.Task.Timeout; timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case werr = <-waitErr:
		case <-timer.C:
			log.Warn(log.CatSched, "session timeout, terminating",
				"session", ps.sess.SessionID, "timeout", timeout.String())
			ps.markTermination(true)
			s.signalAndGrace(ps)
			werr = <-waitErr
		}
	} else {
		werr = <-waitErr
	}

	_ = ps.logFile.Close()
	s.finalize(ps, gate, started, exitCodeOf(werr))
}

// finalize persists the terminal transition and publishes exactly one
// terminal event. Persist failure skips the event; the slot is still freed
// because the process is gone.
func (s *LocalScheduler) finalize(ps *procState, gate *quotaGate, started time.Time, exitCode int) {
	sess := ps.sess
	terminated, byTimeout := ps.terminationRequested()
	elapsed := time.Since(started)

	var target session.Status
	switch {
	case terminated:
		target = session.StatusTerminated
		sess.TerminatedByTimeout = byTimeout
		if byTimeout {
			sess.Reason = "timeout"
		} else {
			sess.Reason = "terminate_requested"
		}
	case elapsed < s.spawnFailureWindow:
		target = session.StatusFailed
		sess.Reason = fmt.Sprintf("early_exit after %s", elapsed.Round(time.Millisecond))
	case exitCode == 0:
		target = session.StatusCompleted
	default:
		target = session.StatusFailed
		sess.Reason = fmt.Sprintf("exit_code_%d", exitCode)
	}
	sess.ExitCode = exitCode

	persisted := false
	if err := sess.TransitionTo(target); err != nil {
		log.ErrorErr(log.CatSched, "illegal terminal transition", err, "session", sess.SessionID)
	} else if err := s.store.Put(sess); err != nil {
		log.ErrorErr(log.CatSched, "persisting terminal session", err, "session", sess.SessionID)
		s.events.Publish(bus.TypeSchedulerPersistFailure, sess.Task.CorrelationID, bus.PersistFailure{
			SessionID: sess.SessionID,
			Attempted: string(target),
			Reason:    err.Error(),
		})
	} else {
		persisted = true
	}

	s.mu.Lock()
	delete(s.active, sess.SessionID)
	if sess.Task.IssueID != "" {
		delete(s.byRoleIssue, roleIssueKey{sess.Task.Role, sess.Task.IssueID})
	}
	s.mu.Unlock()
	s.releaseQuota(gate)

	if sess.Task.IssueID != "" {
		switch target {
		case session.StatusCompleted:
			s.cooldowns.RecordSuccess(sess.Task.Role, sess.Task.IssueID)
		case session.StatusFailed:
			s.cooldowns.RecordFailure(sess.Task.Role, sess.Task.IssueID)
		}
	}

	if persisted {
		switch target {
		case session.StatusCompleted:
			s.events.Publish(bus.TypeSessionCompleted, sess.Task.CorrelationID, s.changePayload(sess))
		case session.StatusFailed:
			s.events.Publish(bus.TypeSessionFailed, sess.Task.CorrelationID, s.changePayload(sess))
		case session.StatusTerminated:
			s.events.Publish(bus.TypeSessionTerminated, sess.Task.CorrelationID, s.changePayload(sess))
		}
	}

	log.Info(log.CatSched, "session finished",
		"session", sess.SessionID, "status", string(target),
		"exit_code", exitCode, "elapsed", elapsed.Round(time.Millisecond).String())
}

// Terminate implements AgentScheduler.
func (s *LocalScheduler) Terminate(ctx context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	ps, ok := s.active[sessionID]
	s.mu.Unlock()

	if !ok {
		sess, err := s.store.Get(sessionID)
		if err != nil {
			return false, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		if sess.IsTerminal() {
			return false, nil
		}
		return false, nil
	}

	ps.markTermination(false)
	s.signalAndGrace(ps)
	return true, nil
}

// signalAndGrace sends the cooperative signal and schedules a force kill
// after the grace window. Idempotent per process.
func (s *LocalScheduler) signalAndGrace(ps *procState) {
	ps.termOnce.Do(func() {
		if err := signalTerminate(ps.cmd); err != nil {
			log.Warn(log.CatSched, "signal failed, forcing kill",
				"session", ps.sess.SessionID, "err", err.Error())
			_ = forceKill(ps.cmd)
			return
		}
		log.SafeGo("grace-"+ps.sess.SessionID, func() {
			timer := time.NewTimer(s.graceTimeout)
			defer timer.Stop()
			select {
			case <-timer.C:
				log.Warn(log.CatSched, "grace expired, killing",
					"session", ps.sess.SessionID)
				_ = forceKill(ps.cmd)
			case <-processExited(ps.cmd):
			}
		})
	})
}

// GetStatus implements AgentScheduler.
func (s *LocalScheduler) GetStatus(sessionID string) (session.Status, error) {
	// Entries in the active map are running by construction; finalize
	// removes them before their terminal state is visible.
	s.mu.Lock()
	if _, ok := s.active[sessionID]; ok {
		s.mu.Unlock()
		return session.StatusRunning, nil
	}
	s.mu.Unlock()

	sess, err := s.store.Get(sessionID)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess.Status, nil
}

// ListActive implements AgentScheduler.
func (s *LocalScheduler) ListActive() map[string]session.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]session.Status, len(s.active))
	for id := range s.active {
		out[id] = session.StatusRunning
	}
	return out
}

// GetStats implements AgentScheduler.
func (s *LocalScheduler) GetStats() Stats {
	stats := Stats{PerRole: make(map[string]int)}
	all, err := s.store.List()
	if err != nil {
		log.ErrorErr(log.CatSched, "listing sessions for stats", err)
		return stats
	}

	now := time.Now()
	for _, sess := range all {
		switch sess.Status {
		case session.StatusPending:
			stats.Pending++
		case session.StatusRunning:
			stats.Running++
			if age := sess.Age(now); age > stats.OldestRunningAge {
				stats.OldestRunningAge = age
			}
		case session.StatusCompleted:
			stats.Completed++
		case session.StatusFailed:
			stats.Failed++
		case session.StatusTerminated:
			stats.Terminated++
		}
		if !sess.IsTerminal() {
			stats.PerRole[sess.Task.Role]++
		}
	}
	return stats
}

// Recover reconciles the store with reality after a daemon restart. Running
// sessions whose process is gone become failed with reason "daemon_restart";
// live orphans are logged but not re-attached.
func (s *LocalScheduler) Recover() error {
	// Sessions that died with the previous daemon leave stale worktree
	// registrations behind.
	if err := s.git.PruneWorktrees(); err != nil {
		log.Warn(log.CatSched, "pruning stale worktrees", "err", err.Error())
	}

	all, err := s.store.List()
	if err != nil {
		return fmt.Errorf("listing sessions for recovery: %w", err)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	for _, sess := range all {
		switch sess.Status {
		case session.StatusPending:
			log.Warn(log.CatSched, "pending session from previous run, leaving untouched",
				"session", sess.SessionID, "role", sess.Task.Role)
		case session.StatusRunning:
			if sess.PID > 0 && processAlive(sess.PID) {
				log.Warn(log.CatSched, "orphaned process still running, not re-attaching",
					"session", sess.SessionID, "pid", sess.PID)
				continue
			}
			sess.Reason = "daemon_restart"
			if err := sess.TransitionTo(session.StatusFailed); err != nil {
				continue
			}
			if err := s.store.Put(sess); err != nil {
				log.ErrorErr(log.CatSched, "persisting recovered session", err,
					"session", sess.SessionID)
				continue
			}
			s.events.Publish(bus.TypeSessionFailed, sess.Task.CorrelationID, s.changePayload(sess))
			log.Info(log.CatSched, "recovered orphaned session as failed",
				"session", sess.SessionID, "pid", sess.PID)
		}
	}
	return nil
}

// Shutdown terminates every active session and waits for the awaiters,
// bounded by ctx.
func (s *LocalScheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	states := make([]*procState, 0, len(s.active))
	for _, ps := range s.active {
		states = append(states, ps)
	}
	s.mu.Unlock()

	for _, ps := range states {
		ps.markTermination(false)
		s.signalAndGrace(ps)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}

// resolveWorkDir applies the task's isolation strategy and returns the
// working directory plus extra environment for the child. The cleanup
// callback undoes the isolation and is only invoked on spawn failure.
func (s *LocalScheduler) resolveWorkDir(ctx context.Context, sess *session.Session) (string, map[string]string, func(), error) {
	switch sess.Task.Isolation() {
	case "root":
		return s.projectRoot, nil, nil, nil

	case "branch":
		branch := s.branchName(sess)
		if !s.git.BranchExists(branch) {
			if err := s.git.CreateBranch(branch); err != nil {
				return "", nil, nil, fmt.Errorf("creating branch %s: %w", branch, err)
			}
		}
		return s.projectRoot, map[string]string{"MONOCO_BRANCH": branch}, nil, nil

	case "worktree":
		branch := s.branchName(sess)
		path := filepath.Join(s.projectRoot, ".monoco", "worktrees", sess.SessionID)
		wtCtx, cancel := context.WithTimeout(ctx, worktreeOpTimeout)
		defer cancel()
		if err := s.git.CreateWorktree(wtCtx, path, branch, ""); err != nil {
			return "", nil, nil, fmt.Errorf("creating worktree: %w", err)
		}
		cleanup := func() {
			if err := s.git.RemoveWorktree(path); err != nil {
				log.Warn(log.CatSched, "removing worktree",
					"path", path, "err", err.Error())
			}
		}
		return path, map[string]string{"MONOCO_BRANCH": branch}, cleanup, nil

	default:
		return "", nil, nil, fmt.Errorf("unknown isolation strategy %q", sess.Task.Isolation())
	}
}

func (s *LocalScheduler) branchName(sess *session.Session) string {
	if sess.Task.IssueID != "" {
		return fmt.Sprintf("monoco/%s/%s", sess.Task.Role, sess.Task.IssueID)
	}
	return "monoco/" + sess.Task.Role + "/" + sess.SessionID[:8]
}

// sessionEnv is the environment contract the child can rely on.
func (s *LocalScheduler) sessionEnv(sess *session.Session) map[string]string {
	env := map[string]string{
		"MONOCO_SESSION_ID": sess.SessionID,
		"MONOCO_TASK_ID":    sess.Task.TaskID,
		"MONOCO_ROLE":       sess.Task.Role,
		"MONOCO_DEPTH":      strconv.Itoa(sess.Depth),
	}
	if sess.Task.IssueID != "" {
		env["MONOCO_ISSUE_ID"] = sess.Task.IssueID
	}
	if sess.ParentSessionID != "" {
		env["MONOCO_PARENT_SESSION"] = sess.ParentSessionID
	}
	if sess.Task.CorrelationID != "" {
		env["MONOCO_CORRELATION_ID"] = sess.Task.CorrelationID
	}
	return env
}

func (s *LocalScheduler) changePayload(sess *session.Session) bus.SessionChange {
	return bus.SessionChange{
		SessionID:   sess.SessionID,
		Role:        sess.Task.Role,
		IssueID:     sess.Task.IssueID,
		Engine:      sess.Task.Engine,
		PID:         sess.PID,
		ExitCode:    sess.ExitCode,
		Reason:      sess.Reason,
		LogLocation: sess.LogLocation,
		ByTimeout:   sess.TerminatedByTimeout,
	}
}

func envPairs(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+env[k])
	}
	return pairs
}

func exitCodeOf(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// processExited returns a channel closed once the command's process has
// been reaped. Used by the grace timer to avoid killing a reused pid.
func processExited(cmd *exec.Cmd) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		for cmd.ProcessState == nil {
			time.Sleep(100 * time.Millisecond)
		}
		close(ch)
	}()
	return ch
}
