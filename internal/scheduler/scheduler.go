// Package scheduler implements the heartbeat state machine: lease-elected
// leadership, the check-in timer, and the poll loop that observes the shared
// settings and trigger channels.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/msageha/vigil/internal/control"
	"github.com/msageha/vigil/internal/events"
	"github.com/msageha/vigil/internal/executor"
	"github.com/msageha/vigil/internal/lease"
	"github.com/msageha/vigil/internal/model"
	"github.com/msageha/vigil/internal/uds"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Role is the lease-derived role of this process.
type Role int

const (
	RoleFollower Role = iota
	RoleLeader
)

// State is the externally visible scheduler state.
type State string

const (
	StateDisabled        State = "disabled"
	StateFollower        State = "follower"
	StateLeaderIdle      State = "leader_idle"
	StateLeaderExecuting State = "leader_executing"
)

// CheckRunner executes a single check-in. Implemented by executor.Executor.
type CheckRunner interface {
	RunCheck(ctx context.Context, now time.Time, forced bool, pinnedModel *string) executor.Outcome
}

// Snapshot is a point-in-time view of the scheduler, served over the status
// fast path.
type Snapshot struct {
	State       State   `json:"state"`
	Pid         int     `json:"pid"`
	LeaderPid   int     `json:"leader_pid,omitempty"`
	Enabled     bool    `json:"enabled"`
	IntervalMs  int64   `json:"interval_ms"`
	LastCheckAt *int64  `json:"last_check_at,omitempty"`
	NextCheckAt *int64  `json:"next_check_at,omitempty"`
	CheckCount  int64   `json:"check_count"`
	PinnedModel *string `json:"pinned_model,omitempty"`
}

// Scheduler is the per-process heartbeat coordinator. One instance per
// process; all cross-process coordination happens through the shared .vigil/
// directory.
type Scheduler struct {
	vigilDir string
	hbDir    string
	config   model.Config
	clock    Clock
	logLevel LogLevel
	logger   *log.Logger
	logFile  io.Closer

	lock       *lease.Lock
	settingsCh *control.SettingsChannel
	triggerCh  *control.TriggerChannel
	runner     CheckRunner
	eventBus   *events.Bus

	server  *uds.Server
	watcher *fsnotify.Watcher
	ticker  *time.Ticker

	// State machine fields below are owned by the run loop goroutine. Tests
	// drive the tick methods directly instead of running the loop.
	role           Role
	executing      bool
	observedLeader int
	nonce          string
	state          model.SchedulerState
	settings       model.SettingsRecord
	reloadSeen     time.Time // watermark: last applied reload marker mtime
	triggerSeen    time.Time // watermark: last consumed trigger marker mtime
	timer          *time.Timer
	timerC         <-chan time.Time

	triggerReq chan struct{}

	snapMu sync.Mutex
	snap   Snapshot

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once

	forceExit atomic.Bool
}

// New creates a Scheduler logging to .vigil/logs/scheduler.log.
func New(vigilDir string, cfg model.Config) (*Scheduler, error) {
	logPath := filepath.Join(vigilDir, "logs", "scheduler.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open scheduler log: %w", err)
	}

	return newScheduler(vigilDir, cfg, logFile, logFile, SystemClock())
}

// newScheduler is the internal constructor for testing.
func newScheduler(vigilDir string, cfg model.Config, w io.Writer, closer io.Closer, clk Clock) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())

	hbDir := filepath.Join(vigilDir, "heartbeat")

	s := &Scheduler{
		vigilDir:   vigilDir,
		hbDir:      hbDir,
		config:     cfg,
		clock:      clk,
		logLevel:   parseLogLevel(cfg.Logging.Level),
		logger:     log.New(w, "", 0),
		logFile:    closer,
		lock:       lease.NewLock(filepath.Join(hbDir, "leader.lease")),
		settingsCh: control.NewSettingsChannel(hbDir, cfg.Heartbeat.DefaultIntervalMs),
		triggerCh:  control.NewTriggerChannel(hbDir),
		server:     uds.NewServer(filepath.Join(vigilDir, uds.DefaultSocketName)),
		ticker:     time.NewTicker(refreshInterval(cfg)),
		triggerReq: make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.updateSnapshot()

	return s, nil
}

func refreshInterval(cfg model.Config) time.Duration {
	sec := cfg.Heartbeat.RefreshIntervalSec
	if sec <= 0 {
		sec = 15
	}
	return time.Duration(sec) * time.Second
}

// staleThreshold is the lease takeover window, kept well above the refresh
// tick to absorb scheduling jitter without false takeovers.
func (s *Scheduler) staleThreshold() time.Duration {
	mult := s.config.Heartbeat.StaleMultiplier
	if mult < 6 {
		mult = 6
	}
	return time.Duration(mult) * refreshInterval(s.config)
}

// SetRunner wires the check executor. Must be called before Run().
func (s *Scheduler) SetRunner(r CheckRunner) {
	s.runner = r
}

// SetEventBus sets the event bus for lifecycle events. Must be called before
// Run().
func (s *Scheduler) SetEventBus(bus *events.Bus) {
	s.eventBus = bus
}

// Run starts the scheduler and blocks until shutdown completes.
func (s *Scheduler) Run() error {
	if err := os.MkdirAll(s.hbDir, 0755); err != nil {
		return fmt.Errorf("ensure heartbeat dir: %w", err)
	}
	if err := s.settingsCh.Seed(s.clock.Now()); err != nil {
		s.log(LogLevelWarn, "seed settings failed: %v", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(s.hbDir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", s.hbDir, err)
	}
	s.watcher = watcher

	s.registerHandlers()

	s.log(LogLevelInfo, "scheduler starting pid=%d refresh=%s stale=%s",
		os.Getpid(), refreshInterval(s.config), s.staleThreshold())

	s.wg.Add(1)
	go s.loop()

	s.waitSignals()
	return nil
}

// loop is the single-goroutine event loop. No leader-only action happens
// outside it.
func (s *Scheduler) loop() {
	defer s.wg.Done()

	s.pollTick()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.ticker.C:
			s.pollTick()
		case <-s.timerC:
			s.fireTimer()
		case <-s.triggerReq:
			s.handleTriggerRequest()
		case event, ok := <-s.watcherEvents():
			if !ok {
				continue
			}
			s.handleFileEvent(event)
		case err, ok := <-s.watcherErrors():
			if !ok {
				continue
			}
			s.log(LogLevelError, "fsnotify error=%v", err)
		}
	}
}

func (s *Scheduler) watcherEvents() <-chan fsnotify.Event {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Events
}

func (s *Scheduler) watcherErrors() <-chan error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Errors
}

// handleFileEvent reacts to marker touches ahead of the next poll tick. The
// poll tick remains the delivery guarantee; this only shortens latency.
func (s *Scheduler) handleFileEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Chmod) {
		return
	}
	if s.role != RoleLeader {
		return
	}
	now := s.clock.Now()
	switch filepath.Base(event.Name) {
	case control.ReloadMarkerName:
		s.pollSettings(now)
	case control.TriggerMarkerName:
		s.pollTrigger(now)
	default:
		return
	}
	s.updateSnapshot()
}

// pollTick runs once per refresh interval: followers probe for takeover,
// the leader refreshes its lease and then reads both channels, so it never
// acts on settings or triggers more than one poll interval stale.
func (s *Scheduler) pollTick() {
	now := s.clock.Now()

	if s.role != RoleLeader {
		s.followerPoll(now)
		s.updateSnapshot()
		return
	}

	if !s.lock.Refresh(s.nonce, now) {
		s.demote("lease refresh failed")
		s.updateSnapshot()
		return
	}
	s.pollSettings(now)
	s.pollTrigger(now)
	s.updateSnapshot()
}

func (s *Scheduler) followerPoll(now time.Time) {
	if !s.lock.AbsentOrStale(now, s.staleThreshold()) {
		if rec, err := s.lock.Read(); err == nil {
			s.observedLeader = rec.Pid
		}
		return
	}

	nonce := uuid.NewString()
	res := s.lock.Acquire(nonce, now, s.staleThreshold())
	if !res.OK {
		if res.OwnerPid != 0 {
			s.observedLeader = res.OwnerPid
		}
		return
	}
	s.nonce = nonce
	s.becomeLeader(now)
}

func (s *Scheduler) becomeLeader(now time.Time) {
	s.role = RoleLeader
	s.observedLeader = os.Getpid()

	st, err := loadState(s.vigilDir, s.statePath())
	if err != nil {
		s.log(LogLevelWarn, "load state failed: %v, starting from defaults", err)
	}
	s.state = st

	if rec, err := s.settingsCh.Load(); err == nil {
		s.settings = rec
	} else {
		s.log(LogLevelWarn, "load settings failed: %v, keeping persisted values", err)
		s.settings = model.SettingsRecord{
			Version:     model.SettingsVersion,
			Enabled:     s.state.Enabled,
			IntervalMs:  s.state.IntervalMs,
			PinnedModel: s.state.PinnedModel,
		}
	}
	s.state.Enabled = s.settings.Enabled && s.settings.IntervalMs > 0
	s.state.IntervalMs = s.settings.IntervalMs
	s.state.PinnedModel = s.settings.PinnedModel

	// Settings were just read in full, so start the reload watermark at the
	// current marker. The trigger watermark stays untouched: a trigger queued
	// while no leader existed must be served by the next leader.
	if t, ok := s.settingsCh.ReloadMarkerTime(); ok {
		s.reloadSeen = t
	}

	s.reschedule(now)
	s.persistState()
	s.startServer()

	s.log(LogLevelInfo, "leader_elected pid=%d interval_ms=%d enabled=%v",
		os.Getpid(), s.state.IntervalMs, s.state.Enabled)
	s.publish(events.EventLeaderElected, map[string]interface{}{
		"pid":         os.Getpid(),
		"interval_ms": s.state.IntervalMs,
		"enabled":     s.state.Enabled,
	})

	s.pollTrigger(now)
}

// demote drops to follower after a failed refresh or a lost lease. The armed
// timer is cancelled before anything else; stopping to act is what prevents
// two simultaneous leaders.
func (s *Scheduler) demote(reason string) {
	s.stopTimer()
	s.role = RoleFollower
	s.executing = false
	s.stopServer()

	if rec, err := s.lock.Read(); err == nil {
		s.observedLeader = rec.Pid
	} else {
		s.observedLeader = 0
	}

	s.log(LogLevelWarn, "leader_lost reason=%q observed_leader=%d", reason, s.observedLeader)
	s.publish(events.EventLeaderLost, map[string]interface{}{
		"reason":          reason,
		"observed_leader": s.observedLeader,
	})
}

// pollSettings applies a settings change when the reload marker moved past
// the watermark. The watermark advances only after a successful read, so a
// transient I/O error is retried next tick.
func (s *Scheduler) pollSettings(now time.Time) {
	t, ok := s.settingsCh.ReloadMarkerTime()
	if !ok || !t.After(s.reloadSeen) {
		return
	}

	rec, err := s.settingsCh.Load()
	if err != nil {
		s.log(LogLevelWarn, "settings reload failed: %v", err)
		return
	}
	s.reloadSeen = t
	s.applySettings(rec, now)
}

func (s *Scheduler) applySettings(rec model.SettingsRecord, now time.Time) {
	changed := rec.Enabled != s.settings.Enabled ||
		rec.IntervalMs != s.settings.IntervalMs ||
		!ptrEq(rec.PinnedModel, s.settings.PinnedModel)
	s.settings = rec
	if !changed {
		return
	}

	s.state.Enabled = rec.Enabled && rec.IntervalMs > 0
	s.state.IntervalMs = rec.IntervalMs
	s.state.PinnedModel = rec.PinnedModel
	s.reschedule(now)
	s.persistState()

	s.log(LogLevelInfo, "settings_applied enabled=%v interval_ms=%d writer_pid=%d",
		rec.Enabled, rec.IntervalMs, rec.WriterPid)
	s.publish(events.EventSettingsApplied, map[string]interface{}{
		"enabled":     rec.Enabled,
		"interval_ms": rec.IntervalMs,
		"writer_pid":  rec.WriterPid,
	})
}

// pollTrigger consumes a pending forced-trigger marker. The watermark
// advances only after the marker is deleted, keeping the channel
// at-least-once.
func (s *Scheduler) pollTrigger(now time.Time) {
	t, ok := s.triggerCh.Peek()
	if !ok || !t.After(s.triggerSeen) {
		return
	}
	if err := s.triggerCh.Consume(); err != nil {
		s.log(LogLevelWarn, "trigger consume failed: %v", err)
		return
	}
	s.triggerSeen = t

	s.log(LogLevelInfo, "trigger_consumed requested_at=%s", t.Format(time.RFC3339))
	s.publish(events.EventTriggerConsumed, map[string]interface{}{
		"requested_at": t.UnixMilli(),
	})
	s.executeCheck(now, true)
}

// fireTimer handles the armed check timer expiring.
func (s *Scheduler) fireTimer() {
	s.timer = nil
	s.timerC = nil

	if s.role != RoleLeader {
		return
	}
	s.executeCheck(s.clock.Now(), false)
	s.updateSnapshot()
}

// handleTriggerRequest serves the UDS fast path for forced check-ins.
func (s *Scheduler) handleTriggerRequest() {
	if s.role != RoleLeader {
		return
	}
	s.executeCheck(s.clock.Now(), true)
	s.updateSnapshot()
}

// executeCheck runs one check-in. Accounting is updated before dispatch so
// counters stay correct even when dispatch fails; the schedule is recomputed
// afterwards regardless of outcome.
func (s *Scheduler) executeCheck(now time.Time, forced bool) {
	// Verify-before-act: confirm lease ownership immediately before the
	// leader-only side effect. This bounds the race window left open between
	// a refresh failure and the next poll tick.
	rec, err := s.lock.Read()
	if err != nil || rec.Pid != os.Getpid() || rec.Nonce != s.nonce {
		s.demote("lease lost before check")
		return
	}

	if !forced && !s.enabled() {
		return
	}

	ms := now.UnixMilli()
	s.state.LastCheckAt = &ms
	s.state.CheckCount++
	s.persistState()

	s.executing = true
	s.updateSnapshot()
	s.log(LogLevelInfo, "check_begin count=%d forced=%v", s.state.CheckCount, forced)

	if s.runner != nil {
		outcome := s.runner.RunCheck(s.ctx, now, forced, s.state.PinnedModel)
		s.log(LogLevelInfo, "check_end outcome=%s", outcome)
	}

	s.executing = false
	s.reschedule(now)
	s.persistState()
}

// reschedule recomputes next_check_at and (re)arms or clears the timer.
func (s *Scheduler) reschedule(now time.Time) {
	if !s.enabled() {
		s.state.NextCheckAt = nil
		s.stopTimer()
		return
	}

	next := s.computeNext(now)
	ms := next.UnixMilli()
	s.state.NextCheckAt = &ms
	s.armTimer(next.Sub(now))
}

// computeNext keeps cadence alignment when the last check happened within one
// interval of now; otherwise the clock restarts from now.
func (s *Scheduler) computeNext(now time.Time) time.Time {
	interval := time.Duration(s.state.IntervalMs) * time.Millisecond
	if s.state.LastCheckAt != nil {
		last := time.UnixMilli(*s.state.LastCheckAt)
		if now.Sub(last) < interval {
			next := last.Add(interval)
			if next.Before(now.Add(time.Second)) {
				next = now.Add(time.Second)
			}
			return next
		}
	}
	return now.Add(interval)
}

func (s *Scheduler) enabled() bool {
	return s.state.Enabled && s.state.IntervalMs > 0
}

func (s *Scheduler) armTimer(delay time.Duration) {
	if delay < time.Second {
		delay = time.Second
	}
	s.stopTimer()
	s.timer = time.NewTimer(delay)
	s.timerC = s.timer.C
}

func (s *Scheduler) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerC = nil
}

func (s *Scheduler) persistState() {
	if err := saveState(s.statePath(), s.state); err != nil {
		// Transient by taxonomy: the next persist retries, scheduling is
		// unaffected.
		s.log(LogLevelError, "persist state failed: %v", err)
	}
}

func (s *Scheduler) statePath() string {
	return filepath.Join(s.hbDir, "state.yaml")
}

// currentState derives the externally visible state.
func (s *Scheduler) currentState() State {
	if s.role != RoleLeader {
		return StateFollower
	}
	if s.executing {
		return StateLeaderExecuting
	}
	if !s.enabled() {
		return StateDisabled
	}
	return StateLeaderIdle
}

func (s *Scheduler) updateSnapshot() {
	snap := Snapshot{
		State:       s.currentState(),
		Pid:         os.Getpid(),
		LeaderPid:   s.observedLeader,
		Enabled:     s.state.Enabled,
		IntervalMs:  s.state.IntervalMs,
		LastCheckAt: s.state.LastCheckAt,
		NextCheckAt: s.state.NextCheckAt,
		CheckCount:  s.state.CheckCount,
		PinnedModel: s.state.PinnedModel,
	}
	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()
}

// Snapshot returns the latest published scheduler view. Safe from any
// goroutine.
func (s *Scheduler) Snapshot() Snapshot {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	return s.snap
}

// registerHandlers wires the leader-only UDS commands.
func (s *Scheduler) registerHandlers() {
	s.server.Handle("ping", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	s.server.Handle("status", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(s.Snapshot())
	})

	s.server.Handle("trigger", func(req *uds.Request) *uds.Response {
		select {
		case s.triggerReq <- struct{}{}:
		default:
			// A trigger is already queued; firing twice early would be
			// harmless anyway.
		}
		return uds.SuccessResponse(map[string]bool{"accepted": true})
	})
}

func (s *Scheduler) startServer() {
	if err := s.server.Start(); err != nil {
		// The marker files still work; the fast path is optional.
		s.log(LogLevelWarn, "start control socket failed: %v", err)
		return
	}
	s.log(LogLevelInfo, "control socket listening on %s", filepath.Join(s.vigilDir, uds.DefaultSocketName))
}

func (s *Scheduler) stopServer() {
	_ = s.server.Stop()
	// A fresh server is needed if leadership is regained; Stop cancels the
	// old accept loop permanently.
	s.server = uds.NewServer(filepath.Join(s.vigilDir, uds.DefaultSocketName))
	s.registerHandlers()
}

// waitSignals blocks until a shutdown signal is received.
func (s *Scheduler) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	s.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)

	// Second signal → force exit
	go func() {
		<-sigCh
		s.log(LogLevelWarn, "received second signal, forcing exit")
		s.forceExit.Store(true)
		os.Exit(1)
	}()

	s.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once). Lease
// release is best-effort; correctness never depends on it because followers
// detect staleness on their own.
func (s *Scheduler) Shutdown() {
	s.shutdown.Do(func() {
		s.log(LogLevelInfo, "shutdown started")

		s.cancel()
		s.ticker.Stop()
		if s.watcher != nil {
			_ = s.watcher.Close()
		}

		timeout := s.config.Daemon.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 30
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Duration(timeout) * time.Second):
			s.log(LogLevelWarn, "shutdown timeout after %ds", timeout)
		}

		// The loop has stopped; state fields are safe to touch now.
		s.stopTimer()
		if s.role == RoleLeader {
			_ = s.server.Stop()
			s.lock.Release(s.nonce)
		}
		s.log(LogLevelInfo, "scheduler stopped")
		if s.logFile != nil {
			_ = s.logFile.Close()
		}
	})
}

func (s *Scheduler) publish(eventType events.EventType, data map[string]interface{}) {
	if s.eventBus != nil {
		s.eventBus.Publish(eventType, data)
	}
}

func (s *Scheduler) log(level LogLevel, format string, args ...any) {
	if level < s.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s %s scheduler: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}

func ptrEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
