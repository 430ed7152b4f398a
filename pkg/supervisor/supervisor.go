// Package supervisor owns one creature's container lifecycle: spawn or
// reconnect, health gating, SHA promotion, and rollback-based failure
// recovery. Each supervisor is an actor: a single goroutine owns all state
// and executes commands sent over a channel, so transitions are serialized
// without locks.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/menagerie-sh/menagerie/pkg/container"
	"github.com/menagerie-sh/menagerie/pkg/events"
	"github.com/menagerie-sh/menagerie/pkg/gitutil"
	"github.com/menagerie-sh/menagerie/pkg/models"
)

const (
	// healthGate is how long /healthz must answer ok before a spawn is
	// promoted.
	healthGate         = 10 * time.Second
	healthPollInterval = time.Second
	healthPollTimeout  = 3 * time.Second

	// rollbackTimeout bounds the wait for the first healthy response after
	// a fresh spawn.
	rollbackTimeout = 30 * time.Second

	maxConsecutiveFailures = 5
	backoffInitial         = time.Second
	backoffMax             = 30 * time.Second
)

// Options configures one supervisor.
type Options struct {
	Name string
	// Dir is the creature directory as the orchestrator sees it.
	Dir string
	// HostDir is the same directory from the container engine's host view.
	// Equal to Dir unless the orchestrator itself is containerized.
	HostDir string

	Image    string
	HostPort int
	Model    string

	CPUs   float64
	Memory string

	// OrchestratorURL is handed to the creature as its LLM endpoint and
	// event sink.
	OrchestratorURL string
	JaneeURL        string
	JaneeRunnerKey  string

	// GlobalRollbackLog collects rollback records across all creatures.
	GlobalRollbackLog string
}

// Supervisor is the per-creature actor.
type Supervisor struct {
	opts    Options
	runtime container.Runtime
	events  *events.Store
	logger  *slog.Logger

	cmds chan func()
	done chan struct{}

	// Timing knobs, set from the package constants; tests shorten them.
	gate          time.Duration
	poll          time.Duration
	rollbackAfter time.Duration
	backoffBase   time.Duration
	backoffCap    time.Duration

	// Everything below is owned by the actor goroutine.
	status              models.CreatureStatus
	model               string
	sleepReason         string
	consecutiveFailures int
	stopping            bool

	healthCancel context.CancelFunc
	watchCancel  context.CancelFunc
	rollbackTmr  *time.Timer
	backoffTmr   *time.Timer
}

// New creates a supervisor and starts its actor goroutine. The creature is
// not started until Start is called.
func New(opts Options, rt container.Runtime, store *events.Store) *Supervisor {
	s := &Supervisor{
		opts:    opts,
		runtime: rt,
		events:  store,
		logger:  slog.With("component", "supervisor", "creature", opts.Name),
		cmds:    make(chan func(), 16),
		done:    make(chan struct{}),
		status:  models.StatusStopped,
		model:   opts.Model,

		gate:          healthGate,
		poll:          healthPollInterval,
		rollbackAfter: rollbackTimeout,
		backoffBase:   backoffInitial,
		backoffCap:    backoffMax,
	}
	go s.loop()
	return s
}

func (s *Supervisor) loop() {
	for {
		select {
		case f := <-s.cmds:
			f()
		case <-s.done:
			return
		}
	}
}

// do runs f on the actor goroutine and waits for it.
func (s *Supervisor) do(f func()) {
	fin := make(chan struct{})
	select {
	case s.cmds <- func() { f(); close(fin) }:
		<-fin
	case <-s.done:
	}
}

// async enqueues f without waiting. Never call from the actor goroutine.
func (s *Supervisor) async(f func()) {
	select {
	case s.cmds <- f:
	case <-s.done:
	}
}

// Close stops the actor. The container is left as-is.
func (s *Supervisor) Close() {
	s.do(func() {
		s.stopping = true
		s.clearTimers()
	})
	close(s.done)
}

func (s *Supervisor) containerName() string {
	return "menagerie-" + s.opts.Name
}

// Info returns an API-facing snapshot.
func (s *Supervisor) Info() models.CreatureInfo {
	var info models.CreatureInfo
	s.do(func() {
		info = models.CreatureInfo{
			Name:        s.opts.Name,
			Status:      s.status,
			Model:       s.model,
			SHA:         gitutil.CurrentSHA(s.opts.Dir),
			SleepReason: s.sleepReason,
			Sandboxed:   true,
			Port:        s.opts.HostPort,
		}
	})
	return info
}

// SetModel records the model observed by the LLM proxy.
func (s *Supervisor) SetModel(model string) {
	s.do(func() {
		if model != "" {
			s.model = model
		}
	})
}

// Start spawns or reconnects the creature.
func (s *Supervisor) Start(ctx context.Context) error {
	var err error
	s.do(func() {
		s.stopping = false
		s.consecutiveFailures = 0
		err = s.spawn(ctx, false)
	})
	return err
}

// Stop terminates the container and disables recovery.
func (s *Supervisor) Stop(ctx context.Context) error {
	var err error
	s.do(func() {
		s.stopping = true
		s.clearTimers()
		err = s.runtime.Stop(ctx, s.containerName())
		s.status = models.StatusStopped
		s.logger.Info("Creature stopped")
	})
	return err
}

// Restart restarts the existing container, preserving its writable layer.
func (s *Supervisor) Restart(ctx context.Context) error {
	var err error
	s.do(func() {
		s.stopping = false
		s.clearTimers()
		if err = s.runtime.Restart(ctx, s.containerName()); err != nil {
			return
		}
		s.status = models.StatusStarting
		s.beginGate(true)
	})
	return err
}

// Rebuild destroys the container and spawns fresh. Operator-only.
func (s *Supervisor) Rebuild(ctx context.Context) error {
	var err error
	s.do(func() {
		s.stopping = false
		s.clearTimers()
		name := s.containerName()
		_ = s.runtime.Kill(ctx, name)
		_ = s.runtime.Wait(ctx, name)
		_ = s.runtime.Remove(ctx, name)
		err = s.spawn(ctx, false)
	})
	return err
}

// Sleep marks the creature asleep with a reason tag. Budget enforcement
// calls this with reason "budget" and the event is emitted once per day.
func (s *Supervisor) Sleep(reason string) {
	s.do(func() {
		if s.status == models.StatusSleeping && s.sleepReason == reason {
			return
		}
		s.status = models.StatusSleeping
		s.sleepReason = reason
		s.writeSleepFile(reason)
		if reason == models.SleepReasonBudget {
			s.events.Append(s.opts.Name, models.NewEvent(s.opts.Name, models.EventBudgetExceeded,
				map[string]any{"reason": reason}))
		}
		s.logger.Info("Creature put to sleep", "reason", reason)
	})
}

// Wake clears sleep state and makes sure the container runs. Waking a
// budget-slept creature also announces that its budget hold is over.
func (s *Supervisor) Wake(ctx context.Context) error {
	var err error
	s.do(func() {
		wasBudget := s.status == models.StatusSleeping && s.sleepReason == models.SleepReasonBudget
		s.sleepReason = ""
		_ = os.Remove(filepath.Join(s.opts.Dir, ".sys", "sleep.json"))
		st, stErr := s.runtime.State(ctx, s.containerName())
		if stErr == nil && st.Exists && !st.Running {
			err = s.runtime.Start(ctx, s.containerName())
		}
		if err == nil && s.status == models.StatusSleeping {
			s.status = models.StatusRunning
		}
		if err == nil && wasBudget {
			s.events.Append(s.opts.Name, models.NewEvent(s.opts.Name, models.EventBudgetReset,
				map[string]any{"reason": "wake"}))
		}
		s.logger.Info("Creature woken")
	})
	return err
}

// ObserveEvent updates status from an inbound creature event. The
// supervisor never reads the event store; the API layer routes each event
// here.
func (s *Supervisor) ObserveEvent(evt models.Event) {
	s.do(func() {
		switch evt.Type {
		case models.EventCreatureSleep:
			s.status = models.StatusSleeping
			if r, ok := evt.Fields["reason"].(string); ok {
				s.sleepReason = r
			}
		case models.EventCreatureToolCall, models.EventCreatureThought:
			if s.status == models.StatusSleeping || s.status == models.StatusError {
				s.status = models.StatusRunning
				s.sleepReason = ""
			}
		case models.EventCreatureError:
			if s.status == models.StatusRunning {
				s.status = models.StatusError
			}
		}
	})
}

// spawn implements the start/reconnect algorithm. recovery marks respawns
// driven by the failure handler.
func (s *Supervisor) spawn(ctx context.Context, recovery bool) error {
	if err := s.runtime.Available(ctx); err != nil {
		return s.infraFailure(err)
	}

	name := s.containerName()
	st, err := s.runtime.State(ctx, name)
	if err != nil {
		if errors.Is(err, container.ErrUnavailable) {
			return s.infraFailure(err)
		}
		return err
	}

	switch {
	case st.Exists && st.Running:
		// Reconnect to a survivor: silent, no rollback timer.
		s.logger.Info("Reconnecting to running container")
		s.status = models.StatusStarting
		s.beginGate(false)
		return nil

	case st.Exists:
		s.logger.Info("Starting existing container")
		if err := s.runtime.Start(ctx, name); err != nil {
			if errors.Is(err, container.ErrUnavailable) {
				return s.infraFailure(err)
			}
			return err
		}
		s.status = models.StatusStarting
		s.beginGate(true)
		return nil

	default:
		spec := s.containerSpec()
		s.logger.Info("Creating container", "image", spec.Image, "port", spec.HostPort)
		if err := s.runtime.Create(ctx, spec); err != nil {
			if errors.Is(err, container.ErrUnavailable) {
				return s.infraFailure(err)
			}
			if recovery {
				// Let the failure path count it and back off.
				s.failure(fmt.Sprintf("respawn failed: %v", err))
				return nil
			}
			return fmt.Errorf("create container: %w", err)
		}
		s.events.Append(s.opts.Name, models.NewEvent(s.opts.Name, models.EventHostSpawn,
			map[string]any{"sha": gitutil.CurrentSHA(s.opts.Dir)}))
		s.status = models.StatusStarting
		s.beginGate(true)
		return nil
	}
}

// containerSpec assembles the sandbox description for a fresh create.
func (s *Supervisor) containerSpec() container.Spec {
	env := map[string]string{
		"MENAGERIE_URL":      s.opts.OrchestratorURL,
		"CREATURE_NAME":      s.opts.Name,
		"CREATURE_MODEL":     s.model,
		"ANTHROPIC_BASE_URL": s.opts.OrchestratorURL,
		"ANTHROPIC_API_KEY":  "creature:" + s.opts.Name,
	}
	if s.opts.JaneeURL != "" {
		env["JANEE_URL"] = s.opts.JaneeURL
		env["JANEE_RUNNER_KEY"] = s.opts.JaneeRunnerKey
	}
	return container.Spec{
		Name:        s.containerName(),
		Image:       s.opts.Image,
		HostPort:    s.opts.HostPort,
		CPUs:        s.opts.CPUs,
		Memory:      s.opts.Memory,
		BindSource:  s.opts.HostDir,
		CacheVolume: "menagerie-" + s.opts.Name + "-cache",
		Env:         env,
	}
}

// beginGate starts the health poll, the container exit watcher, and — for
// spawns we initiated ourselves — the rollback timer.
func (s *Supervisor) beginGate(armRollback bool) {
	s.clearTimers()

	ctx, cancel := context.WithCancel(context.Background())
	s.healthCancel = cancel
	go s.healthLoop(ctx)

	wctx, wcancel := context.WithCancel(context.Background())
	s.watchCancel = wcancel
	go s.watchExit(wctx)
	go s.streamLogs(wctx)

	if armRollback {
		s.rollbackTmr = time.AfterFunc(s.rollbackAfter, func() {
			s.async(func() {
				if s.status == models.StatusStarting && !s.stopping {
					s.failure("health timeout")
				}
			})
		})
	}
}

func (s *Supervisor) clearTimers() {
	if s.healthCancel != nil {
		s.healthCancel()
		s.healthCancel = nil
	}
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
	if s.rollbackTmr != nil {
		s.rollbackTmr.Stop()
		s.rollbackTmr = nil
	}
	if s.backoffTmr != nil {
		s.backoffTmr.Stop()
		s.backoffTmr = nil
	}
}

// healthLoop polls /healthz once per second until the sustained-OK window
// is met, then promotes.
func (s *Supervisor) healthLoop(ctx context.Context) {
	client := &http.Client{Timeout: healthPollTimeout}
	url := fmt.Sprintf("http://localhost:%d/healthz", s.opts.HostPort)

	var healthyAt time.Time
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ok := func() bool {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return false
			}
			resp, err := client.Do(req)
			if err != nil {
				return false
			}
			resp.Body.Close()
			return resp.StatusCode == http.StatusOK
		}()

		if !ok {
			healthyAt = time.Time{}
			continue
		}
		if healthyAt.IsZero() {
			healthyAt = time.Now()
		}
		if time.Since(healthyAt) >= s.gate {
			s.async(s.promote)
			return
		}
	}
}

// streamLogs follows the container's output and surfaces it on the
// supervisor's logger. The stream lives as long as the exit watcher.
func (s *Supervisor) streamLogs(ctx context.Context) {
	rc, err := s.runtime.StreamLogs(ctx, s.containerName())
	if err != nil {
		s.logger.Debug("Log stream unavailable", "error", err)
		return
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.logger.Debug("Creature output", "line", scanner.Text())
	}
}

// watchExit notices the container dying outside the health gate.
func (s *Supervisor) watchExit(ctx context.Context) {
	if err := s.runtime.Wait(ctx, s.containerName()); err != nil {
		return
	}
	if ctx.Err() != nil {
		return
	}
	s.async(func() {
		if !s.stopping && s.status != models.StatusStopped {
			s.failure("container exited")
		}
	})
}

// promote acknowledges a healthy spawn: the current SHA becomes last-good,
// the failure counter resets, and the creature is running.
func (s *Supervisor) promote() {
	if s.status != models.StatusStarting || s.stopping {
		return
	}
	if s.rollbackTmr != nil {
		s.rollbackTmr.Stop()
		s.rollbackTmr = nil
	}
	if s.healthCancel != nil {
		s.healthCancel()
		s.healthCancel = nil
	}

	sha := gitutil.CurrentSHA(s.opts.Dir)
	if err := gitutil.SetLastGoodSHA(s.opts.Dir, sha); err != nil {
		s.logger.Warn("Failed to persist last-good SHA", "error", err)
	}
	s.consecutiveFailures = 0
	s.status = models.StatusRunning
	s.events.Append(s.opts.Name, models.NewEvent(s.opts.Name, models.EventHostPromote,
		map[string]any{"sha": sha}))
	s.logger.Info("Creature promoted", "sha", sha)
}

// infraFailure handles an unreachable container engine: stop, report, no
// rollback and no retry.
func (s *Supervisor) infraFailure(cause error) error {
	s.clearTimers()
	s.status = models.StatusStopped
	s.events.Append(s.opts.Name, models.NewEvent(s.opts.Name, models.EventHostInfraFailure,
		map[string]any{"error": cause.Error()}))
	s.logger.Error("Container runtime unavailable", "error", cause)
	return cause
}

// failure is the recovery path for a broken spawn or a dead container.
func (s *Supervisor) failure(reason string) {
	if s.stopping || s.status == models.StatusStopped {
		return
	}
	s.clearTimers()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.runtime.Available(ctx); err != nil {
		_ = s.infraFailure(err)
		return
	}

	cur := gitutil.CurrentSHA(s.opts.Dir)
	lastGood := gitutil.LastGoodSHA(s.opts.Dir)
	needRollback := lastGood != "" && cur != lastGood

	s.consecutiveFailures++
	s.logger.Warn("Creature failure", "reason", reason,
		"consecutive", s.consecutiveFailures, "rollback", needRollback)

	s.events.Append(s.opts.Name, models.NewEvent(s.opts.Name, models.EventHostRollback,
		map[string]any{"from": cur, "to": lastGood, "reason": reason}))
	s.appendRollbackRecord(cur, lastGood, reason)

	if s.consecutiveFailures > maxConsecutiveFailures {
		s.logger.Error("Too many consecutive failures, giving up",
			"failures", s.consecutiveFailures)
		s.status = models.StatusStopped
		return
	}

	if needRollback {
		if err := gitutil.ResetToSHA(s.opts.Dir, lastGood); err != nil {
			s.logger.Error("Rollback reset failed", "error", err)
		}
	}

	delay := s.backoffDelay(s.consecutiveFailures)
	s.status = models.StatusStarting
	s.backoffTmr = time.AfterFunc(delay, func() {
		s.async(func() {
			if s.stopping || s.status == models.StatusStopped {
				return
			}
			s.respawn()
		})
	})
}

// respawn prefers restarting the surviving container over a recreate.
func (s *Supervisor) respawn() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	name := s.containerName()
	st, err := s.runtime.State(ctx, name)
	if err == nil && st.Exists {
		if err := s.runtime.Restart(ctx, name); err == nil {
			s.status = models.StatusStarting
			s.beginGate(true)
			return
		}
		_ = s.runtime.Remove(ctx, name)
	}
	_ = s.spawn(ctx, true)
}

// backoffDelay is the base doubling per failure, capped.
func (s *Supervisor) backoffDelay(failures int) time.Duration {
	d := s.backoffBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= s.backoffCap {
			return s.backoffCap
		}
	}
	return d
}

// rollbackRecord is one line of .sys/rollbacks.jsonl and the global log.
type rollbackRecord struct {
	T        string `json:"t"`
	Creature string `json:"creature"`
	From     string `json:"from"`
	To       string `json:"to"`
	Reason   string `json:"reason"`
}

func (s *Supervisor) appendRollbackRecord(from, to, reason string) {
	rec := rollbackRecord{
		T:        time.Now().UTC().Format(time.RFC3339),
		Creature: s.opts.Name,
		From:     from,
		To:       to,
		Reason:   reason,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	data = append(data, '\n')

	for _, path := range []string{
		filepath.Join(s.opts.Dir, ".sys", "rollbacks.jsonl"),
		s.opts.GlobalRollbackLog,
	} {
		if path == "" {
			continue
		}
		if err := appendFile(path, data); err != nil {
			s.logger.Warn("Failed to append rollback record", "path", path, "error", err)
		}
	}
}

func (s *Supervisor) writeSleepFile(reason string) {
	path := filepath.Join(s.opts.Dir, ".sys", "sleep.json")
	data, _ := json.Marshal(map[string]string{
		"reason": reason,
		"t":      time.Now().UTC().Format(time.RFC3339),
	})
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	_ = os.WriteFile(path, data, 0o644)
}

func appendFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}
