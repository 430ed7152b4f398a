package supervisor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menagerie-sh/menagerie/pkg/container"
	"github.com/menagerie-sh/menagerie/pkg/events"
	"github.com/menagerie-sh/menagerie/pkg/gitutil"
	"github.com/menagerie-sh/menagerie/pkg/models"
)

const testWait = 5 * time.Second

// eventLog collects bus events for assertions.
type eventLog struct {
	mu   sync.Mutex
	evts []models.Event
}

func (l *eventLog) add(e models.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evts = append(l.evts, e)
}

func (l *eventLog) count(eventType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.evts {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func (l *eventLog) first(eventType string) (models.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.evts {
		if e.Type == eventType {
			return e, true
		}
	}
	return models.Event{}, false
}

func git(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

// creatureDir creates <base>/alpha as a git repo with one commit.
func creatureDir(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := filepath.Join(t.TempDir(), "alpha")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	git(t, dir, "init")
	git(t, dir, "config", "user.email", "test@example.com")
	git(t, dir, "config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "PURPOSE.md"), []byte("exist\n"), 0o644))
	git(t, dir, "add", "-A")
	git(t, dir, "commit", "-m", "birth")
	return dir
}

func commitChange(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x\n"), 0o644))
	git(t, dir, "add", "-A")
	git(t, dir, "commit", "-m", "change "+name)
}

// healthEndpoint serves /healthz ok on a free localhost port.
func healthEndpoint(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Handler: mux}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })
	return ln.Addr().(*net.TCPAddr).Port
}

// deadPort returns a port nothing listens on.
func deadPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func newTestSupervisor(t *testing.T, dir string, port int, rt container.Runtime) (*Supervisor, *eventLog) {
	t.Helper()
	store := events.NewStore(filepath.Dir(dir), filepath.Join(t.TempDir(), "narrator"))
	log := &eventLog{}
	unsub := store.Subscribe(log.add)
	t.Cleanup(unsub)

	s := New(Options{
		Name:              "alpha",
		Dir:               dir,
		HostDir:           dir,
		Image:             "menagerie-creature",
		HostPort:          port,
		Model:             "claude-sonnet-4-5",
		OrchestratorURL:   "http://host.docker.internal:8080",
		GlobalRollbackLog: filepath.Join(filepath.Dir(dir), "rollbacks.jsonl"),
	}, rt, store)
	t.Cleanup(s.Close)

	// Shrink the gate so tests finish quickly.
	s.gate = 60 * time.Millisecond
	s.poll = 10 * time.Millisecond
	s.rollbackAfter = 80 * time.Millisecond
	s.backoffBase = 10 * time.Millisecond
	s.backoffCap = 40 * time.Millisecond
	return s, log
}

func TestFreshSpawnPromotesAfterSustainedHealth(t *testing.T) {
	dir := creatureDir(t)
	rt := container.NewFakeRuntime()
	s, log := newTestSupervisor(t, dir, healthEndpoint(t), rt)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, models.StatusStarting, s.Info().Status)
	assert.Equal(t, 1, rt.CallCount("create"))

	require.Eventually(t, func() bool {
		return s.Info().Status == models.StatusRunning
	}, testWait, 10*time.Millisecond, "sustained health must promote")

	assert.Equal(t, 1, log.count(models.EventHostSpawn))
	assert.Equal(t, 1, log.count(models.EventHostPromote))
	assert.Zero(t, log.count(models.EventHostRollback))

	promote, ok := log.first(models.EventHostPromote)
	require.True(t, ok)
	sha := gitutil.CurrentSHA(dir)
	assert.Equal(t, sha, promote.Fields["sha"])
	assert.Equal(t, sha, gitutil.LastGoodSHA(dir), "promotion records the last-good SHA")

	spec, ok := rt.SpecFor("menagerie-alpha")
	require.True(t, ok)
	assert.Equal(t, "creature:alpha", spec.Env["ANTHROPIC_API_KEY"])
	assert.Equal(t, dir, spec.BindSource)
}

func TestReconnectToRunningContainerIsSilent(t *testing.T) {
	dir := creatureDir(t)
	rt := container.NewFakeRuntime()
	rt.Seed("menagerie-alpha", true)
	s, log := newTestSupervisor(t, dir, deadPort(t), rt)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, models.StatusStarting, s.Info().Status)
	assert.Zero(t, rt.CallCount("create"))

	var armed bool
	s.do(func() { armed = s.rollbackTmr != nil })
	assert.False(t, armed, "reconnect must not arm the rollback timer")

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, log.count(models.EventHostSpawn))
	assert.Zero(t, log.count(models.EventHostRollback))
}

func TestHealthTimeoutRollsBackAndGivesUp(t *testing.T) {
	dir := creatureDir(t)
	first := gitutil.CurrentSHA(dir)
	require.NoError(t, gitutil.SetLastGoodSHA(dir, first))
	commitChange(t, dir, "broken.txt")
	second := gitutil.CurrentSHA(dir)

	rt := container.NewFakeRuntime()
	s, log := newTestSupervisor(t, dir, deadPort(t), rt)

	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		return s.Info().Status == models.StatusStopped
	}, testWait, 10*time.Millisecond, "repeated health timeouts must end in stopped")

	// The first failure rolls the working tree back to the last-good SHA.
	assert.Equal(t, first, gitutil.CurrentSHA(dir))
	rb, ok := log.first(models.EventHostRollback)
	require.True(t, ok)
	assert.Equal(t, second, rb.Fields["from"])
	assert.Equal(t, first, rb.Fields["to"])
	assert.Equal(t, "health timeout", rb.Fields["reason"])

	// One rollback event per counted failure before giving up.
	assert.Equal(t, maxConsecutiveFailures+1, log.count(models.EventHostRollback))

	for _, path := range []string{
		filepath.Join(dir, ".sys", "rollbacks.jsonl"),
		filepath.Join(filepath.Dir(dir), "rollbacks.jsonl"),
	} {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.NotEmpty(t, data)
	}
}

func TestContainerExitRecoversAndRepromotes(t *testing.T) {
	dir := creatureDir(t)
	rt := container.NewFakeRuntime()
	s, log := newTestSupervisor(t, dir, healthEndpoint(t), rt)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool {
		return s.Info().Status == models.StatusRunning
	}, testWait, 10*time.Millisecond)

	rt.Exit("menagerie-alpha")

	require.Eventually(t, func() bool {
		return log.count(models.EventHostPromote) == 2
	}, testWait, 10*time.Millisecond, "restart after exit must re-promote")

	assert.Equal(t, models.StatusRunning, s.Info().Status)
	assert.Equal(t, 1, log.count(models.EventHostRollback))
	assert.GreaterOrEqual(t, rt.CallCount("restart"), 1, "a surviving container is restarted, not recreated")
	rb, _ := log.first(models.EventHostRollback)
	assert.Equal(t, "container exited", rb.Fields["reason"])
}

func TestStopDisablesRecovery(t *testing.T) {
	dir := creatureDir(t)
	rt := container.NewFakeRuntime()
	s, log := newTestSupervisor(t, dir, deadPort(t), rt)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, models.StatusStopped, s.Info().Status)

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, log.count(models.EventHostRollback), "a stopped creature is never recovered")
	assert.Equal(t, models.StatusStopped, s.Info().Status)
}

func TestEngineDownIsInfraFailureNotRollback(t *testing.T) {
	dir := creatureDir(t)
	rt := container.NewFakeRuntime()
	rt.AvailableErr = errors.New("cannot connect to the docker daemon")
	s, log := newTestSupervisor(t, dir, deadPort(t), rt)

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.StatusStopped, s.Info().Status)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, log.count(models.EventHostInfraFailure))
	assert.Zero(t, log.count(models.EventHostRollback), "engine outage must not trigger rollback")
	assert.Zero(t, rt.CallCount("create"), "no retry against a dead engine")
}

func TestFailurePathChecksEngineBeforeBlamingTheCreature(t *testing.T) {
	dir := creatureDir(t)
	rt := container.NewFakeRuntime()
	rt.Seed("menagerie-alpha", true)
	s, log := newTestSupervisor(t, dir, deadPort(t), rt)

	require.NoError(t, s.Start(context.Background()))
	rt.SetAvailableErr(errors.New("cannot connect to the docker daemon"))

	s.do(func() { s.failure("container exited") })

	assert.Equal(t, models.StatusStopped, s.Info().Status)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, log.count(models.EventHostInfraFailure))
	assert.Zero(t, log.count(models.EventHostRollback))
}

func TestSleepAndWake(t *testing.T) {
	dir := creatureDir(t)
	rt := container.NewFakeRuntime()
	rt.Seed("menagerie-alpha", false)
	s, log := newTestSupervisor(t, dir, deadPort(t), rt)

	s.Sleep(models.SleepReasonBudget)
	info := s.Info()
	assert.Equal(t, models.StatusSleeping, info.Status)
	assert.Equal(t, models.SleepReasonBudget, info.SleepReason)

	sleepFile := filepath.Join(dir, ".sys", "sleep.json")
	_, err := os.Stat(sleepFile)
	assert.NoError(t, err, "sleep marker must be written")

	// Re-sleeping for the same reason emits no second event.
	s.Sleep(models.SleepReasonBudget)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, log.count(models.EventBudgetExceeded))

	require.NoError(t, s.Wake(context.Background()))
	info = s.Info()
	assert.Equal(t, models.StatusRunning, info.Status)
	assert.Empty(t, info.SleepReason)
	assert.Equal(t, 1, rt.CallCount("start"), "wake starts the stopped container")
	_, err = os.Stat(sleepFile)
	assert.True(t, os.IsNotExist(err), "wake removes the sleep marker")
}

func TestWakeFromBudgetSleepEmitsReset(t *testing.T) {
	dir := creatureDir(t)
	rt := container.NewFakeRuntime()
	rt.Seed("menagerie-alpha", false)
	s, log := newTestSupervisor(t, dir, deadPort(t), rt)

	s.Sleep(models.SleepReasonBudget)
	require.NoError(t, s.Wake(context.Background()))

	assert.Eventually(t, func() bool {
		return log.count(models.EventBudgetReset) == 1
	}, testWait, 10*time.Millisecond, "waking a budget-slept creature announces the reset")
	evt, ok := log.first(models.EventBudgetReset)
	require.True(t, ok)
	assert.Equal(t, "wake", evt.Fields["reason"])

	// A self-chosen nap does not end with a budget reset.
	s.Sleep("tired")
	require.NoError(t, s.Wake(context.Background()))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, log.count(models.EventBudgetReset))
}

func TestStartAttachesLogStream(t *testing.T) {
	dir := creatureDir(t)
	rt := container.NewFakeRuntime()
	rt.Seed("menagerie-alpha", true)
	s, _ := newTestSupervisor(t, dir, deadPort(t), rt)

	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return rt.CallCount("logs") >= 1
	}, testWait, 10*time.Millisecond, "reconnect follows the container's output")
}

func TestSelfReportedSleepIsNotBudgetEnforcement(t *testing.T) {
	dir := creatureDir(t)
	s, log := newTestSupervisor(t, dir, deadPort(t), container.NewFakeRuntime())

	s.Sleep("nightly")
	assert.Equal(t, models.StatusSleeping, s.Info().Status)
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, log.count(models.EventBudgetExceeded))
}

func TestObserveEventTransitions(t *testing.T) {
	dir := creatureDir(t)
	s, _ := newTestSupervisor(t, dir, deadPort(t), container.NewFakeRuntime())
	s.do(func() { s.status = models.StatusRunning })

	s.ObserveEvent(models.NewEvent("alpha", models.EventCreatureSleep,
		map[string]any{"reason": "tired"}))
	info := s.Info()
	assert.Equal(t, models.StatusSleeping, info.Status)
	assert.Equal(t, "tired", info.SleepReason)

	s.ObserveEvent(models.NewEvent("alpha", models.EventCreatureToolCall,
		map[string]any{"tool": "run"}))
	assert.Equal(t, models.StatusRunning, s.Info().Status)

	s.ObserveEvent(models.NewEvent("alpha", models.EventCreatureError,
		map[string]any{"text": "boom"}))
	assert.Equal(t, models.StatusError, s.Info().Status)

	s.ObserveEvent(models.NewEvent("alpha", models.EventCreatureThought,
		map[string]any{"text": "recovered"}))
	assert.Equal(t, models.StatusRunning, s.Info().Status)

	// An error while not running is ignored.
	s.ObserveEvent(models.NewEvent("alpha", models.EventCreatureSleep, nil))
	s.ObserveEvent(models.NewEvent("alpha", models.EventCreatureError, nil))
	assert.Equal(t, models.StatusSleeping, s.Info().Status)
}

func TestSetModelIgnoresEmpty(t *testing.T) {
	dir := creatureDir(t)
	s, _ := newTestSupervisor(t, dir, deadPort(t), container.NewFakeRuntime())

	s.SetModel("gpt-5-mini")
	assert.Equal(t, "gpt-5-mini", s.Info().Model)
	s.SetModel("")
	assert.Equal(t, "gpt-5-mini", s.Info().Model)
}

func TestBackoffDelayDoublesToCap(t *testing.T) {
	dir := creatureDir(t)
	s, _ := newTestSupervisor(t, dir, deadPort(t), container.NewFakeRuntime())
	s.backoffBase = backoffInitial
	s.backoffCap = backoffMax

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, d := range want {
		assert.Equal(t, d, s.backoffDelay(i+1), "failure %d", i+1)
	}
}
