package fleet

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menagerie-sh/menagerie/pkg/config"
	"github.com/menagerie-sh/menagerie/pkg/container"
	"github.com/menagerie-sh/menagerie/pkg/cost"
	"github.com/menagerie-sh/menagerie/pkg/events"
	"github.com/menagerie-sh/menagerie/pkg/models"
	"github.com/menagerie-sh/menagerie/pkg/pricing"
)

type fleetPrices map[string]pricing.Pricing

func (p fleetPrices) Lookup(model string) *pricing.Pricing {
	if v, ok := p[model]; ok {
		return &v
	}
	return nil
}

type testFleet struct {
	m       *Manager
	cfg     *config.Config
	rt      *container.FakeRuntime
	store   *events.Store
	tracker *cost.Tracker
}

func newTestFleet(t *testing.T) *testFleet {
	t.Helper()
	home := t.TempDir()
	cfg := &config.Config{
		Home:         home,
		CreaturesDir: filepath.Join(home, "creatures"),
		HTTPPort:     8080,
		DefaultModel: "claude-sonnet-4-5",
	}
	require.NoError(t, os.MkdirAll(cfg.CreaturesDir, 0o755))

	rt := container.NewFakeRuntime()
	store := events.NewStore(cfg.CreaturesDir, filepath.Join(home, "narrator"))
	tracker := cost.NewTracker(filepath.Join(home, "usage.json"), fleetPrices{
		"claude-sonnet-4-5": {Input: 1e-3, Output: 1e-3},
	})
	t.Cleanup(tracker.Close)

	m := NewManager(cfg, rt, store, tracker, nil)
	t.Cleanup(m.Shutdown)
	return &testFleet{m: m, cfg: cfg, rt: rt, store: store, tracker: tracker}
}

// addCreature lays down a minimal creature directory without git history.
func (f *testFleet) addCreature(t *testing.T, name string) {
	t.Helper()
	dir := filepath.Join(f.cfg.CreaturesDir, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "PURPOSE.md"), []byte("exist\n"), 0o644))
}

func TestDiscoverSkipsNonCreatures(t *testing.T) {
	f := newTestFleet(t)
	f.addCreature(t, "alpha")
	f.addCreature(t, "beta")
	f.addCreature(t, "Bad-Name")                                    // invalid name
	f.addCreature(t, ".hidden")                                     // hidden dir
	require.NoError(t, os.MkdirAll(filepath.Join(f.cfg.CreaturesDir, "_archive", "old-1"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(f.cfg.CreaturesDir, "nopurpose"), 0o755)) // no PURPOSE.md
	require.NoError(t, os.WriteFile(filepath.Join(f.cfg.CreaturesDir, "README.md"), []byte("x"), 0o644))

	require.NoError(t, f.m.Discover())
	assert.Equal(t, []string{"alpha", "beta"}, f.m.Names())
}

func TestDiscoverCreatesMissingCreaturesDir(t *testing.T) {
	f := newTestFleet(t)
	require.NoError(t, os.RemoveAll(f.cfg.CreaturesDir))

	require.NoError(t, f.m.Discover())
	info, err := os.Stat(f.cfg.CreaturesDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Empty(t, f.m.Names())
}

func TestPortsAreStablePerCreature(t *testing.T) {
	f := newTestFleet(t)
	f.addCreature(t, "alpha")
	f.addCreature(t, "beta")
	require.NoError(t, f.m.Discover())

	alpha, ok := f.m.Get("alpha")
	require.True(t, ok)
	beta, ok := f.m.Get("beta")
	require.True(t, ok)
	assert.Equal(t, basePort, alpha.Info().Port)
	assert.Equal(t, basePort+1, beta.Info().Port)
}

func TestSpawnScaffoldsFromGenome(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	f := newTestFleet(t)
	genome := filepath.Join(f.cfg.Home, "genomes", "default")
	require.NoError(t, os.MkdirAll(genome, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(genome, "loop.sh"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(genome, "PURPOSE.md"), []byte("template purpose\n"), 0o644))

	require.NoError(t, f.m.Spawn(context.Background(), "gamma", "", "find interesting primes"))

	dir := filepath.Join(f.cfg.CreaturesDir, "gamma")
	purpose, err := os.ReadFile(filepath.Join(dir, "PURPOSE.md"))
	require.NoError(t, err)
	assert.Equal(t, "find interesting primes\n", string(purpose))
	_, err = os.Stat(filepath.Join(dir, "loop.sh"))
	assert.NoError(t, err, "genome files must be copied")
	_, err = os.Stat(filepath.Join(dir, ".git"))
	assert.NoError(t, err, "spawn initializes a repository")

	assert.Contains(t, f.m.Names(), "gamma")
	assert.Equal(t, 1, f.rt.CallCount("create"), "spawn starts the creature")

	assert.ErrorIs(t, f.m.Spawn(context.Background(), "gamma", "", "again"), ErrExists)
	assert.Error(t, f.m.Spawn(context.Background(), "Bad Name", "", "x"))
	assert.Error(t, f.m.Spawn(context.Background(), "delta", "no-such-genome", "x"))
}

func TestSpawnWithoutPurposeNeedsGenomePurpose(t *testing.T) {
	f := newTestFleet(t)
	genome := filepath.Join(f.cfg.Home, "genomes", "bare")
	require.NoError(t, os.MkdirAll(genome, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(genome, "loop.sh"), []byte("#!/bin/sh\n"), 0o755))

	err := f.m.Spawn(context.Background(), "delta", "bare", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PURPOSE.md")
}

func TestArchiveMovesCreatureOutOfActiveSet(t *testing.T) {
	f := newTestFleet(t)
	f.addCreature(t, "alpha")
	require.NoError(t, f.m.Discover())

	require.NoError(t, f.m.Archive(context.Background(), "alpha"))
	assert.Empty(t, f.m.Names())
	_, err := os.Stat(filepath.Join(f.cfg.CreaturesDir, "alpha"))
	assert.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(filepath.Join(f.cfg.CreaturesDir, "_archive"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "alpha-"))

	assert.ErrorIs(t, f.m.Archive(context.Background(), "alpha"), ErrNotFound)
}

func TestBudgetOverrideElseGlobal(t *testing.T) {
	f := newTestFleet(t)
	global := models.Budget{DailyCapUSD: 5, Action: models.BudgetActionSleep}
	f.m.SetGlobalBudget(global)

	assert.Equal(t, global, f.m.CreatureBudget("alpha"))

	override := models.Budget{DailyCapUSD: 1, Action: models.BudgetActionWarn}
	f.m.SetCreatureBudget("alpha", override)
	assert.Equal(t, override, f.m.CreatureBudget("alpha"))
	assert.Equal(t, global, f.m.CreatureBudget("beta"))

	// Clearing the override falls back to the global default.
	f.m.SetCreatureBudget("alpha", models.Budget{})
	assert.Equal(t, global, f.m.CreatureBudget("alpha"))
}

func TestCheckBudget(t *testing.T) {
	f := newTestFleet(t)

	// No budget configured: never exceeded.
	d := f.m.CheckBudget("alpha")
	assert.False(t, d.Exceeded)

	f.m.SetGlobalBudget(models.Budget{DailyCapUSD: 0.5, Action: models.BudgetActionSleep})
	d = f.m.CheckBudget("alpha")
	assert.False(t, d.Exceeded)
	assert.Equal(t, 0.5, d.CapUSD)

	// 1000 tokens in and out at 1e-3 each = $2, over the $0.50 cap.
	f.tracker.Record("alpha", 1000, 1000, "claude-sonnet-4-5")
	d = f.m.CheckBudget("alpha")
	assert.True(t, d.Exceeded)
	assert.Equal(t, models.BudgetActionSleep, d.Action)
	assert.InDelta(t, 2.0, d.SpentUSD, 1e-9)

	d = f.m.CheckBudget("beta")
	assert.False(t, d.Exceeded, "spend is per creature")
}

func TestOnBudgetExceededPutsCreatureToSleep(t *testing.T) {
	f := newTestFleet(t)
	f.addCreature(t, "alpha")
	require.NoError(t, f.m.Discover())

	f.m.OnBudgetExceeded("alpha")
	sup, _ := f.m.Get("alpha")
	info := sup.Info()
	assert.Equal(t, models.StatusSleeping, info.Status)
	assert.Equal(t, models.SleepReasonBudget, info.SleepReason)

	f.m.OnBudgetExceeded("ghost") // unknown creature is a no-op
}

func TestHandleCreatureEventAppendsAndUpdatesStatus(t *testing.T) {
	f := newTestFleet(t)
	f.addCreature(t, "alpha")
	require.NoError(t, f.m.Discover())

	f.m.HandleCreatureEvent("alpha", models.NewEvent("alpha", models.EventCreatureSleep,
		map[string]any{"reason": "tired"}))

	recent := f.store.ReadRecent("alpha", 10)
	require.Len(t, recent, 1)
	assert.Equal(t, models.EventCreatureSleep, recent[0].Type)

	sup, _ := f.m.Get("alpha")
	assert.Equal(t, models.StatusSleeping, sup.Info().Status)

	// Events for unregistered creatures are still persisted.
	f.m.HandleCreatureEvent("ghost", models.NewEvent("ghost", models.EventCreatureBoot, nil))
	assert.Len(t, f.store.ReadRecent("ghost", 10), 1)
}

func TestOnModelSeenUpdatesSupervisor(t *testing.T) {
	f := newTestFleet(t)
	f.addCreature(t, "alpha")
	require.NoError(t, f.m.Discover())

	f.m.OnModelSeen("alpha", "gpt-5-mini")
	sup, _ := f.m.Get("alpha")
	assert.Equal(t, "gpt-5-mini", sup.Info().Model)
}
