// Package fleet owns the set of supervised creatures: boot-time discovery,
// the name→supervisor map, scaffolding new creatures from genomes,
// archival, and the budget plane the LLM proxy consults on every call.
package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/menagerie-sh/menagerie/pkg/config"
	"github.com/menagerie-sh/menagerie/pkg/container"
	"github.com/menagerie-sh/menagerie/pkg/cost"
	"github.com/menagerie-sh/menagerie/pkg/events"
	"github.com/menagerie-sh/menagerie/pkg/gitutil"
	"github.com/menagerie-sh/menagerie/pkg/llmproxy"
	"github.com/menagerie-sh/menagerie/pkg/models"
	"github.com/menagerie-sh/menagerie/pkg/supervisor"
)

// basePort is the first host port assigned to creature health endpoints.
const basePort = 42000

// archiveDirName collects retired creatures under the creatures root.
const archiveDirName = "_archive"

// defaultImage is the sandbox image creatures run in.
const defaultImage = "menagerie-creature"

// ErrNotFound is returned for operations on unknown creatures.
var ErrNotFound = fmt.Errorf("creature not found")

// ErrExists is returned when spawning a name that is already taken.
var ErrExists = fmt.Errorf("creature already exists")

// JaneeInfo is the slice of the side-car manager the fleet needs.
type JaneeInfo interface {
	Enabled() bool
	AuthorityURL() string
	RunnerKey() string
}

// Manager is the fleet registry.
type Manager struct {
	cfg     *config.Config
	runtime container.Runtime
	store   *events.Store
	cost    *cost.Tracker
	janee   JaneeInfo
	logger  *slog.Logger

	mu              sync.RWMutex
	sups            map[string]*supervisor.Supervisor
	ports           map[string]int
	nextPort        int
	globalBudget    models.Budget
	creatureBudgets map[string]models.Budget
}

// NewManager creates an empty fleet. Budgets are seeded from config and
// stay mutable through the API.
func NewManager(cfg *config.Config, rt container.Runtime, store *events.Store, tracker *cost.Tracker, jn JaneeInfo) *Manager {
	budgets := make(map[string]models.Budget, len(cfg.CreatureBudgets))
	for k, v := range cfg.CreatureBudgets {
		budgets[k] = v
	}
	return &Manager{
		cfg:             cfg,
		runtime:         rt,
		store:           store,
		cost:            tracker,
		janee:           jn,
		logger:          slog.With("component", "fleet"),
		sups:            map[string]*supervisor.Supervisor{},
		ports:           map[string]int{},
		nextPort:        basePort,
		globalBudget:    cfg.GlobalBudget,
		creatureBudgets: budgets,
	}
}

// Discover scans the creatures directory and registers a supervisor for
// every creature found. A creature is a non-hidden directory containing a
// PURPOSE.md. Nothing is started.
func (m *Manager) Discover() error {
	entries, err := os.ReadDir(m.cfg.CreaturesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(m.cfg.CreaturesDir, 0o755)
		}
		return fmt.Errorf("read creatures dir: %w", err)
	}

	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || strings.HasPrefix(name, ".") || name == archiveDirName {
			continue
		}
		if _, err := os.Stat(filepath.Join(m.cfg.CreaturesDir, name, "PURPOSE.md")); err != nil {
			continue
		}
		if err := models.ValidateCreatureName(name); err != nil {
			m.logger.Warn("Skipping directory with invalid creature name", "name", name)
			continue
		}
		m.register(name)
		m.logger.Info("Discovered creature", "name", name)
	}
	return nil
}

// register creates the supervisor for name. Caller must not hold m.mu.
func (m *Manager) register(name string) *supervisor.Supervisor {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sup, ok := m.sups[name]; ok {
		return sup
	}

	port, ok := m.ports[name]
	if !ok {
		port = m.nextPort
		m.nextPort++
		m.ports[name] = port
	}

	dir := m.cfg.CreatureDir(name)
	hostDir := dir
	if m.cfg.DockerizedSelf {
		hostDir = filepath.Join(m.cfg.HostCreaturesDir, name)
	}

	opts := supervisor.Options{
		Name:              name,
		Dir:               dir,
		HostDir:           hostDir,
		Image:             defaultImage,
		HostPort:          port,
		Model:             m.cfg.DefaultModel,
		CPUs:              m.cfg.ContainerCPUs,
		Memory:            m.cfg.ContainerMemory,
		OrchestratorURL:   m.cfg.OrchestratorURL(),
		GlobalRollbackLog: filepath.Join(m.cfg.Home, "rollbacks.jsonl"),
	}
	if m.janee != nil && m.janee.Enabled() {
		opts.JaneeURL = m.janee.AuthorityURL()
		opts.JaneeRunnerKey = m.janee.RunnerKey()
	}

	sup := supervisor.New(opts, m.runtime, m.store)
	m.sups[name] = sup
	return sup
}

// StartAll starts every registered creature. Individual failures are
// logged, not fatal: one broken creature must not take the fleet down.
func (m *Manager) StartAll(ctx context.Context) {
	for _, name := range m.Names() {
		sup, _ := m.Get(name)
		if err := sup.Start(ctx); err != nil {
			m.logger.Error("Failed to start creature", "name", name, "error", err)
		}
	}
}

// Names returns registered creature names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.sups))
	for name := range m.sups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get looks up a supervisor.
func (m *Manager) Get(name string) (*supervisor.Supervisor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sup, ok := m.sups[name]
	return sup, ok
}

// List snapshots every creature's info, sorted by name.
func (m *Manager) List() []models.CreatureInfo {
	names := m.Names()
	out := make([]models.CreatureInfo, 0, len(names))
	for _, name := range names {
		if sup, ok := m.Get(name); ok {
			out = append(out, sup.Info())
		}
	}
	return out
}

// Spawn scaffolds a new creature from a genome template, initializes its
// repository and starts it.
func (m *Manager) Spawn(ctx context.Context, name, genome, purpose string) error {
	if err := models.ValidateCreatureName(name); err != nil {
		return err
	}
	if _, ok := m.Get(name); ok {
		return ErrExists
	}
	dir := m.cfg.CreatureDir(name)
	if _, err := os.Stat(dir); err == nil {
		return ErrExists
	}

	if genome == "" {
		genome = "default"
	}
	genomeDir := filepath.Join(m.cfg.Home, "genomes", genome)
	if _, err := os.Stat(genomeDir); err != nil {
		return fmt.Errorf("genome %q not found: %w", genome, err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := copyFS(dir, os.DirFS(genomeDir)); err != nil {
		_ = os.RemoveAll(dir)
		return fmt.Errorf("copy genome: %w", err)
	}
	if purpose != "" {
		if err := os.WriteFile(filepath.Join(dir, "PURPOSE.md"), []byte(purpose+"\n"), 0o644); err != nil {
			return err
		}
	} else if _, err := os.Stat(filepath.Join(dir, "PURPOSE.md")); err != nil {
		return fmt.Errorf("genome %q has no PURPOSE.md and no purpose given", genome)
	}

	if err := gitutil.Init(dir); err != nil {
		return err
	}
	if err := gitutil.Commit(dir, "birth: "+name); err != nil {
		return err
	}

	m.logger.Info("Spawned creature", "name", name, "genome", genome)
	sup := m.register(name)
	return sup.Start(ctx)
}

// Archive stops a creature and moves its directory out of the active set.
func (m *Manager) Archive(ctx context.Context, name string) error {
	sup, ok := m.Get(name)
	if !ok {
		return ErrNotFound
	}
	if err := sup.Stop(ctx); err != nil {
		m.logger.Warn("Stop before archive failed", "name", name, "error", err)
	}
	sup.Close()

	m.mu.Lock()
	delete(m.sups, name)
	delete(m.creatureBudgets, name)
	m.mu.Unlock()

	dest := filepath.Join(m.cfg.CreaturesDir, archiveDirName,
		fmt.Sprintf("%s-%s", name, time.Now().UTC().Format("20060102-150405")))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if err := os.Rename(m.cfg.CreatureDir(name), dest); err != nil {
		return fmt.Errorf("archive move: %w", err)
	}
	m.logger.Info("Archived creature", "name", name, "dest", dest)
	return nil
}

// HandleCreatureEvent is the single entry point for inbound creature
// events: durable append, then status integration.
func (m *Manager) HandleCreatureEvent(name string, evt models.Event) {
	m.store.Append(name, evt)
	if sup, ok := m.Get(name); ok {
		sup.ObserveEvent(evt)
	}
}

// Shutdown closes every supervisor without touching containers.
func (m *Manager) Shutdown() {
	for _, name := range m.Names() {
		if sup, ok := m.Get(name); ok {
			sup.Close()
		}
	}
}

// ---- budget plane ----

// GlobalBudget returns the fleet-wide default budget.
func (m *Manager) GlobalBudget() models.Budget {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.globalBudget
}

// SetGlobalBudget replaces the fleet-wide default budget.
func (m *Manager) SetGlobalBudget(b models.Budget) {
	m.mu.Lock()
	m.globalBudget = b
	m.mu.Unlock()
	m.logger.Info("Global budget updated", "cap_usd", b.DailyCapUSD, "action", b.Action)
}

// CreatureBudget returns the effective budget for one creature: its own
// override if set, else the global default.
func (m *Manager) CreatureBudget(name string) models.Budget {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.creatureBudgets[name]; ok && b.IsSet() {
		return b
	}
	return m.globalBudget
}

// SetCreatureBudget sets a per-creature override.
func (m *Manager) SetCreatureBudget(name string, b models.Budget) {
	m.mu.Lock()
	m.creatureBudgets[name] = b
	m.mu.Unlock()
	m.logger.Info("Creature budget updated", "creature", name,
		"cap_usd", b.DailyCapUSD, "action", b.Action)
}

// CheckBudget is the predicate the LLM proxy calls on every request.
func (m *Manager) CheckBudget(name string) llmproxy.BudgetDecision {
	b := m.CreatureBudget(name)
	if !b.IsSet() {
		return llmproxy.BudgetDecision{}
	}
	spent := m.cost.CreatureDailyCost(name)
	return llmproxy.BudgetDecision{
		Exceeded: spent >= b.DailyCapUSD,
		Action:   b.Action,
		CapUSD:   b.DailyCapUSD,
		SpentUSD: spent,
	}
}

// OnBudgetExceeded puts the offending creature to sleep.
func (m *Manager) OnBudgetExceeded(name string) {
	if sup, ok := m.Get(name); ok {
		sup.Sleep(models.SleepReasonBudget)
	}
}

// OnModelSeen records the model a creature actually uses.
func (m *Manager) OnModelSeen(name, model string) {
	if sup, ok := m.Get(name); ok {
		sup.SetModel(model)
	}
}
