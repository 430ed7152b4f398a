// Package health runs periodic liveness checks on the orchestrator's
// external dependencies (container runtime, janee side-car, pricing feed)
// and notifies listeners when the aggregate state flips between healthy
// and degraded.
package health

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/menagerie-sh/menagerie/pkg/models"
)

// CheckInterval is the period between check rounds.
const CheckInterval = 15 * time.Second

// checkTimeout bounds a single dependency probe.
const checkTimeout = 5 * time.Second

// Probe checks one dependency. A nil error means up; version is optional.
type Probe func(ctx context.Context) (version string, err error)

// Listener is invoked with a deep snapshot after every aggregate
// healthy↔degraded transition.
type Listener func(status string, deps map[string]models.DependencyStatus)

type check struct {
	name  string
	probe Probe
}

// Monitor owns the dependency status map. Probes run sequentially on a
// single loop goroutine; reads get deep copies.
type Monitor struct {
	checks []check
	logger *slog.Logger

	interval time.Duration

	mu        sync.RWMutex
	statuses  map[string]models.DependencyStatus
	listeners []Listener
	lastAgg   string

	inFlight atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewMonitor creates a monitor with no checks registered.
func NewMonitor() *Monitor {
	return &Monitor{
		interval: CheckInterval,
		logger:   slog.With("component", "health"),
		statuses: make(map[string]models.DependencyStatus),
	}
}

// Register adds a named dependency check. Must be called before Start.
func (m *Monitor) Register(name string, probe Probe) {
	m.checks = append(m.checks, check{name: name, probe: probe})
	m.mu.Lock()
	m.statuses[name] = models.DependencyStatus{Status: models.DepUnknown}
	m.mu.Unlock()
}

// OnChange registers a listener for aggregate state transitions.
func (m *Monitor) OnChange(l Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// PublishTransitions routes aggregate transitions onto the event plane as
// orchestrator.status events carrying the new status and the per-dependency
// states.
func (m *Monitor) PublishTransitions(publish func(models.Event)) {
	m.OnChange(func(status string, deps map[string]models.DependencyStatus) {
		depStates := make(map[string]any, len(deps))
		for name, d := range deps {
			depStates[name] = string(d.Status)
		}
		publish(models.NewEvent("", models.EventOrchestratorStatus, map[string]any{
			"status": status,
			"deps":   depStates,
		}))
	})
}

// Start launches the check loop. Calling Start twice is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx)
}

// Stop terminates the loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil
}

// Snapshot returns a deep copy of the dependency map.
func (m *Monitor) Snapshot() map[string]models.DependencyStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]models.DependencyStatus, len(m.statuses))
	for k, v := range m.statuses {
		out[k] = v
	}
	return out
}

// Status returns "healthy" or "degraded" for the current snapshot.
func (m *Monitor) Status() string {
	return models.AggregateStatus(m.Snapshot())
}

// RunChecks executes one round immediately. Exposed so boot and tests can
// prime statuses without waiting for the first tick. Rounds never overlap:
// if one is still in flight the call is skipped.
func (m *Monitor) RunChecks(ctx context.Context) {
	if !m.inFlight.CompareAndSwap(false, true) {
		m.logger.Debug("Previous check round still in flight, skipping")
		return
	}
	defer m.inFlight.Store(false)

	for _, c := range m.checks {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		version, err := c.probe(checkCtx)
		cancel()

		status := models.DependencyStatus{
			Status:    models.DepUp,
			LastCheck: time.Now().UTC(),
			Version:   version,
		}
		if err != nil {
			status.Status = models.DepDown
			status.Error = err.Error()
		}

		m.mu.Lock()
		m.statuses[c.name] = status
		m.mu.Unlock()
	}

	m.notifyIfChanged()
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	m.RunChecks(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunChecks(ctx)
		}
	}
}

func (m *Monitor) notifyIfChanged() {
	m.mu.Lock()
	agg := models.AggregateStatus(m.statuses)
	changed := agg != m.lastAgg && m.lastAgg != ""
	first := m.lastAgg == ""
	m.lastAgg = agg
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	snapshot := make(map[string]models.DependencyStatus, len(m.statuses))
	for k, v := range m.statuses {
		snapshot[k] = v
	}
	m.mu.Unlock()

	if first {
		m.logger.Info("Initial dependency state", "status", agg)
	}
	if !changed {
		return
	}
	m.logger.Info("Dependency state changed", "status", agg)
	for _, l := range listeners {
		l(agg, snapshot)
	}
}
