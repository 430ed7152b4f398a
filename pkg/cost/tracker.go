// Package cost tracks per-identity token usage and USD spend. Counters are
// cumulative for the process lifetime plus a daily bucket that resets on
// UTC day change; the whole table checkpoints to disk periodically.
package cost

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/menagerie-sh/menagerie/pkg/models"
	"github.com/menagerie-sh/menagerie/pkg/pricing"
)

// autosaveInterval is how often a dirty table is flushed to disk.
const autosaveInterval = 30 * time.Second

// creatureIdentityPrefix appears in proxy identity headers; cost entries are
// keyed by the bare creature name, but CreatureCost tolerates both forms.
const creatureIdentityPrefix = "creature:"

// PriceLookup resolves a model's per-token pricing. Implemented by
// pricing.Loader; nil lookups record zero cost.
type PriceLookup interface {
	Lookup(model string) *pricing.Pricing
}

// Tracker is the cost accounting table. All methods are safe for concurrent
// use; records for one identity are totally ordered by the table lock.
type Tracker struct {
	path   string
	prices PriceLookup
	logger *slog.Logger

	// now is a test seam for daily-reset behavior.
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*models.UsageEntry
	dirty   bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewTracker loads any existing usage file from path and starts the
// autosave loop.
func NewTracker(path string, prices PriceLookup) *Tracker {
	t := &Tracker{
		path:    path,
		prices:  prices,
		logger:  slog.With("component", "cost"),
		now:     time.Now,
		entries: make(map[string]*models.UsageEntry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	t.load()
	go t.autosaveLoop()
	return t
}

// Record adds one LLM call's tokens to the identity's counters. Unknown
// models record tokens and calls with zero cost. A new UTC calendar day
// resets the daily bucket before the call is added.
func (t *Tracker) Record(identity string, inputTokens, outputTokens int64, model string) {
	var callCost float64
	if t.prices != nil {
		if p := t.prices.Lookup(model); p != nil {
			callCost = float64(inputTokens)*p.Input + float64(outputTokens)*p.Output
		} else if model != "" {
			t.logger.Warn("Unknown model, recording zero cost", "model", model, "identity", identity)
		}
	}

	today := t.today()

	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entries[identity]
	if e == nil {
		e = &models.UsageEntry{DailyDate: today}
		t.entries[identity] = e
	}
	if e.DailyDate != today {
		e.DailyDate = today
		e.DailyCostUSD = 0
	}
	e.InputTokens += inputTokens
	e.OutputTokens += outputTokens
	e.Calls++
	e.CostUSD += callCost
	e.DailyCostUSD += callCost
	t.dirty = true
}

// Get returns a copy of the identity's entry, or nil when never recorded.
func (t *Tracker) Get(identity string) *models.UsageEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[identity]
	if !ok {
		return nil
	}
	cp := *e
	return &cp
}

// GetAll returns a snapshot of every entry.
func (t *Tracker) GetAll() map[string]models.UsageEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]models.UsageEntry, len(t.entries))
	for k, v := range t.entries {
		out[k] = *v
	}
	return out
}

// Total returns the cumulative USD spend across all identities.
func (t *Tracker) Total() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total float64
	for _, e := range t.entries {
		total += e.CostUSD
	}
	return total
}

// CreatureCost sums cumulative spend attributable to a creature: its own
// identity plus creator runs on it.
func (t *Tracker) CreatureCost(name string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total float64
	for id, e := range t.entries {
		if t.identityBelongsTo(id, name) {
			total += e.CostUSD
		}
	}
	return total
}

// CreatureDailyCost sums today's spend attributable to a creature. Entries
// whose daily date is stale contribute zero — their bucket belongs to a
// previous day and resets on the next record.
func (t *Tracker) CreatureDailyCost(name string) float64 {
	today := t.today()
	t.mu.Lock()
	defer t.mu.Unlock()
	var total float64
	for id, e := range t.entries {
		if t.identityBelongsTo(id, name) && e.DailyDate == today {
			total += e.DailyCostUSD
		}
	}
	return total
}

// Close stops the autosave loop and flushes synchronously.
func (t *Tracker) Close() {
	t.stopOnce.Do(func() {
		close(t.stop)
		<-t.done
	})
	t.Flush()
}

// Flush writes the table to disk if dirty.
func (t *Tracker) Flush() {
	t.mu.Lock()
	if !t.dirty {
		t.mu.Unlock()
		return
	}
	snapshot := make(map[string]models.UsageEntry, len(t.entries))
	for k, v := range t.entries {
		snapshot[k] = *v
	}
	t.dirty = false
	t.mu.Unlock()

	if err := t.save(snapshot); err != nil {
		t.logger.Warn("Failed to save usage", "path", t.path, "error", err)
	}
}

func (t *Tracker) identityBelongsTo(identity, name string) bool {
	return identity == name ||
		identity == models.CreatorIdentityPrefix+name ||
		identity == creatureIdentityPrefix+name
}

func (t *Tracker) today() string {
	return t.now().UTC().Format("2006-01-02")
}

func (t *Tracker) autosaveLoop() {
	defer close(t.done)
	ticker := time.NewTicker(autosaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.Flush()
		}
	}
}

func (t *Tracker) load() {
	data, err := os.ReadFile(t.path)
	if err != nil {
		if !os.IsNotExist(err) {
			t.logger.Warn("Failed to read usage file", "path", t.path, "error", err)
		}
		return
	}
	var entries map[string]*models.UsageEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.logger.Warn("Corrupt usage file, starting fresh", "path", t.path, "error", err)
		return
	}
	// Drop any padded keys from older files.
	for k, v := range entries {
		t.entries[strings.TrimSpace(k)] = v
	}
}

func (t *Tracker) save(snapshot map[string]models.UsageEntry) error {
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, t.path)
}
