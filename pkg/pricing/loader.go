// Package pricing resolves model names to per-token USD prices. The table
// is fetched from a public pricing feed and cached on disk so the
// orchestrator keeps working offline.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/menagerie-sh/menagerie/pkg/models"
)

// cacheTTL is how long the on-disk cache is trusted before a refresh is
// attempted.
const cacheTTL = 24 * time.Hour

// fetchTimeout bounds the network fetch of the pricing feed.
const fetchTimeout = 15 * time.Second

// Pricing is the USD cost per single token.
type Pricing struct {
	Input  float64
	Output float64
}

// modelPrefixes are tried in order when resolving a bare model name against
// the provider-prefixed keys of the upstream table.
var modelPrefixes = []string{"", "gemini/", "vertex_ai/", "openrouter/", "openai/", "anthropic/"}

// feedEntry is the subset of the upstream table we care about. Entries that
// fail to decode (the feed mixes in spec rows) are skipped.
type feedEntry struct {
	InputCostPerToken  float64 `json:"input_cost_per_token"`
	OutputCostPerToken float64 `json:"output_cost_per_token"`
}

// Loader loads and serves the pricing table.
type Loader struct {
	cachePath string
	url       string
	client    *http.Client
	logger    *slog.Logger

	mu    sync.RWMutex
	table map[string]Pricing
	state models.DepState
}

// NewLoader creates a loader that caches at cachePath and refreshes from url.
func NewLoader(cachePath, url string) *Loader {
	return &Loader{
		cachePath: cachePath,
		url:       url,
		client:    &http.Client{Timeout: fetchTimeout},
		logger:    slog.With("component", "pricing"),
		table:     map[string]Pricing{},
		state:     models.DepUnknown,
	}
}

// Load populates the table: fresh cache wins, otherwise the feed is
// fetched and cached. A fetch failure with stale cached data keeps the
// cached table and the loader stays up; with no data at all the loader
// reports down. Load never returns an error — pricing being unavailable
// must not stop the orchestrator.
func (l *Loader) Load(ctx context.Context) {
	if table, fresh := l.loadCache(); table != nil && fresh {
		l.setTable(table, models.DepUp)
		l.logger.Info("Pricing loaded from cache", "models", len(table))
		return
	}

	table, err := l.fetch(ctx)
	if err == nil {
		l.setTable(table, models.DepUp)
		l.logger.Info("Pricing fetched", "models", len(table))
		return
	}

	if cached, _ := l.loadCache(); cached != nil {
		l.setTable(cached, models.DepUp)
		l.logger.Warn("Pricing fetch failed, using stale cache",
			"models", len(cached), "error", err)
		return
	}

	l.setTable(nil, models.DepDown)
	l.logger.Warn("Pricing unavailable, cost recording degraded to zero", "error", err)
}

// Lookup resolves a model name: exact and prefixed keys first, then any key
// ending in "/<model>". Returns nil when the model is unknown.
func (l *Loader) Lookup(model string) *Pricing {
	if model == "" {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, prefix := range modelPrefixes {
		if p, ok := l.table[prefix+model]; ok {
			cp := p
			return &cp
		}
	}
	suffix := "/" + model
	for key, p := range l.table {
		if len(key) > len(suffix) && key[len(key)-len(suffix):] == suffix {
			cp := p
			return &cp
		}
	}
	return nil
}

// Status reports the loader's dependency state for the health monitor.
func (l *Loader) Status() models.DepState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// SetTable replaces the table directly. Test seam.
func (l *Loader) SetTable(table map[string]Pricing) {
	l.setTable(table, models.DepUp)
}

func (l *Loader) setTable(table map[string]Pricing, state models.DepState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if table != nil {
		l.table = table
	}
	l.state = state
}

// loadCache reads the cache file; fresh reports whether it is within TTL.
func (l *Loader) loadCache() (table map[string]Pricing, fresh bool) {
	info, err := os.Stat(l.cachePath)
	if err != nil {
		return nil, false
	}
	data, err := os.ReadFile(l.cachePath)
	if err != nil {
		return nil, false
	}
	table, err = parseFeed(data)
	if err != nil || len(table) == 0 {
		return nil, false
	}
	return table, time.Since(info.ModTime()) < cacheTTL
}

func (l *Loader) fetch(ctx context.Context) (map[string]Pricing, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pricing feed returned %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	table, err := parseFeed(data)
	if err != nil {
		return nil, err
	}
	if len(table) == 0 {
		return nil, fmt.Errorf("pricing feed contained no usable entries")
	}

	if err := os.MkdirAll(filepath.Dir(l.cachePath), 0o755); err == nil {
		if err := os.WriteFile(l.cachePath, data, 0o644); err != nil {
			l.logger.Warn("Failed to write pricing cache", "error", err)
		}
	}
	return table, nil
}

// parseFeed decodes the upstream table, skipping non-model rows.
func parseFeed(data []byte) (map[string]Pricing, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse pricing feed: %w", err)
	}
	table := make(map[string]Pricing, len(raw))
	for model, entry := range raw {
		var fe feedEntry
		if err := json.Unmarshal(entry, &fe); err != nil {
			continue
		}
		if fe.InputCostPerToken == 0 && fe.OutputCostPerToken == 0 {
			continue
		}
		table[model] = Pricing{Input: fe.InputCostPerToken, Output: fe.OutputCostPerToken}
	}
	return table, nil
}
