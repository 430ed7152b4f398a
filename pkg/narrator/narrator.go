// Package narrator runs the background agent that periodically turns the
// fleet's recent events into short prose entries. It is an observer: it
// reads creature state through a fixed tool set but never mutates it.
package narrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/menagerie-sh/menagerie/pkg/events"
	"github.com/menagerie-sh/menagerie/pkg/llm"
	"github.com/menagerie-sh/menagerie/pkg/models"
)

const (
	// initialDelay is the wait before the first tick after boot.
	initialDelay = 15 * time.Second
	// maxToolRounds bounds the investigation loop.
	maxToolRounds = 5
	// maxEntries bounds the narration file.
	maxEntries = 500
	// continuityEntries is how many past entries are replayed for context.
	continuityEntries = 5
	// thoughtMinLength filters trivial thoughts out of narration input.
	thoughtMinLength = 20

	maxTokens = 2048
)

const systemPrompt = `You are the narrator of a small menagerie of autonomous software creatures. You receive their recent events and write a short, concrete narration entry: one or two sentences per creature that did something notable. No headings, no bullet lists.

You may investigate with the provided tools before writing (at most a few calls).

After the prose, include a fenced json block mapping creature names to a one-sentence "share" addressed to that creature, for anything worth telling them directly. Omit the block if there is nothing to share.

If nothing notable happened, reply with exactly SKIP.`

// UsageRecorder books narrator LLM spend. Implemented by cost.Tracker.
type UsageRecorder interface {
	Record(identity string, inputTokens, outputTokens int64, model string)
}

// FleetView is the read-only slice of the fleet the narrator's tools need.
type FleetView interface {
	Names() []string
	List() []models.CreatureInfo
}

// Narrator owns the narration loop.
type Narrator struct {
	llm          llm.Caller
	store        *events.Store
	cost         UsageRecorder
	fleet        FleetView
	creaturesDir string
	path         string
	logger       *slog.Logger

	mu      sync.Mutex
	cfg     models.NarratorConfig
	pending []models.Event

	running atomic.Bool
	stop    chan struct{}
	unsub   func()
	wg      sync.WaitGroup
}

// New creates a narrator writing to narrationPath.
func New(cfg models.NarratorConfig, caller llm.Caller, store *events.Store, cost UsageRecorder, fleet FleetView, creaturesDir, narrationPath string) *Narrator {
	return &Narrator{
		llm:          caller,
		store:        store,
		cost:         cost,
		fleet:        fleet,
		creaturesDir: creaturesDir,
		path:         narrationPath,
		logger:       slog.With("component", "narrator"),
		cfg:          cfg,
		stop:         make(chan struct{}),
	}
}

// Start subscribes to the event bus and begins ticking. First tick after
// 15s, then every configured interval.
func (n *Narrator) Start() {
	n.unsub = n.store.Subscribe(func(evt models.Event) {
		if !interesting(evt) {
			return
		}
		n.mu.Lock()
		n.pending = append(n.pending, evt)
		n.mu.Unlock()
	})

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		timer := time.NewTimer(initialDelay)
		defer timer.Stop()
		for {
			select {
			case <-n.stop:
				return
			case <-timer.C:
				n.RunOnce(context.Background())
				timer.Reset(n.interval())
			}
		}
	}()
}

// Stop ends the loop and unsubscribes.
func (n *Narrator) Stop() {
	close(n.stop)
	if n.unsub != nil {
		n.unsub()
	}
	n.wg.Wait()
}

// Config returns the current narrator configuration.
func (n *Narrator) Config() models.NarratorConfig {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cfg
}

// SetConfig replaces the configuration at runtime.
func (n *Narrator) SetConfig(cfg models.NarratorConfig) {
	n.mu.Lock()
	n.cfg = cfg
	n.mu.Unlock()
	n.logger.Info("Narrator config updated", "enabled", cfg.Enabled,
		"model", cfg.Model, "interval_minutes", cfg.IntervalMinutes)
}

func (n *Narrator) interval() time.Duration {
	cfg := n.Config()
	if cfg.IntervalMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(cfg.IntervalMinutes) * time.Minute
}

// interesting selects the event subset worth narrating.
func interesting(evt models.Event) bool {
	switch evt.Type {
	case models.EventCreatureDream, models.EventCreatureSelfEvaluation,
		models.EventCreatorEvaluation, models.EventCreatureWake:
		return true
	case models.EventCreatureSleep:
		return evt.Text() != ""
	case models.EventCreatureThought:
		return len(evt.Text()) > thoughtMinLength
	}
	return strings.HasPrefix(evt.Type, "budget.")
}

// RunOnce performs one narration pass. Single-flight: overlapping calls
// return immediately.
func (n *Narrator) RunOnce(ctx context.Context) {
	if !n.Config().Enabled {
		return
	}
	if !n.running.CompareAndSwap(false, true) {
		return
	}
	defer n.running.Store(false)

	n.mu.Lock()
	batch := n.pending
	n.pending = nil
	n.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	entry, err := n.narrate(ctx, batch)
	if err != nil {
		n.logger.Warn("Narration failed", "error", err)
		// The batch is lost on purpose: replaying stale events into the
		// next tick produces repetitive narration.
		return
	}
	if entry == nil {
		n.logger.Info("Narrator skipped", "events", len(batch))
		return
	}

	if err := n.appendEntry(*entry); err != nil {
		n.logger.Warn("Failed to persist narration", "error", err)
	}
	n.store.Append(models.NarratorIdentity, models.NewEvent(models.NarratorIdentity,
		models.EventNarratorEntry, map[string]any{"text": entry.Text}))
	n.logger.Info("Narration written", "events", entry.EventCount,
		"mentioned", entry.CreaturesMentioned)
}

// narrate runs the agentic loop. A nil entry with nil error means SKIP.
func (n *Narrator) narrate(ctx context.Context, batch []models.Event) (*models.NarrationEntry, error) {
	cfg := n.Config()

	system := llm.MessageContent{Text: systemPrompt}
	messages := []llm.Message{llm.TextMessage("user", n.buildUserPrompt(batch))}

	var final string
	for round := 0; ; round++ {
		resp, err := n.llm.Messages(ctx, &llm.MessagesRequest{
			Model:     cfg.Model,
			MaxTokens: maxTokens,
			System:    &system,
			Messages:  messages,
			Tools:     toolDefs,
		})
		if err != nil {
			return nil, err
		}
		n.cost.Record(models.NarratorIdentity, resp.Usage.InputTokens, resp.Usage.OutputTokens, cfg.Model)

		uses := resp.ToolUses()
		if len(uses) == 0 || round >= maxToolRounds {
			final = resp.TextContent()
			break
		}

		messages = append(messages, llm.Message{Role: "assistant", Content: llm.MessageContent{Blocks: resp.Content}})
		var results []llm.ContentBlock
		for _, use := range uses {
			out, terr := n.runTool(use.Name, use.Input)
			results = append(results, llm.ToolResultBlock(use.ID, out, terr != nil))
		}
		messages = append(messages, llm.BlocksMessage("user", results...))
	}

	if strings.EqualFold(strings.TrimSpace(final), "SKIP") {
		return nil, nil
	}

	shares, prose := extractShareBlock(final)
	return &models.NarrationEntry{
		T:                  time.Now().UTC().Format(time.RFC3339),
		Text:               prose,
		Shares:             shares,
		CreaturesMentioned: mentions(prose, n.fleet.Names()),
		EventCount:         len(batch),
	}, nil
}

// buildUserPrompt formats the new events plus recent entries for
// continuity.
func (n *Narrator) buildUserPrompt(batch []models.Event) string {
	var b strings.Builder
	b.WriteString("New events since the last narration:\n")
	for _, evt := range batch {
		fmt.Fprintf(&b, "- [%s] %s %s", evt.T, evt.Creature, evt.Type)
		if text := evt.Text(); text != "" {
			fmt.Fprintf(&b, ": %s", text)
		}
		b.WriteByte('\n')
	}

	if recent := n.readEntries(continuityEntries); len(recent) > 0 {
		b.WriteString("\nYour last entries, for continuity:\n")
		for _, e := range recent {
			fmt.Fprintf(&b, "- [%s] %s\n", e.T, e.Text)
		}
	}
	return b.String()
}

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// extractShareBlock pulls the fenced JSON share map out of the narration
// text, returning the map and the remaining prose.
func extractShareBlock(text string) (map[string]string, string) {
	m := fencedJSONRe.FindStringSubmatch(text)
	if m == nil {
		return nil, strings.TrimSpace(text)
	}
	var shares map[string]string
	if err := json.Unmarshal([]byte(m[1]), &shares); err != nil {
		return nil, strings.TrimSpace(text)
	}
	prose := strings.Replace(text, m[0], "", 1)
	return shares, strings.TrimSpace(prose)
}

// mentions finds whole-word creature name occurrences in the prose.
func mentions(prose string, names []string) []string {
	var out []string
	for _, name := range names {
		re := regexp.MustCompile(`\b` + regexp.QuoteMeta(name) + `\b`)
		if re.MatchString(prose) {
			out = append(out, name)
		}
	}
	return out
}

// appendEntry persists the entry and truncates the file to the last
// maxEntries.
func (n *Narrator) appendEntry(entry models.NarrationEntry) error {
	entries := n.readEntries(maxEntries)
	entries = append(entries, entry)
	if len(entries) > maxEntries {
		entries = entries[len(entries)-maxEntries:]
	}

	var b strings.Builder
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		b.Write(data)
		b.WriteByte('\n')
	}
	if err := os.MkdirAll(filepath.Dir(n.path), 0o755); err != nil {
		return err
	}
	tmp := n.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, n.path)
}

// Recent returns the last n narration entries, newest last.
func (n *Narrator) Recent(count int) []models.NarrationEntry {
	return n.readEntries(count)
}

func (n *Narrator) readEntries(count int) []models.NarrationEntry {
	data, err := os.ReadFile(n.path)
	if err != nil {
		return nil
	}
	var entries []models.NarrationEntry
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var e models.NarrationEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if count > 0 && len(entries) > count {
		entries = entries[len(entries)-count:]
	}
	return entries
}
