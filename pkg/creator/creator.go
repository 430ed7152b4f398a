// Package creator runs the per-creature evaluator agent. It is triggered
// by a deep dream, an explicit API call, or a creature asking for
// evolution; it inspects one creature's directory with shell access, may
// change the source, and concludes with a structured evaluation.
package creator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/menagerie-sh/menagerie/pkg/events"
	"github.com/menagerie-sh/menagerie/pkg/fleet"
	"github.com/menagerie-sh/menagerie/pkg/llm"
	"github.com/menagerie-sh/menagerie/pkg/models"
)

const (
	// maxTurns bounds one evaluation run.
	maxTurns = 30
	// commandTimeout bounds each run_command invocation.
	commandTimeout = 60 * time.Second

	maxTokens = 4096
)

const systemPromptFmt = `You are the creator of a software creature named %q. You were woken because: %s.

The creature's directory is your working directory. Evaluate how the creature is doing against its PURPOSE.md and its recent events. You may change its source. If you change anything, verify it still builds, then use the restart tool. Always finish with the done tool, summarizing your reasoning and whether you changed anything.`

// UsageRecorder books creator LLM spend. Implemented by cost.Tracker.
type UsageRecorder interface {
	Record(identity string, inputTokens, outputTokens int64, model string)
}

// Result is the outcome of one evaluation run, also persisted to the
// creature's creator-log.jsonl.
type Result struct {
	T         string `json:"t"`
	Trigger   string `json:"trigger"`
	Reasoning string `json:"reasoning"`
	Changed   bool   `json:"changed"`
	Turns     int    `json:"turns"`
}

// Creator dispatches and runs evaluations.
type Creator struct {
	llm          llm.Caller
	store        *events.Store
	cost         UsageRecorder
	fleet        *fleet.Manager
	creaturesDir string
	model        string
	logger       *slog.Logger

	mu     sync.Mutex
	active map[string]bool

	stop  chan struct{}
	unsub func()
	wg    sync.WaitGroup
}

// New creates a creator using model for its own LLM calls.
func New(caller llm.Caller, store *events.Store, cost UsageRecorder, fl *fleet.Manager, creaturesDir, model string) *Creator {
	return &Creator{
		llm:          caller,
		store:        store,
		cost:         cost,
		fleet:        fl,
		creaturesDir: creaturesDir,
		model:        model,
		logger:       slog.With("component", "creator"),
		active:       map[string]bool{},
		stop:         make(chan struct{}),
	}
}

// Start watches the event bus for triggers.
func (c *Creator) Start() {
	c.unsub = c.store.Subscribe(func(evt models.Event) {
		var trigger string
		switch evt.Type {
		case models.EventCreatureDream:
			if deep, _ := evt.Fields["deep"].(bool); !deep {
				return
			}
			trigger = "deep dream"
		case models.EventRequestEvolution:
			trigger = "evolution requested"
			if reason, _ := evt.Fields["reason"].(string); reason != "" {
				trigger += ": " + reason
			}
		default:
			return
		}

		name := evt.Creature
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if _, err := c.Evaluate(context.Background(), name, trigger); err != nil {
				c.logger.Warn("Evaluation failed", "creature", name, "error", err)
			}
		}()
	})
}

// Stop unsubscribes and waits for in-flight evaluations.
func (c *Creator) Stop() {
	close(c.stop)
	if c.unsub != nil {
		c.unsub()
	}
	c.wg.Wait()
}

// Evaluate runs one evaluation for the named creature. Single-flight per
// creature: a second trigger while one runs is dropped.
func (c *Creator) Evaluate(ctx context.Context, name, trigger string) (*Result, error) {
	sup, ok := c.fleet.Get(name)
	if !ok {
		return nil, fleet.ErrNotFound
	}

	c.mu.Lock()
	if c.active[name] {
		c.mu.Unlock()
		c.logger.Info("Evaluation already running, dropping trigger",
			"creature", name, "trigger", trigger)
		return nil, nil
	}
	c.active[name] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.active, name)
		c.mu.Unlock()
	}()

	c.logger.Info("Evaluation starting", "creature", name, "trigger", trigger)

	session := &session{
		creator: c,
		name:    name,
		dir:     filepath.Join(c.creaturesDir, name),
		sup:     sup,
		trigger: trigger,
	}
	result, err := session.run(ctx)
	if err != nil {
		return nil, err
	}

	c.persist(name, result)
	c.store.Append(name, models.NewEvent(name, models.EventCreatorEvaluation, map[string]any{
		"trigger":   trigger,
		"reasoning": result.Reasoning,
		"changed":   result.Changed,
	}))
	c.logger.Info("Evaluation finished", "creature", name,
		"changed", result.Changed, "turns", result.Turns)
	return result, nil
}

func (c *Creator) persist(name string, result *Result) {
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	path := filepath.Join(c.creaturesDir, name, ".self", "creator-log.jsonl")
	if err := appendLine(path, data); err != nil {
		c.logger.Warn("Failed to append creator log", "creature", name, "error", err)
	}
}

// session is the state of one evaluation run.
type session struct {
	creator *Creator
	name    string
	dir     string
	sup     supervisorControl
	trigger string

	changed bool
}

// supervisorControl is the slice of the supervisor the session uses.
type supervisorControl interface {
	Info() models.CreatureInfo
	Restart(ctx context.Context) error
}

// run drives the LLM turn loop until done is called or turns run out.
func (s *session) run(ctx context.Context) (*Result, error) {
	system := llm.MessageContent{Text: fmt.Sprintf(systemPromptFmt, s.name, s.trigger)}
	messages := []llm.Message{llm.TextMessage("user",
		"Begin your evaluation. Read PURPOSE.md and the recent events first.")}

	result := &Result{
		T:       time.Now().UTC().Format(time.RFC3339),
		Trigger: s.trigger,
	}

	for turn := 1; turn <= maxTurns; turn++ {
		result.Turns = turn

		resp, err := s.creator.llm.Messages(ctx, &llm.MessagesRequest{
			Model:     s.creator.model,
			MaxTokens: maxTokens,
			System:    &system,
			Messages:  messages,
			Tools:     toolDefs,
		})
		if err != nil {
			return nil, err
		}
		s.creator.cost.Record(models.CreatorIdentityPrefix+s.name,
			resp.Usage.InputTokens, resp.Usage.OutputTokens, s.creator.model)

		uses := resp.ToolUses()
		if len(uses) == 0 {
			// Model stopped without calling done; take its text as the
			// reasoning.
			result.Reasoning = strings.TrimSpace(resp.TextContent())
			result.Changed = s.changed
			return result, nil
		}

		messages = append(messages, llm.Message{Role: "assistant", Content: llm.MessageContent{Blocks: resp.Content}})
		var results []llm.ContentBlock
		for _, use := range uses {
			if use.Name == "done" {
				var args doneArgs
				_ = json.Unmarshal(use.Input, &args)
				result.Reasoning = args.Reasoning
				result.Changed = args.Changed || s.changed
				return result, nil
			}
			out, terr := s.runTool(ctx, use.Name, use.Input)
			results = append(results, llm.ToolResultBlock(use.ID, out, terr != nil))
		}
		messages = append(messages, llm.BlocksMessage("user", results...))
	}

	result.Reasoning = "turn limit reached"
	result.Changed = s.changed
	return result, nil
}
