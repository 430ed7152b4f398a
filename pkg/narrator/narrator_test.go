package narrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menagerie-sh/menagerie/pkg/events"
	"github.com/menagerie-sh/menagerie/pkg/llm"
	"github.com/menagerie-sh/menagerie/pkg/models"
)

// scriptedCaller replays canned responses and records every request.
type scriptedCaller struct {
	mu        sync.Mutex
	responses []*llm.MessagesResponse
	err       error
	requests  []*llm.MessagesRequest
}

func (c *scriptedCaller) Messages(ctx context.Context, req *llm.MessagesRequest) (*llm.MessagesResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.err != nil {
		return nil, c.err
	}
	if len(c.responses) == 0 {
		return textResponse("SKIP"), nil
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

func (c *scriptedCaller) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func textResponse(text string) *llm.MessagesResponse {
	return &llm.MessagesResponse{
		Role:       "assistant",
		Content:    []llm.ContentBlock{llm.TextBlock(text)},
		StopReason: llm.StopEndTurn,
		Usage:      llm.Usage{InputTokens: 10, OutputTokens: 5},
	}
}

type recordedUsage struct {
	identity string
	model    string
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []recordedUsage
}

func (f *fakeRecorder) Record(identity string, in, out int64, model string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, recordedUsage{identity, model})
}

func (f *fakeRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type fakeFleet struct{ names []string }

func (f fakeFleet) Names() []string { return f.names }

func (f fakeFleet) List() []models.CreatureInfo {
	out := make([]models.CreatureInfo, 0, len(f.names))
	for _, n := range f.names {
		out = append(out, models.CreatureInfo{Name: n, Status: models.StatusRunning})
	}
	return out
}

type narratorFixture struct {
	n      *Narrator
	caller *scriptedCaller
	cost   *fakeRecorder
	store  *events.Store
	path   string
}

func newFixture(t *testing.T, names ...string) *narratorFixture {
	t.Helper()
	home := t.TempDir()
	creaturesDir := filepath.Join(home, "creatures")
	require.NoError(t, os.MkdirAll(creaturesDir, 0o755))

	caller := &scriptedCaller{}
	cost := &fakeRecorder{}
	store := events.NewStore(creaturesDir, filepath.Join(home, "narrator"))
	path := filepath.Join(home, "narration.jsonl")

	cfg := models.NarratorConfig{Enabled: true, Model: "claude-sonnet-4-5", IntervalMinutes: 30}
	n := New(cfg, caller, store, cost, fakeFleet{names: names}, creaturesDir, path)
	return &narratorFixture{n: n, caller: caller, cost: cost, store: store, path: path}
}

func (f *narratorFixture) addPending(evts ...models.Event) {
	f.n.mu.Lock()
	f.n.pending = append(f.n.pending, evts...)
	f.n.mu.Unlock()
}

func TestInterestingFilter(t *testing.T) {
	cases := []struct {
		evt  models.Event
		want bool
	}{
		{models.NewEvent("a", models.EventCreatureDream, map[string]any{"text": "x"}), true},
		{models.NewEvent("a", models.EventCreatureSelfEvaluation, nil), true},
		{models.NewEvent("a", models.EventCreatorEvaluation, nil), true},
		{models.NewEvent("a", models.EventCreatureWake, nil), true},
		{models.NewEvent("a", models.EventCreatureSleep, nil), false},
		{models.NewEvent("a", models.EventCreatureSleep, map[string]any{"text": "goodnight"}), true},
		{models.NewEvent("a", models.EventCreatureThought, map[string]any{"text": "short"}), false},
		{models.NewEvent("a", models.EventCreatureThought, map[string]any{"text": "a genuinely substantial thought"}), true},
		{models.NewEvent("a", models.EventBudgetExceeded, nil), true},
		{models.NewEvent("a", models.EventCreatureToolCall, nil), false},
		{models.NewEvent("a", models.EventHostPromote, nil), false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, interesting(tc.evt), "type %s text %q", tc.evt.Type, tc.evt.Text())
	}
}

func TestRunOnceWithNoEventsMakesNoLLMCall(t *testing.T) {
	f := newFixture(t, "alpha")

	f.n.RunOnce(context.Background())

	assert.Zero(t, f.caller.calls(), "an empty batch must not reach the model")
	_, err := os.Stat(f.path)
	assert.True(t, os.IsNotExist(err))
}

func TestRunOnceDisabledDoesNothing(t *testing.T) {
	f := newFixture(t, "alpha")
	f.n.SetConfig(models.NarratorConfig{Enabled: false, Model: "claude-sonnet-4-5"})
	f.addPending(models.NewEvent("alpha", models.EventCreatureDream, map[string]any{"text": "x"}))

	f.n.RunOnce(context.Background())
	assert.Zero(t, f.caller.calls())
}

func TestRunOnceWritesEntrySharesAndEvent(t *testing.T) {
	f := newFixture(t, "alpha", "beta")
	f.caller.responses = []*llm.MessagesResponse{textResponse(
		"alpha dreamed about prime spirals while beta slept through the night.\n\n" +
			"```json\n{\"alpha\": \"your spiral idea overlaps with beta's notes\"}\n```",
	)}
	f.addPending(
		models.NewEvent("alpha", models.EventCreatureDream, map[string]any{"text": "prime spirals"}),
		models.NewEvent("beta", models.EventCreatureSleep, map[string]any{"text": "goodnight"}),
	)

	f.n.RunOnce(context.Background())

	entries := f.n.Recent(10)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.NotContains(t, e.Text, "```", "fenced share block is stripped from prose")
	assert.Contains(t, e.Text, "prime spirals")
	assert.Equal(t, map[string]string{"alpha": "your spiral idea overlaps with beta's notes"}, e.Shares)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, e.CreaturesMentioned)
	assert.Equal(t, 2, e.EventCount)

	recent := f.store.ReadRecent(models.NarratorIdentity, 10)
	require.Len(t, recent, 1)
	assert.Equal(t, models.EventNarratorEntry, recent[0].Type)

	require.Equal(t, 1, f.cost.count())
	f.cost.mu.Lock()
	assert.Equal(t, models.NarratorIdentity, f.cost.records[0].identity)
	f.cost.mu.Unlock()
}

func TestSkipWritesNothing(t *testing.T) {
	f := newFixture(t, "alpha")
	f.caller.responses = []*llm.MessagesResponse{textResponse("SKIP")}
	f.addPending(models.NewEvent("alpha", models.EventCreatureDream, map[string]any{"text": "x"}))

	f.n.RunOnce(context.Background())

	assert.Empty(t, f.n.Recent(10))
	assert.Empty(t, f.store.ReadRecent(models.NarratorIdentity, 10))
	assert.Equal(t, 1, f.cost.count(), "the model call itself is still booked")
}

func TestToolLoopFeedsResultsBack(t *testing.T) {
	f := newFixture(t, "alpha")
	f.caller.responses = []*llm.MessagesResponse{
		{
			Role: "assistant",
			Content: []llm.ContentBlock{
				llm.ToolUseBlock("T1", "list_creatures", json.RawMessage(`{}`)),
			},
			StopReason: llm.StopToolUse,
			Usage:      llm.Usage{InputTokens: 10, OutputTokens: 5},
		},
		textResponse("alpha is the only one awake tonight."),
	}
	f.addPending(models.NewEvent("alpha", models.EventCreatureDream, map[string]any{"text": "x"}))

	f.n.RunOnce(context.Background())

	require.Equal(t, 2, f.caller.calls())
	second := f.caller.requests[1]
	last := second.Messages[len(second.Messages)-1]
	blocks := last.Content.AsBlocks()
	require.NotEmpty(t, blocks)
	assert.Equal(t, "tool_result", blocks[0].Type)
	assert.Equal(t, "T1", blocks[0].ToolUseID)

	require.Len(t, f.n.Recent(10), 1)
	assert.Equal(t, 2, f.cost.count(), "each round is booked")
}

func TestFailedNarrationDropsTheBatch(t *testing.T) {
	f := newFixture(t, "alpha")
	f.caller.err = errors.New("upstream down")
	f.addPending(models.NewEvent("alpha", models.EventCreatureDream, map[string]any{"text": "x"}))

	f.n.RunOnce(context.Background())

	assert.Empty(t, f.n.Recent(10))
	f.n.mu.Lock()
	pending := len(f.n.pending)
	f.n.mu.Unlock()
	assert.Zero(t, pending, "stale events are not replayed into the next tick")
}

func TestStartCollectsOnlyInterestingEvents(t *testing.T) {
	f := newFixture(t, "alpha")
	f.n.Start()
	defer f.n.Stop()

	f.store.Append("alpha", models.NewEvent("alpha", models.EventCreatureDream,
		map[string]any{"text": "worth telling"}))
	f.store.Append("alpha", models.NewEvent("alpha", models.EventCreatureToolCall,
		map[string]any{"tool": "run"}))

	assert.Eventually(t, func() bool {
		f.n.mu.Lock()
		defer f.n.mu.Unlock()
		return len(f.n.pending) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExtractShareBlock(t *testing.T) {
	shares, prose := extractShareBlock("the night was calm.\n```json\n{\"alpha\": \"hi\"}\n```")
	assert.Equal(t, map[string]string{"alpha": "hi"}, shares)
	assert.Equal(t, "the night was calm.", prose)

	shares, prose = extractShareBlock("no block at all")
	assert.Nil(t, shares)
	assert.Equal(t, "no block at all", prose)

	// A fence that is not a string map is left in place.
	raw := "text\n```json\n{\"alpha\": 42}\n```"
	shares, prose = extractShareBlock(raw)
	assert.Nil(t, shares)
	assert.Equal(t, raw, prose)
}

func TestMentionsWholeWordsOnly(t *testing.T) {
	names := []string{"alpha", "bet"}
	assert.Equal(t, []string{"alpha"}, mentions("alpha studied the alphabet", names))
	assert.Empty(t, mentions("nothing to see", names))
}

func TestNarrationFileIsTruncated(t *testing.T) {
	f := newFixture(t, "alpha")

	var b strings.Builder
	for i := 0; i < maxEntries+5; i++ {
		data, err := json.Marshal(models.NarrationEntry{T: "2026-08-25T00:00:00Z", Text: fmt.Sprintf("entry %d", i)})
		require.NoError(t, err)
		b.Write(data)
		b.WriteByte('\n')
	}
	require.NoError(t, os.WriteFile(f.path, []byte(b.String()), 0o644))

	require.NoError(t, f.n.appendEntry(models.NarrationEntry{T: "2026-08-25T01:00:00Z", Text: "newest"}))

	entries := f.n.Recent(maxEntries * 2)
	require.Len(t, entries, maxEntries)
	assert.Equal(t, "newest", entries[len(entries)-1].Text)
}
