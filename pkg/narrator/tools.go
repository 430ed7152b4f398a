package narrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/menagerie-sh/menagerie/pkg/gitutil"
	"github.com/menagerie-sh/menagerie/pkg/llm"
	"github.com/menagerie-sh/menagerie/pkg/models"
)

// maxReadBytes bounds read_file output.
const maxReadBytes = 32 * 1024

var toolDefs = []llm.Tool{
	{
		Name:        "read_file",
		Description: "Read a file inside a creature's directory.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"creature":{"type":"string"},"path":{"type":"string","description":"path relative to the creature directory"}},"required":["creature","path"]}`),
	},
	{
		Name:        "git_log",
		Description: "Recent commit history of a creature's repository.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"creature":{"type":"string"},"n":{"type":"integer"}},"required":["creature"]}`),
	},
	{
		Name:        "git_diff",
		Description: "Diff between two revisions of a creature's repository.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"creature":{"type":"string"},"from":{"type":"string"},"to":{"type":"string"}},"required":["creature","from"]}`),
	},
	{
		Name:        "list_creatures",
		Description: "List all creatures with their current status.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
	},
	{
		Name:        "search_narration",
		Description: "Search past narration entries for a phrase.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
	},
}

type toolArgs struct {
	Creature string `json:"creature"`
	Path     string `json:"path"`
	N        int    `json:"n"`
	From     string `json:"from"`
	To       string `json:"to"`
	Query    string `json:"query"`
}

// runTool executes one tool call. Errors come back as result text so the
// model can recover.
func (n *Narrator) runTool(name string, input json.RawMessage) (string, error) {
	var args toolArgs
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return fmt.Sprintf("bad arguments: %v", err), err
		}
	}

	switch name {
	case "read_file":
		return n.toolReadFile(args.Creature, args.Path)
	case "git_log":
		if args.N <= 0 {
			args.N = 10
		}
		out, err := gitutil.Log(n.creatureDir(args.Creature), args.N)
		if err != nil {
			return err.Error(), err
		}
		return out, nil
	case "git_diff":
		out, err := gitutil.Diff(n.creatureDir(args.Creature), args.From, args.To)
		if err != nil {
			return err.Error(), err
		}
		return clip(out, maxReadBytes), nil
	case "list_creatures":
		data, err := json.Marshal(n.fleet.List())
		if err != nil {
			return err.Error(), err
		}
		return string(data), nil
	case "search_narration":
		return n.toolSearchNarration(args.Query), nil
	default:
		err := fmt.Errorf("unknown tool %q", name)
		return err.Error(), err
	}
}

func (n *Narrator) creatureDir(name string) string {
	return filepath.Join(n.creaturesDir, name)
}

// toolReadFile reads a file, refusing paths that escape the creature
// directory.
func (n *Narrator) toolReadFile(creature, rel string) (string, error) {
	if err := models.ValidateCreatureName(creature); err != nil {
		return err.Error(), err
	}
	base := n.creatureDir(creature)
	full := filepath.Join(base, filepath.Clean("/"+rel))
	if !strings.HasPrefix(full, base+string(filepath.Separator)) {
		err := fmt.Errorf("path escapes creature directory")
		return err.Error(), err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return err.Error(), err
	}
	return clip(string(data), maxReadBytes), nil
}

func (n *Narrator) toolSearchNarration(query string) string {
	if query == "" {
		return "empty query"
	}
	var hits []string
	for _, e := range n.readEntries(0) {
		if strings.Contains(strings.ToLower(e.Text), strings.ToLower(query)) {
			hits = append(hits, fmt.Sprintf("[%s] %s", e.T, e.Text))
		}
	}
	if len(hits) == 0 {
		return "no matches"
	}
	if len(hits) > 10 {
		hits = hits[len(hits)-10:]
	}
	return strings.Join(hits, "\n")
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n[truncated]"
}
