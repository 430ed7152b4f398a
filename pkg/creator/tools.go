package creator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/menagerie-sh/menagerie/pkg/gitutil"
	"github.com/menagerie-sh/menagerie/pkg/llm"
	"github.com/menagerie-sh/menagerie/pkg/models"
)

// maxToolOutput bounds the text returned to the model per tool call.
const maxToolOutput = 32 * 1024

// buildCheckFile is an optional per-genome command that must succeed
// before a restart is granted.
const buildCheckFile = ".self/build-check"

var toolDefs = []llm.Tool{
	{
		Name:        "run_command",
		Description: "Run a shell command in the creature's directory. 60 second timeout.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`),
	},
	{
		Name:        "recent_events",
		Description: "The creature's most recent events.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"n":{"type":"integer"}}}`),
	},
	{
		Name:        "recent_dreams",
		Description: "The creature's most recent dream events.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"n":{"type":"integer"}}}`),
	},
	{
		Name:        "creature_status",
		Description: "The supervisor's current view of the creature.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
	},
	{
		Name:        "restart",
		Description: "Validate the source still builds, commit your changes, and restart the creature.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"message":{"type":"string","description":"commit message"}},"required":["message"]}`),
	},
	{
		Name:        "done",
		Description: "Finish the evaluation.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"reasoning":{"type":"string"},"changed":{"type":"boolean"}},"required":["reasoning","changed"]}`),
	},
}

type doneArgs struct {
	Reasoning string `json:"reasoning"`
	Changed   bool   `json:"changed"`
}

type toolArgs struct {
	Command string `json:"command"`
	N       int    `json:"n"`
	Message string `json:"message"`
}

// runTool executes one tool call; errors are returned as result text so
// the model can adjust.
func (s *session) runTool(ctx context.Context, name string, input json.RawMessage) (string, error) {
	var args toolArgs
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return fmt.Sprintf("bad arguments: %v", err), err
		}
	}

	switch name {
	case "run_command":
		return s.toolRunCommand(ctx, args.Command)
	case "recent_events":
		if args.N <= 0 {
			args.N = 30
		}
		return s.formatEvents(s.creator.store.ReadRecent(s.name, args.N)), nil
	case "recent_dreams":
		if args.N <= 0 {
			args.N = 5
		}
		return s.toolRecentDreams(args.N), nil
	case "creature_status":
		data, err := json.Marshal(s.sup.Info())
		if err != nil {
			return err.Error(), err
		}
		return string(data), nil
	case "restart":
		return s.toolRestart(ctx, args.Message)
	default:
		err := fmt.Errorf("unknown tool %q", name)
		return err.Error(), err
	}
}

// toolRunCommand shells out inside the creature directory with a hard
// timeout.
func (s *session) toolRunCommand(ctx context.Context, command string) (string, error) {
	if strings.TrimSpace(command) == "" {
		err := fmt.Errorf("empty command")
		return err.Error(), err
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = s.dir
	out, err := cmd.CombinedOutput()
	text := clip(string(out), maxToolOutput)
	if err != nil {
		return fmt.Sprintf("%s\n(command failed: %v)", text, err), err
	}
	if text == "" {
		return "(no output)", nil
	}
	return text, nil
}

func (s *session) toolRecentDreams(n int) string {
	var dreams []models.Event
	for _, evt := range s.creator.store.ReadRecent(s.name, 500) {
		if evt.Type == models.EventCreatureDream {
			dreams = append(dreams, evt)
		}
	}
	if len(dreams) > n {
		dreams = dreams[len(dreams)-n:]
	}
	if len(dreams) == 0 {
		return "no dreams recorded"
	}
	return s.formatEvents(dreams)
}

func (s *session) formatEvents(evts []models.Event) string {
	if len(evts) == 0 {
		return "no events"
	}
	var b strings.Builder
	for _, evt := range evts {
		fmt.Fprintf(&b, "[%s] %s", evt.T, evt.Type)
		if text := evt.Text(); text != "" {
			fmt.Fprintf(&b, ": %s", text)
		}
		b.WriteByte('\n')
	}
	return clip(b.String(), maxToolOutput)
}

// toolRestart gates on the genome's build check, commits the working tree,
// and asks the supervisor for a restart.
func (s *session) toolRestart(ctx context.Context, message string) (string, error) {
	if checkPath := filepath.Join(s.dir, buildCheckFile); fileExists(checkPath) {
		out, err := s.toolRunCommand(ctx, "sh "+buildCheckFile)
		if err != nil {
			return fmt.Sprintf("build check failed, not restarting:\n%s", out), err
		}
	}

	if message == "" {
		message = "creator: evaluation changes"
	}
	if err := gitutil.Commit(s.dir, message); err != nil {
		return err.Error(), err
	}
	if err := s.sup.Restart(ctx); err != nil {
		return err.Error(), err
	}
	s.changed = true
	return "committed and restarted", nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n[truncated]"
}

func appendLine(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}
