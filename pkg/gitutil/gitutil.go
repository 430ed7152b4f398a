// Package gitutil wraps the git CLI operations the supervisor needs: SHA
// reads, the last-good marker, and hard resets for rollback.
package gitutil

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// cmdTimeout bounds every git invocation.
const cmdTimeout = 10 * time.Second

// lastGoodFile stores the promoted SHA inside the untracked .sys directory.
const lastGoodFile = ".sys/last-good"

// CurrentSHA returns the HEAD commit of the repository at dir, or "" when
// it cannot be read.
func CurrentSHA(dir string) string {
	out, err := runGit(dir, "rev-parse", "HEAD")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// LastGoodSHA reads the promoted SHA marker, or "" when absent.
func LastGoodSHA(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, lastGoodFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// SetLastGoodSHA persists sha as the promoted marker.
func SetLastGoodSHA(dir, sha string) error {
	path := filepath.Join(dir, lastGoodFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(sha+"\n"), 0o644)
}

// ResetToSHA hard-resets the working tree to sha.
func ResetToSHA(dir, sha string) error {
	if sha == "" {
		return fmt.Errorf("refusing to reset %s to empty sha", dir)
	}
	if _, err := runGit(dir, "reset", "--hard", sha); err != nil {
		return fmt.Errorf("git reset --hard %s: %w", shortSHA(sha), err)
	}
	return nil
}

// Init creates a repository at dir. Used when scaffolding a creature from
// a genome.
func Init(dir string) error {
	if _, err := runGit(dir, "init"); err != nil {
		return fmt.Errorf("git init: %w", err)
	}
	return nil
}

// Commit stages everything and commits with message. Used by the creator's
// restart tool after it validates its changes. A clean tree is not an error.
func Commit(dir, message string) error {
	if _, err := runGit(dir, "add", "-A"); err != nil {
		return fmt.Errorf("git add: %w", err)
	}
	out, err := runGit(dir, "commit", "-m", message)
	if err != nil {
		if strings.Contains(out, "nothing to commit") {
			return nil
		}
		return fmt.Errorf("git commit: %w", err)
	}
	return nil
}

// Log returns recent one-line commit history, newest first.
func Log(dir string, n int) (string, error) {
	return runGit(dir, "log", "--oneline", "-n", fmt.Sprintf("%d", n))
}

// Diff returns the diff between two revisions (or the working tree when
// to is empty).
func Diff(dir, from, to string) (string, error) {
	args := []string{"diff", from}
	if to != "" {
		args = append(args, to)
	}
	return runGit(dir, args...)
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

func runGit(dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Commits must work on hosts without a global git identity.
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=menagerie",
		"GIT_AUTHOR_EMAIL=menagerie@localhost",
		"GIT_COMMITTER_NAME=menagerie",
		"GIT_COMMITTER_EMAIL=menagerie@localhost",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
