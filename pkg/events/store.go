// Package events is the orchestrator's event plane: a durable append-only
// JSONL log per creature, a bounded in-memory tail for cheap recent reads,
// and a fan-out bus for live subscribers.
package events

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/menagerie-sh/menagerie/pkg/models"
)

// TailLimit is the number of recent events kept in memory per creature.
const TailLimit = 500

// Store owns the per-creature event logs. Appends are serialized per store;
// failing to persist an event never fails the caller.
type Store struct {
	creaturesDir string
	// narratorDir holds the pseudo-creature log for "_narrator".
	narratorDir string

	mu    sync.Mutex
	tails map[string][]models.Event

	bus    *Bus
	logger *slog.Logger
}

// NewStore creates a store rooted at creaturesDir. Narrator events are kept
// under narratorDir instead of a creature directory.
func NewStore(creaturesDir, narratorDir string) *Store {
	return &Store{
		creaturesDir: creaturesDir,
		narratorDir:  narratorDir,
		tails:        make(map[string][]models.Event),
		bus:          NewBus(),
		logger:       slog.With("component", "events"),
	}
}

// Append stamps, persists and publishes one event for the named creature.
// The timestamp is set to now (UTC, RFC3339) when absent. Durability is
// best-effort: a failed write is logged and the event still reaches the
// tail and the subscribers.
func (s *Store) Append(creature string, evt models.Event) {
	evt.Creature = creature
	if evt.T == "" {
		evt.T = time.Now().UTC().Format(time.RFC3339)
	}

	s.mu.Lock()
	tail := append(s.tails[creature], evt)
	if len(tail) > TailLimit {
		tail = tail[len(tail)-TailLimit:]
	}
	s.tails[creature] = tail

	if err := s.writeLine(creature, evt); err != nil {
		s.logger.Warn("Failed to persist event",
			"creature", creature, "type", evt.Type, "error", err)
	}
	s.mu.Unlock()

	s.bus.Publish(evt)
}

// ReadRecent returns up to n events for the creature, newest last. It reads
// from disk so restarts see history; if the log file is missing or broken
// the in-memory tail is returned instead.
func (s *Store) ReadRecent(creature string, n int) []models.Event {
	if n <= 0 {
		return nil
	}

	evts, err := s.readFile(creature, n)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("Failed to read event log", "creature", creature, "error", err)
		}
		return s.tailCopy(creature, n)
	}
	return evts
}

// Subscribe registers a live handler for every subsequent append across all
// creatures. The returned function unsubscribes.
func (s *Store) Subscribe(h Handler) func() {
	return s.bus.Subscribe(h)
}

// Bus exposes the underlying bus for components that publish directly.
func (s *Store) Bus() *Bus {
	return s.bus
}

func (s *Store) logPath(creature string) string {
	if creature == models.NarratorIdentity {
		return filepath.Join(s.narratorDir, "events.jsonl")
	}
	return filepath.Join(s.creaturesDir, creature, ".sys", "events.jsonl")
}

func (s *Store) writeLine(creature string, evt models.Event) error {
	path := s.logPath(creature)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(evt)
	if err != nil {
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

func (s *Store) readFile(creature string, n int) ([]models.Event, error) {
	f, err := os.Open(s.logPath(creature))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Keep only the last n parsed lines; corrupt lines are skipped.
	recent := make([]models.Event, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var evt models.Event
		if err := json.Unmarshal(line, &evt); err != nil {
			continue
		}
		if evt.Creature == "" {
			evt.Creature = creature
		}
		recent = append(recent, evt)
		if len(recent) > n {
			recent = recent[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return recent, nil
}

func (s *Store) tailCopy(creature string, n int) []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	tail := s.tails[creature]
	if len(tail) > n {
		tail = tail[len(tail)-n:]
	}
	out := make([]models.Event, len(tail))
	copy(out, tail)
	return out
}
