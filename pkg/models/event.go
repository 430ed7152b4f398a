package models

import (
	"encoding/json"
	"time"
)

// Event types emitted by the orchestrator about a creature.
const (
	EventHostSpawn        = "host.spawn"
	EventHostPromote      = "host.promote"
	EventHostRollback     = "host.rollback"
	EventHostInfraFailure = "host.infra_failure"
)

// Event types reported by a creature itself.
const (
	EventCreatureBoot           = "creature.boot"
	EventCreatureThought        = "creature.thought"
	EventCreatureToolCall       = "creature.tool_call"
	EventCreatureSleep          = "creature.sleep"
	EventCreatureWake           = "creature.wake"
	EventCreatureDream          = "creature.dream"
	EventCreatureProgressCheck  = "creature.progress_check"
	EventCreatureSelfEvaluation = "creature.self_evaluation"
	EventCreatureError          = "creature.error"
	// EventRequestEvolution is a creature asking the creator to look at it.
	EventRequestEvolution = "creature.request_evolution"
)

// Event types produced by the budget plane and the auxiliary agents.
const (
	EventBudgetExceeded     = "budget.exceeded"
	EventBudgetReset        = "budget.reset"
	EventCreatorEvaluation  = "creator.evaluation"
	EventNarratorEntry      = "narrator.entry"
	EventOrchestratorStatus = "orchestrator.status"
)

// NarratorIdentity is the pseudo-creature name under which narration events
// and narrator LLM usage are recorded.
const NarratorIdentity = "_narrator"

// Event is a single record in a creature's event log. On the wire and on
// disk it is a flat JSON object: {"t": ..., "type": ..., <type-specific>}.
// Fields holds the type-specific keys.
type Event struct {
	Creature string
	T        string
	Type     string
	Fields   map[string]any
}

// NewEvent builds an event stamped with the current UTC instant.
func NewEvent(creature, eventType string, fields map[string]any) Event {
	return Event{
		Creature: creature,
		T:        time.Now().UTC().Format(time.RFC3339),
		Type:     eventType,
		Fields:   fields,
	}
}

// reserved keys lifted out of Fields during (un)marshaling.
const (
	keyT        = "t"
	keyType     = "type"
	keyCreature = "creature"
)

// MarshalJSON flattens Fields into the top-level object alongside t, type
// and creature. Reserved keys in Fields are ignored.
func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Fields)+3)
	for k, v := range e.Fields {
		if k == keyT || k == keyType || k == keyCreature {
			continue
		}
		m[k] = v
	}
	m[keyT] = e.T
	m[keyType] = e.Type
	if e.Creature != "" {
		m[keyCreature] = e.Creature
	}
	return json.Marshal(m)
}

// UnmarshalJSON is the inverse of MarshalJSON: t, type and creature are
// lifted out, everything else lands in Fields.
func (e *Event) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if v, ok := m[keyT].(string); ok {
		e.T = v
	}
	if v, ok := m[keyType].(string); ok {
		e.Type = v
	}
	if v, ok := m[keyCreature].(string); ok {
		e.Creature = v
	}
	delete(m, keyT)
	delete(m, keyType)
	delete(m, keyCreature)
	if len(m) > 0 {
		e.Fields = m
	} else {
		e.Fields = nil
	}
	return nil
}

// Text returns the "text" field if present.
func (e Event) Text() string {
	if e.Fields == nil {
		return ""
	}
	s, _ := e.Fields["text"].(string)
	return s
}
