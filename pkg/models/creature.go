package models

import (
	"fmt"
	"regexp"
)

// CreatureStatus is the supervisor's view of a creature's lifecycle state.
type CreatureStatus string

const (
	StatusStopped  CreatureStatus = "stopped"
	StatusStarting CreatureStatus = "starting"
	StatusRunning  CreatureStatus = "running"
	StatusSleeping CreatureStatus = "sleeping"
	StatusError    CreatureStatus = "error"
)

// CreatureInfo is the API-facing snapshot of a supervised creature.
type CreatureInfo struct {
	Name        string         `json:"name"`
	Status      CreatureStatus `json:"status"`
	Model       string         `json:"model,omitempty"`
	SHA         string         `json:"sha,omitempty"`
	SleepReason string         `json:"sleep_reason,omitempty"`
	Sandboxed   bool           `json:"sandboxed"`
	Port        int            `json:"port,omitempty"`
}

// SleepReasonBudget tags a creature put to sleep by budget enforcement.
const SleepReasonBudget = "budget"

var creatureNameRe = regexp.MustCompile(`^[a-z][a-z0-9-]{0,31}$`)

// ValidateCreatureName enforces the naming rules: lowercase, starts with a
// letter, at most 32 characters of [a-z0-9-].
func ValidateCreatureName(name string) error {
	if !creatureNameRe.MatchString(name) {
		return fmt.Errorf("invalid creature name %q: must match %s", name, creatureNameRe.String())
	}
	return nil
}
