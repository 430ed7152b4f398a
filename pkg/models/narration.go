package models

// NarrationEntry is one narrator observation, persisted append-only.
type NarrationEntry struct {
	T    string `json:"t"`
	Text string `json:"text"`
	// Shares maps creature name → a one-sentence share block for that
	// creature, extracted from the narrator's fenced JSON.
	Shares             map[string]string `json:"shares,omitempty"`
	CreaturesMentioned []string          `json:"creatures_mentioned,omitempty"`
	EventCount         int               `json:"event_count"`
}

// NarratorConfig is the runtime-mutable narrator configuration.
type NarratorConfig struct {
	Enabled         bool   `json:"enabled"`
	Model           string `json:"model"`
	IntervalMinutes int    `json:"interval_minutes"`
}
