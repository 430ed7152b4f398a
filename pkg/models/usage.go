package models

// UsageEntry accumulates token and cost counters for one identity.
// Identities are a creature name, "creator:<name>" for creator runs, or
// "_narrator" for narration.
type UsageEntry struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	Calls        int64   `json:"calls"`
	DailyCostUSD float64 `json:"daily_cost_usd"`
	// DailyDate is the UTC calendar day (YYYY-MM-DD) DailyCostUSD applies to.
	DailyDate string `json:"daily_date"`
}

// CreatorIdentityPrefix keys creator-run usage to its creature.
const CreatorIdentityPrefix = "creator:"
