package models

// BudgetAction selects what happens when a daily spending cap is exceeded.
type BudgetAction string

const (
	// BudgetActionSleep blocks further LLM calls and puts the creature to sleep.
	BudgetActionSleep BudgetAction = "sleep"
	// BudgetActionWarn logs the overage but lets calls through.
	BudgetActionWarn BudgetAction = "warn"
	// BudgetActionOff disables enforcement entirely.
	BudgetActionOff BudgetAction = "off"
)

// Budget is a daily USD spending cap plus the action taken on overage.
// A zero-value Budget (cap 0, empty action) means "not set".
type Budget struct {
	DailyCapUSD float64      `json:"daily_cap_usd"`
	Action      BudgetAction `json:"action"`
}

// IsSet reports whether this budget was explicitly configured.
func (b Budget) IsSet() bool {
	return b.Action != ""
}

// ValidAction reports whether a is one of the known budget actions.
func ValidAction(a BudgetAction) bool {
	switch a {
	case BudgetActionSleep, BudgetActionWarn, BudgetActionOff:
		return true
	}
	return false
}
