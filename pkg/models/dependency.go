package models

import "time"

// DepState is the liveness state of one external dependency.
type DepState string

const (
	DepUp      DepState = "up"
	DepDown    DepState = "down"
	DepUnknown DepState = "unknown"
)

// DependencyStatus is the last observed state of a named dependency.
type DependencyStatus struct {
	Status    DepState  `json:"status"`
	LastCheck time.Time `json:"last_check"`
	Error     string    `json:"error,omitempty"`
	Version   string    `json:"version,omitempty"`
}

// AggregateStatus reduces a dependency map to "healthy" or "degraded".
// Healthy iff every dependency is up.
func AggregateStatus(deps map[string]DependencyStatus) string {
	for _, d := range deps {
		if d.Status != DepUp {
			return "degraded"
		}
	}
	return "healthy"
}
