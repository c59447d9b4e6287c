// Package budget provides per-run budget enforcement with fail-closed
// behavior. When a check fails or is uncertain, the run is blocked rather
// than allowed to overrun.
//
// The meter is the external budget collaborator of the kernel: the kernel
// consults it after applying each task-affecting event, and the decision is
// captured into the event stream so replay never re-consults it.
package budget

import (
	"context"
	"time"
)

// Limit names surfaced in resource_exhausted faults.
const (
	LimitTokens     = "max_tokens"
	LimitCostMicros = "max_cost_micros"
)

// Limits are the ceilings for one run.
type Limits struct {
	MaxTokens     int64 `json:"max_tokens"`
	MaxCostMicros int64 `json:"max_cost_micros"`
}

// Usage is the consumption reported for one operation.
type Usage struct {
	Tokens     int64 `json:"tokens"`
	CostMicros int64 `json:"cost_micros"`
}

// State is a run's budget counters plus limits.
type State struct {
	RunID           string    `json:"run_id"`
	Limits          Limits    `json:"limits"`
	UsedTokens      int64     `json:"used_tokens"`
	UsedCostMicros  int64     `json:"used_cost_micros"`
	WarningRecorded bool      `json:"warning_recorded"`
	LastUpdated     time.Time `json:"last_updated"`
}

// TokensRemaining returns the remaining token budget, floored at zero.
func (s *State) TokensRemaining() int64 {
	remaining := s.Limits.MaxTokens - s.UsedTokens
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CostRemaining returns the remaining cost budget in micros, floored at zero.
func (s *State) CostRemaining() int64 {
	remaining := s.Limits.MaxCostMicros - s.UsedCostMicros
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Outcome is the result of recording usage against a run's budget.
type Outcome struct {
	Allowed bool `json:"allowed"`
	// Warned is set the first time usage crosses the soft-warning ratio.
	Warned bool   `json:"warned,omitempty"`
	Reason string `json:"reason"`
	// Limit names the exceeded ceiling when not allowed.
	Limit     string              `json:"limit,omitempty"`
	Remaining *State              `json:"remaining,omitempty"`
	Receipt   *EnforcementReceipt `json:"receipt,omitempty"`
}

// EnforcementReceipt is evidence of a budget decision.
type EnforcementReceipt struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Action     string    `json:"action"` // "allowed" or "denied"
	Tokens     int64     `json:"tokens"`
	CostMicros int64     `json:"cost_micros"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}

// Storage handles persistence of budget state.
type Storage interface {
	// Get returns the state for a run, or nil if none exists yet.
	Get(ctx context.Context, runID string) (*State, error)
	Set(ctx context.Context, state *State) error
	Delete(ctx context.Context, runID string) error
}

// Enforcer is the interface the kernel's hook adapter calls.
type Enforcer interface {
	// Open installs limits for a new run.
	Open(ctx context.Context, runID string, limits Limits) error

	// Record adds usage and checks ceilings. Fails closed on errors.
	Record(ctx context.Context, runID string, usage Usage) (*Outcome, error)

	// Get retrieves current state for a run.
	Get(ctx context.Context, runID string) (*State, error)

	// Close discards state for a finished run.
	Close(ctx context.Context, runID string) error
}
