package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// WarnRatio is the soft-warning threshold as a fraction of either limit.
const WarnRatio = 0.8

// Meter implements fail-closed budget enforcement over a Storage backing.
type Meter struct {
	storage  Storage
	defaults Limits
	logger   *slog.Logger
	clock    func() time.Time
}

// NewMeter creates a meter. Runs opened without explicit limits get defaults.
func NewMeter(storage Storage, defaults Limits) *Meter {
	return &Meter{
		storage:  storage,
		defaults: defaults,
		logger:   slog.Default().With("component", "budget"),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Meter) WithClock(clock func() time.Time) *Meter {
	m.clock = clock
	return m
}

// Open implements Enforcer.
func (m *Meter) Open(ctx context.Context, runID string, limits Limits) error {
	if limits.MaxTokens == 0 {
		limits.MaxTokens = m.defaults.MaxTokens
	}
	if limits.MaxCostMicros == 0 {
		limits.MaxCostMicros = m.defaults.MaxCostMicros
	}
	return m.storage.Set(ctx, &State{
		RunID:       runID,
		Limits:      limits,
		LastUpdated: m.clock().UTC(),
	})
}

// Get implements Enforcer.
func (m *Meter) Get(ctx context.Context, runID string) (*State, error) {
	return m.storage.Get(ctx, runID)
}

// Close implements Enforcer.
func (m *Meter) Close(ctx context.Context, runID string) error {
	return m.storage.Delete(ctx, runID)
}

// Record implements Enforcer. Any storage error results in denial.
func (m *Meter) Record(ctx context.Context, runID string, usage Usage) (*Outcome, error) {
	state, err := m.storage.Get(ctx, runID)
	if err != nil {
		m.logger.Error("budget check failed, denying", "run_id", runID, "error", err)
		return &Outcome{
			Allowed: false,
			Reason:  fmt.Sprintf("check failed: %v", err),
			Receipt: m.receipt(runID, "denied", usage, "storage_error"),
		}, err
	}
	if state == nil {
		state = &State{RunID: runID, Limits: m.defaults}
	}

	newTokens := state.UsedTokens + usage.Tokens
	newCost := state.UsedCostMicros + usage.CostMicros

	if state.Limits.MaxTokens > 0 && newTokens > state.Limits.MaxTokens {
		m.logger.Warn("token budget exceeded",
			"run_id", runID, "used", newTokens, "limit", state.Limits.MaxTokens)
		return &Outcome{
			Allowed:   false,
			Reason:    fmt.Sprintf("token limit exceeded: %d > %d", newTokens, state.Limits.MaxTokens),
			Limit:     LimitTokens,
			Remaining: state,
			Receipt:   m.receipt(runID, "denied", usage, "token_limit_exceeded"),
		}, nil
	}
	if state.Limits.MaxCostMicros > 0 && newCost > state.Limits.MaxCostMicros {
		m.logger.Warn("cost budget exceeded",
			"run_id", runID, "used_micros", newCost, "limit_micros", state.Limits.MaxCostMicros)
		return &Outcome{
			Allowed:   false,
			Reason:    fmt.Sprintf("cost limit exceeded: %dµ > %dµ", newCost, state.Limits.MaxCostMicros),
			Limit:     LimitCostMicros,
			Remaining: state,
			Receipt:   m.receipt(runID, "denied", usage, "cost_limit_exceeded"),
		}, nil
	}

	state.UsedTokens = newTokens
	state.UsedCostMicros = newCost
	state.LastUpdated = m.clock().UTC()

	warned := false
	if !state.WarningRecorded && m.crossedWarnThreshold(state) {
		state.WarningRecorded = true
		warned = true
	}

	if err := m.storage.Set(ctx, state); err != nil {
		m.logger.Error("budget persist failed, denying", "run_id", runID, "error", err)
		return &Outcome{
			Allowed: false,
			Reason:  "failed to persist usage",
			Receipt: m.receipt(runID, "denied", usage, "persistence_error"),
		}, err
	}

	return &Outcome{
		Allowed:   true,
		Warned:    warned,
		Reason:    "within limits",
		Remaining: state,
		Receipt:   m.receipt(runID, "allowed", usage, "ok"),
	}, nil
}

func (m *Meter) crossedWarnThreshold(s *State) bool {
	if s.Limits.MaxTokens > 0 && float64(s.UsedTokens) >= WarnRatio*float64(s.Limits.MaxTokens) {
		return true
	}
	if s.Limits.MaxCostMicros > 0 && float64(s.UsedCostMicros) >= WarnRatio*float64(s.Limits.MaxCostMicros) {
		return true
	}
	return false
}

func (m *Meter) receipt(runID, action string, usage Usage, reason string) *EnforcementReceipt {
	return &EnforcementReceipt{
		ID:         uuid.New().String(),
		RunID:      runID,
		Action:     action,
		Tokens:     usage.Tokens,
		CostMicros: usage.CostMicros,
		Reason:     reason,
		Timestamp:  m.clock().UTC(),
	}
}
