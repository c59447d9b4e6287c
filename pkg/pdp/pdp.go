// Package pdp defines the Policy Decision Point consulted by the kernel
// at the two fixed gating points (pre-action, post-action).
//
// Every implementation MUST be fail-closed: a decision error, timeout, or
// collaborator failure is treated as deny, never as implicit allow. The
// FailClosed wrapper enforces this for any backend.
//
// Decisions are a closed variant — {allow, deny, modify, flag_only} — so
// every call site can handle the full set exhaustively, and each decision
// carries a deterministic JCS/SHA-256 hash for audit binding.
package pdp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/keelrun/keel/pkg/canonicalize"
	"github.com/keelrun/keel/pkg/envelope"
)

// Phase identifies the gating point a decision was made at.
type Phase string

const (
	PhasePre  Phase = "pre_action"
	PhasePost Phase = "post_action"
)

// Effect is the closed set of decision outcomes.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
	// EffectModify substitutes the returned envelope before continuing.
	EffectModify Effect = "modify"
	// EffectFlagOnly allows the action but marks the decision for audit.
	EffectFlagOnly Effect = "flag_only"
)

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Effect Effect `json:"effect"`
	// RuleID identifies the deciding rule, for diagnostics and receipts.
	RuleID string `json:"rule_id,omitempty"`
	Reason string `json:"reason,omitempty"`
	// Modified is the substituted envelope when Effect is modify.
	Modified *envelope.Envelope `json:"modified,omitempty"`
	// PolicyRef identifies the policy set that produced this decision.
	PolicyRef string `json:"policy_ref,omitempty"`
	// DecisionHash is the SHA-256 of the JCS-canonical decision.
	DecisionHash string `json:"decision_hash,omitempty"`
	// Annotations carry auditor-facing context.
	Annotations map[string]string `json:"annotations,omitempty"`
}

// Allowed reports whether the gated action may proceed.
func (d *Decision) Allowed() bool {
	switch d.Effect {
	case EffectAllow, EffectModify, EffectFlagOnly:
		return true
	}
	return false
}

// DecisionPoint is the interface the kernel's hook adapter calls.
type DecisionPoint interface {
	// Decide evaluates the envelope at the given phase. MUST be fail-closed.
	Decide(ctx context.Context, phase Phase, env *envelope.Envelope) (*Decision, error)

	// PolicyHash returns a content-addressed hash of the active policy set.
	PolicyHash() string
}

// ComputeDecisionHash produces a deterministic hash of the decision using
// JCS canonicalization, excluding the hash field itself.
func ComputeDecisionHash(d *Decision) (string, error) {
	hashInput := struct {
		Effect    Effect `json:"effect"`
		RuleID    string `json:"rule_id,omitempty"`
		Reason    string `json:"reason,omitempty"`
		PolicyRef string `json:"policy_ref,omitempty"`
	}{d.Effect, d.RuleID, d.Reason, d.PolicyRef}

	canonical, err := canonicalize.JCS(hashInput)
	if err != nil {
		return "", fmt.Errorf("pdp: decision hash canonicalization failed: %w", err)
	}
	return canonicalize.HashBytes(canonical), nil
}

// FailClosed wraps a DecisionPoint so that every failure path is a deny.
type FailClosed struct {
	inner   DecisionPoint
	timeout time.Duration
	logger  *slog.Logger
}

// NewFailClosed wraps inner with fail-closed semantics and a per-decision
// timeout bound.
func NewFailClosed(inner DecisionPoint, timeout time.Duration) *FailClosed {
	return &FailClosed{
		inner:   inner,
		timeout: timeout,
		logger:  slog.Default().With("component", "pdp"),
	}
}

// Decide evaluates via the wrapped point. Any error, nil decision, or
// timeout collapses to deny. Decide itself never returns an error.
func (f *FailClosed) Decide(ctx context.Context, phase Phase, env *envelope.Envelope) *Decision {
	if f.inner == nil {
		return f.deny(phase, "DENY_NO_BACKEND", "no policy backend configured")
	}

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	d, err := f.inner.Decide(ctx, phase, env)
	if err != nil {
		f.logger.Warn("policy evaluation failed, denying",
			"phase", phase, "envelope_id", env.ID, "error", err)
		return f.deny(phase, "DENY_EVALUATION_ERROR", err.Error())
	}
	if d == nil {
		return f.deny(phase, "DENY_NIL_DECISION", "backend returned no decision")
	}
	if ctx.Err() != nil {
		return f.deny(phase, "DENY_TIMEOUT", "policy evaluation timed out")
	}

	if d.DecisionHash == "" {
		if hash, err := ComputeDecisionHash(d); err == nil {
			d.DecisionHash = hash
		}
	}
	return d
}

// PolicyHash exposes the wrapped policy set hash.
func (f *FailClosed) PolicyHash() string {
	if f.inner == nil {
		return ""
	}
	return f.inner.PolicyHash()
}

func (f *FailClosed) deny(phase Phase, ruleID, reason string) *Decision {
	d := &Decision{
		Effect:    EffectDeny,
		RuleID:    ruleID,
		Reason:    reason,
		PolicyRef: f.PolicyHash(),
		Annotations: map[string]string{
			"phase":       string(phase),
			"fail_closed": "true",
		},
	}
	if hash, err := ComputeDecisionHash(d); err == nil {
		d.DecisionHash = hash
	}
	return d
}

// AllowAll is a permissive backend for tests and unguarded local use.
type AllowAll struct{}

func (AllowAll) Decide(ctx context.Context, phase Phase, env *envelope.Envelope) (*Decision, error) {
	return &Decision{Effect: EffectAllow, RuleID: "ALLOW_ALL", PolicyRef: "allow-all"}, nil
}

func (AllowAll) PolicyHash() string { return "allow-all" }
