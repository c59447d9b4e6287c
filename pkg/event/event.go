// Package event defines the durable, sequenced, immutable record derived
// from an accepted envelope plus orchestrator decisions.
//
// Events are what the write-ahead log persists and what replay consumes.
// Sequence numbers are assigned only by the single log writer; once written
// an event never changes.
package event

import (
	"fmt"
	"time"

	"github.com/keelrun/keel/pkg/canonicalize"
)

// Type enumerates the kinds of durable events.
type Type string

const (
	TypeRunStarted     Type = "run_started"
	TypeTaskDispatched Type = "task_dispatched"
	TypeResultReceived Type = "result_received"
	TypePolicyDecision Type = "policy_decision"
	TypeBudgetUpdate   Type = "budget_update"
	TypeBudgetWarning  Type = "budget_warning"
	TypeBudgetExceeded Type = "budget_exceeded"
	TypeTaskTimedOut   Type = "timed_out"
	TypeRunCompleted   Type = "run_completed"
	TypeRunBlocked     Type = "run_blocked"
	TypeRunFailed      Type = "run_failed"
	TypeRunCancelled   Type = "run_cancelled"
)

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	switch t {
	case TypeRunStarted, TypeTaskDispatched, TypeResultReceived,
		TypePolicyDecision, TypeBudgetUpdate, TypeBudgetWarning,
		TypeBudgetExceeded, TypeTaskTimedOut, TypeRunCompleted,
		TypeRunBlocked, TypeRunFailed, TypeRunCancelled:
		return true
	}
	return false
}

// Event is the durable record. Field order is fixed by the canonical
// serialization; ObservedAt is the producer timestamp captured at write
// time so that replay never reads a wall clock.
type Event struct {
	Sequence             uint64                 `json:"sequence"`
	RunID                string                 `json:"run_id"`
	Type                 Type                   `json:"event_type"`
	CausalParentSequence *uint64                `json:"causal_parent_sequence,omitempty"`
	EnvelopeID           string                 `json:"envelope_id,omitempty"`
	ObservedAt           time.Time              `json:"observed_at"`
	Body                 map[string]interface{} `json:"body,omitempty"`
}

// CanonicalBytes returns the deterministic serialization of the event.
func (e *Event) CanonicalBytes() ([]byte, error) {
	return canonicalize.JCS(e)
}

// Hash returns the SHA-256 hex digest of the canonical form.
func (e *Event) Hash() (string, error) {
	return canonicalize.CanonicalHash(e)
}

// Validate checks structural invariants before the event reaches the writer.
func (e *Event) Validate() error {
	if e.RunID == "" {
		return fmt.Errorf("event: run_id is required")
	}
	if !e.Type.Valid() {
		return fmt.Errorf("event: unknown event type %q", e.Type)
	}
	if e.CausalParentSequence != nil && e.Sequence != 0 && *e.CausalParentSequence >= e.Sequence {
		return fmt.Errorf("event: causal parent %d must precede sequence %d",
			*e.CausalParentSequence, e.Sequence)
	}
	return nil
}

// ParentRef is a convenience for building causal links.
func ParentRef(seq uint64) *uint64 { return &seq }
