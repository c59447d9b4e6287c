// Package envelope defines the Envelope — the externally submitted unit of
// communication (task, result) before it becomes a durable event.
//
// Envelopes are validated fail-closed at the boundary: a malformed envelope
// is rejected with invalid_argument before it ever reaches the log writer.
// The envelope id doubles as the idempotency key for resubmission.
package envelope

import (
	"time"

	"github.com/keelrun/keel/pkg/canonicalize"
)

// ProtocolVersion is the envelope wire version this kernel speaks.
const ProtocolVersion = 1

// Kind classifies the semantic type of an envelope.
type Kind string

const (
	KindTask   Kind = "task"
	KindResult Kind = "result"
	KindCancel Kind = "cancel"
)

// UsageHint is an optional producer-supplied token/cost estimate.
// It is advisory for scheduling and becomes authoritative input to the
// budget meter once recorded into an event body.
type UsageHint struct {
	Tokens     int64 `json:"tokens,omitempty"`
	CostMicros int64 `json:"cost_micros,omitempty"`
}

// Envelope is the unit of external communication.
//
// Timestamp is producer-supplied and advisory only — the kernel never uses
// it for control-path ordering; ordering is by committed sequence.
type Envelope struct {
	ID              string                 `json:"id"`
	ParentID        string                 `json:"parent_id,omitempty"`
	TraceID         string                 `json:"trace_id,omitempty"`
	Agent           string                 `json:"agent"`
	Kind            Kind                   `json:"kind"`
	Payload         map[string]interface{} `json:"payload,omitempty"`
	Timeout         time.Duration          `json:"timeout,omitempty"`
	ProtocolVersion int                    `json:"protocol_version"`
	Timestamp       time.Time              `json:"timestamp,omitempty"`
	UsageHint       *UsageHint             `json:"usage_hint,omitempty"`
}

// CanonicalBytes returns the deterministic serialization of the envelope.
// Two semantically identical envelopes serialize to identical bytes.
func (e *Envelope) CanonicalBytes() ([]byte, error) {
	return canonicalize.JCS(e)
}

// ContentHash returns the SHA-256 hex digest of the canonical form.
func (e *Envelope) ContentHash() (string, error) {
	return canonicalize.CanonicalHash(e)
}
