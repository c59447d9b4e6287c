// Package kernel implements the orchestrator state machine: the
// authoritative per-run lifecycle controller.
//
// All run state is derived by folding durable events through a single pure
// apply function, used identically during live execution and replay. The
// kernel owns the only mutable copy of run state; readers observe
// immutable, fully-formed views published after each applied event.
package kernel

import (
	"encoding/json"
	"fmt"

	"github.com/keelrun/keel/pkg/canonicalize"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunProposed   RunStatus = "proposed"
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunBlocked    RunStatus = "blocked"
	RunFailed     RunStatus = "failed"
	RunCancelled  RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of a single task within a run.
type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskResolved TaskStatus = "resolved"
	TaskTimedOut TaskStatus = "timed_out"
	TaskDenied   TaskStatus = "denied"
)

// TaskState tracks one dispatched task. Tasks are indexed by envelope id
// (arena-style: id → entry, no pointer cycles) so the whole index
// serializes cleanly into snapshots.
type TaskState struct {
	ID            string     `json:"id"`
	Agent         string     `json:"agent"`
	Status        TaskStatus `json:"status"`
	DispatchedSeq uint64     `json:"dispatched_seq"`
	ResolvedSeq   uint64     `json:"resolved_seq,omitempty"`
	// TimeoutMillis and DispatchedAtUnixMs define the deadline without any
	// wall-clock read in the apply path: both were captured at write time.
	TimeoutMillis      int64  `json:"timeout_millis,omitempty"`
	DispatchedAtUnixMs int64  `json:"dispatched_at_unix_ms"`
	PayloadHash        string `json:"payload_hash,omitempty"`
	ResultHash         string `json:"result_hash,omitempty"`
}

// BudgetState mirrors the recorded budget decisions. It is folded purely
// from budget_update events, never read from the live collaborator.
type BudgetState struct {
	MaxTokens      int64 `json:"max_tokens"`
	MaxCostMicros  int64 `json:"max_cost_micros"`
	UsedTokens     int64 `json:"used_tokens"`
	UsedCostMicros int64 `json:"used_cost_micros"`
	Warned         bool  `json:"warned"`
	Exceeded       bool  `json:"exceeded"`
}

// RunState is the complete deterministic state of one run. Every field is
// a pure function of the event prefix applied; no field may ever hold a
// value that was not captured in an event body.
type RunState struct {
	RunID               string                `json:"run_id"`
	TraceID             string                `json:"trace_id,omitempty"`
	Status              RunStatus             `json:"status"`
	Budget              BudgetState           `json:"budget"`
	Tasks               map[string]*TaskState `json:"tasks"`
	// Applied maps envelope id → the sequence that applied it, for
	// idempotent resubmission.
	Applied             map[string]uint64 `json:"applied"`
	LastAppliedSequence uint64            `json:"last_applied_sequence"`
	// Result is the canonical JSON of the terminal result payload.
	Result json.RawMessage `json:"result,omitempty"`
	// ResultRef is the blob ref of an offloaded terminal result; set
	// instead of Result when the payload exceeded the inline threshold.
	ResultRef string `json:"result_ref,omitempty"`
	// FailureReason is set for blocked/failed/cancelled runs.
	FailureReason string `json:"failure_reason,omitempty"`
}

// NewRunState creates the pre-genesis state for a run.
func NewRunState(runID string) *RunState {
	return &RunState{
		RunID:   runID,
		Status:  RunProposed,
		Tasks:   make(map[string]*TaskState),
		Applied: make(map[string]uint64),
	}
}

// timedOut reports whether the run failed because a task deadline expired.
func (s *RunState) timedOut() bool {
	if s.Status != RunFailed {
		return false
	}
	for _, t := range s.Tasks {
		if t.Status == TaskTimedOut {
			return true
		}
	}
	return false
}

// PendingTasks returns the number of unresolved tasks.
func (s *RunState) PendingTasks() int {
	n := 0
	for _, t := range s.Tasks {
		if t.Status == TaskPending {
			n++
		}
	}
	return n
}

// Clone returns a deep copy, used to publish immutable reader views.
func (s *RunState) Clone() *RunState {
	cp := *s
	cp.Tasks = make(map[string]*TaskState, len(s.Tasks))
	for id, t := range s.Tasks {
		tc := *t
		cp.Tasks[id] = &tc
	}
	cp.Applied = make(map[string]uint64, len(s.Applied))
	for id, seq := range s.Applied {
		cp.Applied[id] = seq
	}
	if s.Result != nil {
		cp.Result = append(json.RawMessage(nil), s.Result...)
	}
	return &cp
}

// Hash returns the canonical state hash. Two replays of the same WAL
// prefix must produce identical hashes.
func (s *RunState) Hash() (string, error) {
	return canonicalize.CanonicalHash(s)
}

// Serialize returns the canonical serialization used for snapshots.
func (s *RunState) Serialize() (json.RawMessage, error) {
	b, err := canonicalize.JCS(s)
	if err != nil {
		return nil, fmt.Errorf("kernel: serialize run state: %w", err)
	}
	return b, nil
}

// DeserializeRunState decodes snapshot state.
func DeserializeRunState(data json.RawMessage) (*RunState, error) {
	var s RunState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("kernel: deserialize run state: %w", err)
	}
	if s.Tasks == nil {
		s.Tasks = make(map[string]*TaskState)
	}
	if s.Applied == nil {
		s.Applied = make(map[string]uint64)
	}
	return &s, nil
}
