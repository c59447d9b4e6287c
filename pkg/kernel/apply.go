package kernel

import (
	"encoding/json"

	"github.com/keelrun/keel/pkg/canonicalize"
	"github.com/keelrun/keel/pkg/event"
	"github.com/keelrun/keel/pkg/fault"
)

// Apply folds one durable event into run state. This is the single code
// path for event application — live execution and replay both go through
// it, which is what guarantees bit-for-bit convergence.
//
// Apply is a pure function of (prior state, event): no wall-clock reads,
// no unseeded randomness, no external I/O. Anything variable was captured
// into the event body at write time.
func Apply(s *RunState, ev *event.Event) error {
	if ev.RunID != s.RunID {
		return fault.New(fault.CodeInternal, "kernel: event for run %s applied to run %s", ev.RunID, s.RunID)
	}
	if ev.Sequence != s.LastAppliedSequence+1 {
		return fault.New(fault.CodeInternal,
			"kernel: sequence gap: applying %d after %d", ev.Sequence, s.LastAppliedSequence)
	}

	switch ev.Type {
	case event.TypeRunStarted:
		s.Status = RunProposed
		s.TraceID = bodyString(ev.Body, "trace_id")
		s.Budget.MaxTokens = bodyInt(ev.Body, "max_tokens")
		s.Budget.MaxCostMicros = bodyInt(ev.Body, "max_cost_micros")

	case event.TypeTaskDispatched:
		taskID := bodyString(ev.Body, "task_id")
		if taskID == "" {
			return fault.New(fault.CodeInternal, "kernel: task_dispatched without task_id at %d", ev.Sequence)
		}
		s.Tasks[taskID] = &TaskState{
			ID:                 taskID,
			Agent:              bodyString(ev.Body, "agent"),
			Status:             TaskPending,
			DispatchedSeq:      ev.Sequence,
			TimeoutMillis:      bodyInt(ev.Body, "timeout_millis"),
			DispatchedAtUnixMs: bodyInt(ev.Body, "dispatched_at_unix_ms"),
			PayloadHash:        bodyString(ev.Body, "payload_hash"),
		}
		s.Applied[taskID] = ev.Sequence
		if s.Status == RunProposed {
			s.Status = RunInProgress
		}

	case event.TypeResultReceived:
		taskID := bodyString(ev.Body, "task_id")
		task, ok := s.Tasks[taskID]
		if !ok {
			return fault.New(fault.CodeInternal, "kernel: result for unknown task %s at %d", taskID, ev.Sequence)
		}
		if task.Status == TaskPending {
			task.Status = TaskResolved
			task.ResolvedSeq = ev.Sequence
			task.ResultHash = bodyString(ev.Body, "result_hash")
		}
		if id := ev.EnvelopeID; id != "" {
			s.Applied[id] = ev.Sequence
		}

	case event.TypePolicyDecision:
		// Audit record only; lifecycle effects of a denial are carried by
		// the run_failed/run_cancelled event that follows it.

	case event.TypeBudgetUpdate:
		s.Budget.UsedTokens = bodyInt(ev.Body, "used_tokens")
		s.Budget.UsedCostMicros = bodyInt(ev.Body, "used_cost_micros")

	case event.TypeBudgetWarning:
		s.Budget.Warned = true

	case event.TypeBudgetExceeded:
		s.Budget.Exceeded = true
		s.FailureReason = bodyString(ev.Body, "reason")
		if bodyBool(ev.Body, "resumable") {
			s.Status = RunBlocked
		} else {
			s.Status = RunFailed
		}

	case event.TypeTaskTimedOut:
		taskID := bodyString(ev.Body, "task_id")
		task, ok := s.Tasks[taskID]
		if !ok {
			return fault.New(fault.CodeInternal, "kernel: timeout for unknown task %s at %d", taskID, ev.Sequence)
		}
		if task.Status == TaskPending {
			task.Status = TaskTimedOut
			task.ResolvedSeq = ev.Sequence
		}
		if !bodyBool(ev.Body, "recoverable") {
			s.Status = RunFailed
			s.FailureReason = "task " + taskID + " timed out"
		}

	case event.TypeRunCompleted:
		s.Status = RunCompleted
		if raw, ok := ev.Body["result"]; ok {
			if canonical, err := canonicalize.JCS(raw); err == nil {
				s.Result = json.RawMessage(canonical)
			}
		} else if ref := bodyString(ev.Body, "result_ref"); ref != "" {
			// Offloaded result: state carries the ref, the bytes stay in
			// blob storage. Apply never does I/O.
			s.ResultRef = ref
		}

	case event.TypeRunBlocked:
		// Blocked is a resumable halt: the budget ledger is untouched, only
		// the lifecycle stops accepting work.
		s.Status = RunBlocked
		s.FailureReason = bodyString(ev.Body, "reason")

	case event.TypeRunFailed:
		s.Status = RunFailed
		s.FailureReason = bodyString(ev.Body, "reason")

	case event.TypeRunCancelled:
		s.Status = RunCancelled
		s.FailureReason = bodyString(ev.Body, "reason")

	default:
		return fault.New(fault.CodeInternal, "kernel: unknown event type %q at %d", ev.Type, ev.Sequence)
	}

	s.LastAppliedSequence = ev.Sequence
	return nil
}

// bodyString reads a string field from an event body.
func bodyString(body map[string]interface{}, key string) string {
	if body == nil {
		return ""
	}
	v, _ := body[key].(string)
	return v
}

// bodyInt reads an integer field from an event body, tolerating the
// numeric representations JSON decoding produces. Live construction uses
// int64; replay decodes float64 or json.Number. All collapse to int64 so
// state never depends on which path produced it.
func bodyInt(body map[string]interface{}, key string) int64 {
	if body == nil {
		return 0
	}
	switch v := body[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

func bodyBool(body map[string]interface{}, key string) bool {
	if body == nil {
		return false
	}
	v, _ := body[key].(bool)
	return v
}
