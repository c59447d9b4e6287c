package kernel

import (
	"context"
	"time"

	"github.com/keelrun/keel/pkg/event"
)

// Timers live only on the write side. A firing timer appends a synthetic
// timed_out event carrying everything replay needs; replay itself never
// consults the clock.

func (o *Orchestrator) armTimerLocked(h *runHandle, taskID string, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	runID := h.state.RunID
	h.timers[taskID] = time.AfterFunc(timeout, func() {
		o.expireTask(runID, taskID)
	})
}

func (o *Orchestrator) stopTimerLocked(h *runHandle, taskID string) {
	if t, ok := h.timers[taskID]; ok {
		t.Stop()
		delete(h.timers, taskID)
	}
}

func (o *Orchestrator) stopAllTimersLocked(h *runHandle) {
	for id, t := range h.timers {
		t.Stop()
		delete(h.timers, id)
	}
}

// expireTask records a deadline miss. A result that raced the timer and
// resolved the task first wins; the expiry is then a no-op.
func (o *Orchestrator) expireTask(runID, taskID string) {
	h, err := o.handle(runID)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.timers, taskID)
	task, ok := h.state.Tasks[taskID]
	if !ok || task.Status != TaskPending || h.state.Status.Terminal() || h.state.Status == RunBlocked {
		return
	}

	ev := &event.Event{
		RunID:                runID,
		Type:                 event.TypeTaskTimedOut,
		CausalParentSequence: event.ParentRef(task.DispatchedSeq),
		ObservedAt:           o.clock().UTC(),
		Body: map[string]interface{}{
			"task_id":     taskID,
			"recoverable": false,
		},
	}
	if err := o.commit(context.Background(), h, ev); err != nil {
		o.logger.Error("timeout event append failed", "run_id", runID, "task_id", taskID, "error", err)
		return
	}
	o.stopAllTimersLocked(h)
	o.logger.Warn("task timed out", "run_id", runID, "task_id", taskID)
}
