package kernel

import (
	"context"
	"time"

	"github.com/keelrun/keel/pkg/fault"
	"github.com/keelrun/keel/pkg/wal"
)

// Restore attaches a recovered run state and resumes ownership of its log.
// Pending tasks get their timers re-armed against the originally recorded
// deadline; deadlines that passed while the process was down expire
// immediately.
func (o *Orchestrator) Restore(ctx context.Context, state *RunState) error {
	if state == nil || state.RunID == "" {
		return fault.New(fault.CodeInvalidArgument, "recovered state is empty")
	}

	o.mu.Lock()
	if _, exists := o.runs[state.RunID]; exists {
		o.mu.Unlock()
		return fault.New(fault.CodeInvalidArgument, "run %s already attached", state.RunID)
	}
	o.mu.Unlock()

	writer, err := wal.Open(o.cfg.WALDir, state.RunID, o.cfg.WAL)
	if err != nil {
		return err
	}
	if writer.NextSequence() != state.LastAppliedSequence+1 {
		_ = writer.Close()
		return fault.New(fault.CodeInternal,
			"recovered state at sequence %d does not match log head %d",
			state.LastAppliedSequence, writer.NextSequence()-1)
	}

	h := &runHandle{
		state:          state,
		writer:         writer,
		timers:         make(map[string]*time.Timer),
		lastSnapshotAt: o.clock(),
	}
	h.publishView()

	o.mu.Lock()
	o.runs[state.RunID] = h
	o.mu.Unlock()

	// Terminal runs need no timers; blocked runs hold their deadlines until
	// resumed.
	if state.Status.Terminal() || state.Status == RunBlocked {
		return nil
	}

	now := o.clock()
	h.mu.Lock()
	var overdue []string
	for id, task := range state.Tasks {
		if task.Status != TaskPending || task.TimeoutMillis <= 0 {
			continue
		}
		deadline := time.UnixMilli(task.DispatchedAtUnixMs + task.TimeoutMillis)
		if remaining := deadline.Sub(now); remaining > 0 {
			o.armTimerLocked(h, id, remaining)
		} else {
			overdue = append(overdue, id)
		}
	}
	h.mu.Unlock()

	for _, id := range overdue {
		o.expireTask(state.RunID, id)
	}
	o.logger.Info("run restored", "run_id", state.RunID, "status", string(state.Status),
		"last_applied", state.LastAppliedSequence)
	return nil
}
