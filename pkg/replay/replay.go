// Package replay rebuilds run state from durable storage: a validated
// snapshot plus the log tail, or the full log when no usable snapshot
// exists. Replay and live execution share one apply path, so a rebuilt
// state is bit-identical to the state the writer held before the crash.
package replay

import (
	"log/slog"

	"github.com/keelrun/keel/pkg/fault"
	"github.com/keelrun/keel/pkg/kernel"
	"github.com/keelrun/keel/pkg/snapshot"
	"github.com/keelrun/keel/pkg/wal"
)

// Engine rebuilds run states from a WAL directory and a snapshot manager.
type Engine struct {
	walDir    string
	snapshots *snapshot.Manager
	logger    *slog.Logger
}

// NewEngine creates a replay engine. snapshots may be nil to force full
// replay.
func NewEngine(walDir string, snapshots *snapshot.Manager) *Engine {
	return &Engine{
		walDir:    walDir,
		snapshots: snapshots,
		logger:    slog.Default().With("component", "replay"),
	}
}

// Rebuild reconstructs the state of one run. A corrupt or stale snapshot
// is discarded in favor of full replay, never trusted partially.
func (e *Engine) Rebuild(runID string) (*kernel.RunState, error) {
	state, from := e.baseline(runID)

	records, err := wal.ReadAll(e.walDir, runID, from)
	if err != nil {
		return nil, err
	}
	if from == 0 && len(records) == 0 {
		return nil, fault.New(fault.CodeNotFound, "no durable state for run %s", runID)
	}

	for _, rec := range records {
		if err := kernel.Apply(state, rec.Event); err != nil {
			return nil, fault.Wrap(fault.CodeInternal, err,
				"replay diverged at sequence %d for run %s", rec.Event.Sequence, runID)
		}
	}
	e.logger.Info("run rebuilt", "run_id", runID,
		"last_applied", state.LastAppliedSequence, "from_snapshot", from > 0)
	return state, nil
}

// baseline returns the starting state and WAL byte offset: a deserialized
// snapshot when one loads and validates, else a fresh state at offset 0.
func (e *Engine) baseline(runID string) (*kernel.RunState, int64) {
	if e.snapshots == nil {
		return kernel.NewRunState(runID), 0
	}
	snap := e.snapshots.Load(runID)
	if snap == nil {
		return kernel.NewRunState(runID), 0
	}
	state, err := kernel.DeserializeRunState(snap.State)
	if err != nil || state.RunID != runID || state.LastAppliedSequence != snap.LastAppliedSequence {
		e.logger.Warn("snapshot state rejected, replaying full log", "run_id", runID, "error", err)
		return kernel.NewRunState(runID), 0
	}
	return state, snap.WALOffset
}

// RebuildAll rebuilds every run with a stream in the WAL directory.
// Individual failures are logged and skipped so one corrupt run cannot
// block recovery of the rest.
func (e *Engine) RebuildAll() ([]*kernel.RunState, error) {
	runs, err := wal.ListRuns(e.walDir)
	if err != nil {
		return nil, err
	}
	states := make([]*kernel.RunState, 0, len(runs))
	for _, runID := range runs {
		state, err := e.Rebuild(runID)
		if err != nil {
			e.logger.Error("run rebuild failed", "run_id", runID, "error", err)
			continue
		}
		states = append(states, state)
	}
	return states, nil
}

// VerifyAgainst replays the full log for runID and compares the resulting
// state hash with expected. A mismatch means the apply path or the log
// changed underneath the run.
func (e *Engine) VerifyAgainst(runID, expected string) error {
	records, err := wal.ReadAll(e.walDir, runID, 0)
	if err != nil {
		return err
	}
	state := kernel.NewRunState(runID)
	for _, rec := range records {
		if err := kernel.Apply(state, rec.Event); err != nil {
			return fault.Wrap(fault.CodeInternal, err, "verify replay failed for run %s", runID)
		}
	}
	hash, err := state.Hash()
	if err != nil {
		return fault.Wrap(fault.CodeInternal, err, "verify hash failed for run %s", runID)
	}
	if hash != expected {
		return fault.New(fault.CodeInternal,
			"state divergence for run %s: replay %s, expected %s", runID, hash, expected)
	}
	return nil
}
