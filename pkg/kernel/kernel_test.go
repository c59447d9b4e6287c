package kernel

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelrun/keel/pkg/blob"
	"github.com/keelrun/keel/pkg/budget"
	"github.com/keelrun/keel/pkg/envelope"
	"github.com/keelrun/keel/pkg/event"
	"github.com/keelrun/keel/pkg/fault"
	"github.com/keelrun/keel/pkg/pdp"
	"github.com/keelrun/keel/pkg/snapshot"
	"github.com/keelrun/keel/pkg/wal"
)

type denyTool struct{ tool string }

func (d denyTool) Decide(ctx context.Context, phase pdp.Phase, env *envelope.Envelope) (*pdp.Decision, error) {
	if v, ok := env.Payload["tool"].(string); ok && v == d.tool {
		return &pdp.Decision{Effect: pdp.EffectDeny, RuleID: "deny-" + d.tool, Reason: "blocked tool"}, nil
	}
	return &pdp.Decision{Effect: pdp.EffectAllow, RuleID: "DEFAULT"}, nil
}

func (denyTool) PolicyHash() string { return "deny-tool" }

func testOrchestrator(t *testing.T, policy pdp.DecisionPoint, cfg Config) *Orchestrator {
	t.Helper()
	if cfg.WALDir == "" {
		cfg.WALDir = t.TempDir()
	}
	if policy == nil {
		policy = pdp.AllowAll{}
	}
	meter := budget.NewMeter(budget.NewMemoryStorage(), budget.Limits{})
	o := New(cfg, envelope.NewValidator(), policy, meter, snapshot.NewManager(t.TempDir()))
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func taskEnvelope(id, agent string, payload map[string]interface{}) *envelope.Envelope {
	return &envelope.Envelope{
		ID:              id,
		Agent:           agent,
		Kind:            envelope.KindTask,
		Payload:         payload,
		ProtocolVersion: envelope.ProtocolVersion,
	}
}

func resultEnvelope(id, parentID, agent string, payload map[string]interface{}) *envelope.Envelope {
	return &envelope.Envelope{
		ID:              id,
		ParentID:        parentID,
		Agent:           agent,
		Kind:            envelope.KindResult,
		Payload:         payload,
		ProtocolVersion: envelope.ProtocolVersion,
	}
}

func TestRunCompletesWhenLastTaskResolves(t *testing.T) {
	o := testOrchestrator(t, nil, Config{})
	ctx := context.Background()

	runID, err := o.StartRun(ctx, taskEnvelope("t1", "planner", map[string]interface{}{"goal": "summarize"}), budget.Limits{})
	require.NoError(t, err)

	view, err := o.View(runID)
	require.NoError(t, err)
	assert.Equal(t, RunInProgress, view.Status)
	require.Contains(t, view.Tasks, "t1")
	assert.Equal(t, TaskPending, view.Tasks["t1"].Status)

	_, err = o.FetchResult(runID)
	require.Error(t, err)
	assert.Equal(t, fault.CodeUnavailable, fault.CodeOf(err))

	out, err := o.SubmitResult(ctx, runID, resultEnvelope("r1", "t1", "planner", map[string]interface{}{"summary": "done"}))
	require.NoError(t, err)
	assert.False(t, out.Duplicate)

	tr, err := o.FetchResult(runID)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, tr.Status)
	assert.Contains(t, string(tr.Result), "done")
}

func TestDuplicateSubmissionReturnsPriorSequence(t *testing.T) {
	o := testOrchestrator(t, nil, Config{})
	ctx := context.Background()

	runID, err := o.StartRun(ctx, taskEnvelope("t1", "planner", nil), budget.Limits{})
	require.NoError(t, err)

	first, err := o.SubmitTask(ctx, runID, taskEnvelope("t2", "coder", map[string]interface{}{"file": "main.go"}))
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	again, err := o.SubmitTask(ctx, runID, taskEnvelope("t2", "coder", map[string]interface{}{"file": "main.go"}))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Sequence, again.Sequence)

	// The duplicate must not have produced new events.
	view, err := o.View(runID)
	require.NoError(t, err)
	assert.Len(t, view.Tasks, 2)
}

func TestPolicyDenyRejectsWithoutAppending(t *testing.T) {
	o := testOrchestrator(t, denyTool{tool: "shell"}, Config{})
	ctx := context.Background()

	runID, err := o.StartRun(ctx, taskEnvelope("t1", "planner", nil), budget.Limits{})
	require.NoError(t, err)
	before, err := o.View(runID)
	require.NoError(t, err)

	_, err = o.SubmitTask(ctx, runID, taskEnvelope("t2", "coder", map[string]interface{}{"tool": "shell"}))
	require.Error(t, err)
	assert.Equal(t, fault.CodePermissionDenied, fault.CodeOf(err))

	after, err := o.View(runID)
	require.NoError(t, err)
	assert.Equal(t, before.LastAppliedSequence, after.LastAppliedSequence)
	assert.NotContains(t, after.Tasks, "t2")
}

func TestStartRunDeniedByPolicy(t *testing.T) {
	o := testOrchestrator(t, denyTool{tool: "shell"}, Config{})

	_, err := o.StartRun(context.Background(),
		taskEnvelope("t1", "planner", map[string]interface{}{"tool": "shell"}), budget.Limits{})
	require.Error(t, err)
	assert.Equal(t, fault.CodePermissionDenied, fault.CodeOf(err))
	assert.Empty(t, o.Runs())
}

func TestBudgetExceededBlocksRun(t *testing.T) {
	o := testOrchestrator(t, nil, Config{BlockOnBudgetExceeded: true})
	ctx := context.Background()

	first := taskEnvelope("t1", "planner", nil)
	first.UsageHint = &envelope.UsageHint{Tokens: 600}
	runID, err := o.StartRun(ctx, first, budget.Limits{MaxTokens: 1000})
	require.NoError(t, err)

	second := taskEnvelope("t2", "coder", nil)
	second.UsageHint = &envelope.UsageHint{Tokens: 600}
	_, err = o.SubmitTask(ctx, runID, second)
	require.Error(t, err)
	assert.Equal(t, fault.CodeResourceExhausted, fault.CodeOf(err))

	view, err := o.View(runID)
	require.NoError(t, err)
	assert.Equal(t, RunBlocked, view.Status)
	assert.True(t, view.Budget.Exceeded)

	// Usage beyond the ceiling was never charged.
	assert.Equal(t, int64(600), view.Budget.UsedTokens)

	_, err = o.SubmitTask(ctx, runID, taskEnvelope("t3", "coder", nil))
	require.Error(t, err)
	assert.Equal(t, fault.CodeResourceExhausted, fault.CodeOf(err))
}

func TestBudgetWarningRecordedOnce(t *testing.T) {
	sink := &captureSink{}
	o := testOrchestrator(t, nil, Config{}).WithSink(sink)
	ctx := context.Background()

	first := taskEnvelope("t1", "planner", nil)
	first.UsageHint = &envelope.UsageHint{Tokens: 850}
	runID, err := o.StartRun(ctx, first, budget.Limits{MaxTokens: 1000})
	require.NoError(t, err)

	second := taskEnvelope("t2", "coder", nil)
	second.UsageHint = &envelope.UsageHint{Tokens: 50}
	_, err = o.SubmitTask(ctx, runID, second)
	require.NoError(t, err)

	warnings := sink.ofType(event.TypeBudgetWarning)
	assert.Len(t, warnings, 1)

	view, err := o.View(runID)
	require.NoError(t, err)
	assert.True(t, view.Budget.Warned)
	assert.Equal(t, RunInProgress, view.Status)
}

func TestTaskTimeoutFailsRun(t *testing.T) {
	o := testOrchestrator(t, nil, Config{DefaultTaskTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	runID, err := o.StartRun(ctx, taskEnvelope("t1", "planner", nil), budget.Limits{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		view, err := o.View(runID)
		return err == nil && view.Status.Terminal()
	}, time.Second, 5*time.Millisecond)

	view, err := o.View(runID)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, view.Status)
	assert.Equal(t, TaskTimedOut, view.Tasks["t1"].Status)

	// A result arriving after expiry is rejected with the deadline code,
	// so the caller can tell a timeout from a generic dead run.
	_, err = o.SubmitResult(ctx, runID, resultEnvelope("r1", "t1", "planner", nil))
	require.Error(t, err)
	assert.Equal(t, fault.CodeDeadlineExceeded, fault.CodeOf(err))

	_, err = o.SubmitTask(ctx, runID, taskEnvelope("t2", "coder", nil))
	require.Error(t, err)
	assert.Equal(t, fault.CodeDeadlineExceeded, fault.CodeOf(err))

	tr, err := o.FetchResult(runID)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, tr.Status)
	assert.Contains(t, tr.FailureReason, "timed out")
}

func TestResultBeatsTimer(t *testing.T) {
	o := testOrchestrator(t, nil, Config{DefaultTaskTimeout: time.Hour})
	ctx := context.Background()

	runID, err := o.StartRun(ctx, taskEnvelope("t1", "planner", nil), budget.Limits{})
	require.NoError(t, err)
	_, err = o.SubmitResult(ctx, runID, resultEnvelope("r1", "t1", "planner", nil))
	require.NoError(t, err)

	// Expiry after resolution is a no-op.
	o.expireTask(runID, "t1")
	view, err := o.View(runID)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, view.Status)
}

func TestCancelStopsRun(t *testing.T) {
	o := testOrchestrator(t, nil, Config{})
	ctx := context.Background()

	runID, err := o.StartRun(ctx, taskEnvelope("t1", "planner", nil), budget.Limits{})
	require.NoError(t, err)
	require.NoError(t, o.Cancel(ctx, runID, "operator abort"))

	view, err := o.View(runID)
	require.NoError(t, err)
	assert.Equal(t, RunCancelled, view.Status)
	assert.Equal(t, "operator abort", view.FailureReason)

	_, err = o.SubmitTask(ctx, runID, taskEnvelope("t2", "coder", nil))
	require.Error(t, err)
	assert.Equal(t, fault.CodeCancelled, fault.CodeOf(err))

	require.Error(t, o.Cancel(ctx, runID, "again"))
}

// TestReplayMatchesLiveState drives a run end to end, then replays the
// recorded log from scratch through the same apply path and requires a
// bit-identical state hash.
func TestReplayMatchesLiveState(t *testing.T) {
	dir := t.TempDir()
	o := testOrchestrator(t, nil, Config{WALDir: dir})
	ctx := context.Background()

	first := taskEnvelope("t1", "planner", map[string]interface{}{"goal": "refactor"})
	first.UsageHint = &envelope.UsageHint{Tokens: 120, CostMicros: 4000}
	runID, err := o.StartRun(ctx, first, budget.Limits{MaxTokens: 10000})
	require.NoError(t, err)

	_, err = o.SubmitResult(ctx, runID, resultEnvelope("r1", "t1", "planner", map[string]interface{}{"patch": "diff"}))
	require.NoError(t, err)

	live, err := o.View(runID)
	require.NoError(t, err)
	liveHash, err := live.Hash()
	require.NoError(t, err)
	require.NoError(t, o.Close())

	records, err := wal.ReadAll(dir, runID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, records)

	replayed := NewRunState(runID)
	for _, rec := range records {
		require.NoError(t, Apply(replayed, rec.Event))
	}
	replayHash, err := replayed.Hash()
	require.NoError(t, err)
	assert.Equal(t, liveHash, replayHash)
	assert.Equal(t, live.LastAppliedSequence, replayed.LastAppliedSequence)
}

func TestRestoreRearmsPendingTimers(t *testing.T) {
	dir := t.TempDir()
	o := testOrchestrator(t, nil, Config{WALDir: dir, DefaultTaskTimeout: time.Hour})
	ctx := context.Background()

	runID, err := o.StartRun(ctx, taskEnvelope("t1", "planner", nil), budget.Limits{})
	require.NoError(t, err)
	live, err := o.View(runID)
	require.NoError(t, err)
	require.NoError(t, o.Close())

	records, err := wal.ReadAll(dir, runID, 0)
	require.NoError(t, err)
	recovered := NewRunState(runID)
	for _, rec := range records {
		require.NoError(t, Apply(recovered, rec.Event))
	}

	o2 := testOrchestrator(t, nil, Config{WALDir: dir, DefaultTaskTimeout: time.Hour})
	require.NoError(t, o2.Restore(ctx, recovered))

	view, err := o2.View(runID)
	require.NoError(t, err)
	assert.Equal(t, live.LastAppliedSequence, view.LastAppliedSequence)
	assert.Equal(t, RunInProgress, view.Status)

	// The resumed run keeps accepting work at the recovered sequence.
	out, err := o2.SubmitTask(ctx, runID, taskEnvelope("t2", "coder", nil))
	require.NoError(t, err)
	assert.Greater(t, out.Sequence, live.LastAppliedSequence)
}

func TestRestoreExpiresOverdueTask(t *testing.T) {
	dir := t.TempDir()
	o := testOrchestrator(t, nil, Config{WALDir: dir, DefaultTaskTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	runID, err := o.StartRun(ctx, taskEnvelope("t1", "planner", nil), budget.Limits{})
	require.NoError(t, err)
	// Drop the run before the timer fires, keeping only the durable log.
	o.mu.Lock()
	h := o.runs[runID]
	delete(o.runs, runID)
	o.mu.Unlock()
	h.mu.Lock()
	o.stopAllTimersLocked(h)
	require.NoError(t, h.writer.Close())
	h.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	records, err := wal.ReadAll(dir, runID, 0)
	require.NoError(t, err)
	recovered := NewRunState(runID)
	for _, rec := range records {
		require.NoError(t, Apply(recovered, rec.Event))
	}

	o2 := testOrchestrator(t, nil, Config{WALDir: dir})
	require.NoError(t, o2.Restore(ctx, recovered))

	view, err := o2.View(runID)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, view.Status)
	assert.Equal(t, TaskTimedOut, view.Tasks["t1"].Status)
}

// TestSnapshotImpliesDurableLog checks that under batched sync a snapshot
// is only written once every event it describes is fsynced: a snapshot
// must never claim a sequence the durable log could lose in a crash.
func TestSnapshotImpliesDurableLog(t *testing.T) {
	walDir := t.TempDir()
	snaps := snapshot.NewManager(t.TempDir())
	meter := budget.NewMeter(budget.NewMemoryStorage(), budget.Limits{})
	o := New(Config{
		WALDir:          walDir,
		WAL:             wal.Options{Sync: wal.SyncBatched, BatchSize: 1000, BatchInterval: time.Hour},
		SnapshotTrigger: snapshot.Trigger{EveryEvents: 1},
	}, envelope.NewValidator(), pdp.AllowAll{}, meter, snaps)
	t.Cleanup(func() { _ = o.Close() })

	ctx := context.Background()
	runID, err := o.StartRun(ctx, taskEnvelope("t1", "planner", nil), budget.Limits{})
	require.NoError(t, err)

	o.mu.RLock()
	h := o.runs[runID]
	o.mu.RUnlock()

	// The snapshot flushed the batched tail before describing it.
	assert.Equal(t, 0, h.writer.Pending())

	snap := snaps.Load(runID)
	require.NotNil(t, snap)
	view, err := o.View(runID)
	require.NoError(t, err)
	assert.Equal(t, view.LastAppliedSequence, snap.LastAppliedSequence)
	assert.Equal(t, h.writer.Offset(), snap.WALOffset)
}

// TestPolicyDenialBlocksWithoutChargingBudget drives a post-phase denial
// in resumable mode and checks the run blocks via its own lifecycle event
// rather than masquerading as budget exhaustion.
func TestPolicyDenialBlocksWithoutChargingBudget(t *testing.T) {
	sink := &captureSink{}
	o := testOrchestrator(t, denyTool{tool: "shell"}, Config{BlockOnBudgetExceeded: true}).WithSink(sink)
	ctx := context.Background()

	runID, err := o.StartRun(ctx, taskEnvelope("t1", "planner", nil), budget.Limits{})
	require.NoError(t, err)

	_, err = o.SubmitResult(ctx, runID, resultEnvelope("r1", "t1", "planner",
		map[string]interface{}{"tool": "shell"}))
	require.Error(t, err)
	assert.Equal(t, fault.CodePermissionDenied, fault.CodeOf(err))

	view, err := o.View(runID)
	require.NoError(t, err)
	assert.Equal(t, RunBlocked, view.Status)
	assert.False(t, view.Budget.Exceeded)
	assert.Contains(t, view.FailureReason, "policy denied")

	assert.Len(t, sink.ofType(event.TypeRunBlocked), 1)
	assert.Empty(t, sink.ofType(event.TypeBudgetExceeded))

	// A policy-blocked run rejects as unavailable, not as out of budget.
	_, err = o.SubmitTask(ctx, runID, taskEnvelope("t2", "coder", nil))
	require.Error(t, err)
	assert.Equal(t, fault.CodeUnavailable, fault.CodeOf(err))
}

// TestOversizedPayloadsOffloadToBlobStore keeps big payloads out of the
// log: the event body carries only the content-addressed ref, and the
// terminal result is fetchable from the store by that ref.
func TestOversizedPayloadsOffloadToBlobStore(t *testing.T) {
	store, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	sink := &captureSink{}
	o := testOrchestrator(t, nil, Config{Blobs: store, BlobThreshold: 64}).WithSink(sink)
	ctx := context.Background()

	big := strings.Repeat("x", 512)
	runID, err := o.StartRun(ctx, taskEnvelope("t1", "planner",
		map[string]interface{}{"doc": big}), budget.Limits{})
	require.NoError(t, err)

	dispatched := sink.ofType(event.TypeTaskDispatched)
	require.Len(t, dispatched, 1)
	ref, ok := dispatched[0].Body["payload_ref"].(string)
	require.True(t, ok)
	assert.NotContains(t, dispatched[0].Body, "payload")
	exists, err := store.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = o.SubmitResult(ctx, runID, resultEnvelope("r1", "t1", "planner",
		map[string]interface{}{"report": big}))
	require.NoError(t, err)

	tr, err := o.FetchResult(runID)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, tr.Status)
	require.NotEmpty(t, tr.ResultRef)
	assert.Nil(t, tr.Result)
	data, err := store.Get(ctx, tr.ResultRef)
	require.NoError(t, err)
	assert.Contains(t, string(data), "report")

	received := sink.ofType(event.TypeResultReceived)
	require.Len(t, received, 1)
	assert.Contains(t, received[0].Body, "result_ref")
	assert.NotContains(t, received[0].Body, "result")
}

type captureSink struct {
	events []*event.Event
}

func (c *captureSink) Publish(ev *event.Event) {
	c.events = append(c.events, ev)
}

func (c *captureSink) ofType(typ event.Type) []*event.Event {
	var out []*event.Event
	for _, ev := range c.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
