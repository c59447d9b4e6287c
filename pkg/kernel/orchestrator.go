package kernel

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/keelrun/keel/pkg/blob"
	"github.com/keelrun/keel/pkg/budget"
	"github.com/keelrun/keel/pkg/canonicalize"
	"github.com/keelrun/keel/pkg/envelope"
	"github.com/keelrun/keel/pkg/event"
	"github.com/keelrun/keel/pkg/fault"
	"github.com/keelrun/keel/pkg/pdp"
	"github.com/keelrun/keel/pkg/snapshot"
	"github.com/keelrun/keel/pkg/wal"
)

// EventSink receives events after they are durable and applied. The
// stream publisher implements this; the sink must never block the writer
// path beyond its configured backpressure policy.
type EventSink interface {
	Publish(ev *event.Event)
}

// Config tunes the orchestrator.
type Config struct {
	// WALDir holds one append-only stream per run.
	WALDir string
	// WAL is the durability policy for appends.
	WAL wal.Options
	// SnapshotTrigger controls checkpoint cadence.
	SnapshotTrigger snapshot.Trigger
	// DefaultTaskTimeout applies when an envelope carries none.
	DefaultTaskTimeout time.Duration
	// DefaultBudget applies when StartRun carries no explicit limits.
	DefaultBudget budget.Limits
	// BlockOnBudgetExceeded leaves an exhausted run resumable (blocked)
	// instead of failed.
	BlockOnBudgetExceeded bool
	// PolicyTimeout bounds each policy collaborator call.
	PolicyTimeout time.Duration
	// Blobs, when set, receives payloads whose canonical form exceeds
	// BlobThreshold bytes; the event body then carries only the blob ref.
	Blobs         blob.Store
	BlobThreshold int64
}

// SubmitOutcome reports task acceptance.
type SubmitOutcome struct {
	// Duplicate is set when the envelope id was already applied; Sequence
	// then names the previously recorded event.
	Duplicate bool   `json:"duplicate"`
	Sequence  uint64 `json:"sequence"`
}

// TerminalResult is what FetchResult returns once a run terminates.
type TerminalResult struct {
	RunID         string          `json:"run_id"`
	Status        RunStatus       `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	ResultRef     string          `json:"result_ref,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
}

// runHandle pairs a run's mutable state with its log writer. The handle
// mutex is the single-writer critical section: all appends and applies for
// one run are serialized through it, never interleaved.
type runHandle struct {
	mu     sync.Mutex
	state  *RunState
	writer *wal.Writer
	// view is the immutable state clone published for lock-free readers.
	view   atomic.Pointer[RunState]
	timers map[string]*time.Timer

	eventsSinceSnapshot uint64
	lastSnapshotAt      time.Time
}

func (h *runHandle) publishView() {
	h.view.Store(h.state.Clone())
}

// Orchestrator is the single-writer controller over all runs.
type Orchestrator struct {
	cfg       Config
	validator *envelope.Validator
	policy    *pdp.FailClosed
	budget    budget.Enforcer
	snapshots *snapshot.Manager
	sink      EventSink
	logger    *slog.Logger
	clock     func() time.Time

	mu   sync.RWMutex
	runs map[string]*runHandle
}

// New creates an orchestrator. policy and meter are the two external
// decision authorities; both are consulted fail-closed.
func New(cfg Config, validator *envelope.Validator, policy pdp.DecisionPoint, meter budget.Enforcer, snaps *snapshot.Manager) *Orchestrator {
	if cfg.DefaultTaskTimeout == 0 {
		cfg.DefaultTaskTimeout = 5 * time.Minute
	}
	if cfg.PolicyTimeout == 0 {
		cfg.PolicyTimeout = 5 * time.Second
	}
	return &Orchestrator{
		cfg:       cfg,
		validator: validator,
		policy:    pdp.NewFailClosed(policy, cfg.PolicyTimeout),
		budget:    meter,
		snapshots: snaps,
		logger:    slog.Default().With("component", "kernel"),
		clock:     time.Now,
		runs:      make(map[string]*runHandle),
	}
}

// WithSink installs the event sink consulted after each applied event.
func (o *Orchestrator) WithSink(sink EventSink) *Orchestrator {
	o.sink = sink
	return o
}

// WithClock overrides the clock for deterministic testing. Note the clock
// is only read on the write path — captured values flow into event bodies;
// the apply path never reads it.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// StartRun validates and gates the initial task, then creates the run.
// Returns PERMISSION_DENIED if policy denies the initial task.
func (o *Orchestrator) StartRun(ctx context.Context, initial *envelope.Envelope, limits budget.Limits) (string, error) {
	if initial == nil {
		return "", fault.New(fault.CodeInvalidArgument, "initial task is required")
	}
	if res := o.validator.Validate(initial); !res.Valid {
		err := res.FirstError()
		f := fault.Wrap(fault.CodeInvalidArgument, err, "invalid initial task")
		if ve, ok := err.(envelope.ValidationError); ok {
			f = f.WithField(ve.Field)
		}
		return "", f
	}

	// Pre-action gate before anything durable exists. On deny nothing is
	// appended and no run is created.
	decision := o.policy.Decide(ctx, pdp.PhasePre, initial)
	if !decision.Allowed() {
		return "", fault.New(fault.CodePermissionDenied, "policy denied initial task: %s", decision.Reason).
			WithRule(decision.RuleID)
	}
	task := initial
	if decision.Effect == pdp.EffectModify && decision.Modified != nil {
		task = decision.Modified
	}

	runID := uuid.New().String()
	if limits.MaxTokens == 0 {
		limits.MaxTokens = o.cfg.DefaultBudget.MaxTokens
	}
	if limits.MaxCostMicros == 0 {
		limits.MaxCostMicros = o.cfg.DefaultBudget.MaxCostMicros
	}

	writer, err := wal.Open(o.cfg.WALDir, runID, o.cfg.WAL)
	if err != nil {
		return "", err
	}

	h := &runHandle{
		state:          NewRunState(runID),
		writer:         writer,
		timers:         make(map[string]*time.Timer),
		lastSnapshotAt: o.clock(),
	}
	h.publishView()

	o.mu.Lock()
	o.runs[runID] = h
	o.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	traceID := task.TraceID
	if traceID == "" {
		traceID = runID
	}
	if err := o.commit(ctx, h, &event.Event{
		RunID:      runID,
		Type:       event.TypeRunStarted,
		ObservedAt: o.clock().UTC(),
		Body: map[string]interface{}{
			"trace_id":        traceID,
			"max_tokens":      limits.MaxTokens,
			"max_cost_micros": limits.MaxCostMicros,
		},
	}); err != nil {
		o.dropRun(runID, h)
		return "", err
	}

	if err := o.budget.Open(ctx, runID, limits); err != nil {
		o.logger.Error("budget open failed", "run_id", runID, "error", err)
		o.dropRun(runID, h)
		return "", fault.Wrap(fault.CodeInternal, err, "budget collaborator rejected run")
	}

	if _, err := o.dispatchLocked(ctx, h, task, decision); err != nil {
		return runID, err
	}
	return runID, nil
}

// SubmitTask gates and dispatches a follow-up task for an in-progress run.
// Resubmitting an already-applied envelope id is a no-op returning the
// previously recorded sequence.
func (o *Orchestrator) SubmitTask(ctx context.Context, runID string, task *envelope.Envelope) (*SubmitOutcome, error) {
	h, err := o.handle(runID)
	if err != nil {
		return nil, err
	}
	if res := o.validator.Validate(task); !res.Valid {
		return nil, fault.Wrap(fault.CodeInvalidArgument, res.FirstError(), "invalid task")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if seq, ok := h.state.Applied[task.ID]; ok {
		return &SubmitOutcome{Duplicate: true, Sequence: seq}, nil
	}
	if err := o.admitLocked(h); err != nil {
		return nil, err
	}

	decision := o.policy.Decide(ctx, pdp.PhasePre, task)
	if !decision.Allowed() {
		return nil, fault.New(fault.CodePermissionDenied, "policy denied task: %s", decision.Reason).
			WithRule(decision.RuleID)
	}
	if decision.Effect == pdp.EffectModify && decision.Modified != nil {
		task = decision.Modified
	}

	seq, err := o.dispatchLocked(ctx, h, task, decision)
	if err != nil {
		return nil, err
	}
	return &SubmitOutcome{Sequence: seq}, nil
}

// SubmitResult records a task's result. The post-action policy gate runs
// before the result becomes durable or visible to stream readers.
func (o *Orchestrator) SubmitResult(ctx context.Context, runID string, result *envelope.Envelope) (*SubmitOutcome, error) {
	h, err := o.handle(runID)
	if err != nil {
		return nil, err
	}
	if res := o.validator.Validate(result); !res.Valid {
		return nil, fault.Wrap(fault.CodeInvalidArgument, res.FirstError(), "invalid result")
	}
	if result.ParentID == "" {
		return nil, fault.New(fault.CodeInvalidArgument, "result must reference its task via parent_id").
			WithField("parent_id")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if seq, ok := h.state.Applied[result.ID]; ok {
		return &SubmitOutcome{Duplicate: true, Sequence: seq}, nil
	}
	if err := o.admitLocked(h); err != nil {
		return nil, err
	}

	task, ok := h.state.Tasks[result.ParentID]
	if !ok {
		return nil, fault.New(fault.CodeNotFound, "unknown task %s", result.ParentID)
	}
	if task.Status == TaskTimedOut {
		return nil, fault.New(fault.CodeDeadlineExceeded, "task %s timed out", task.ID)
	}
	if task.Status != TaskPending {
		return nil, fault.New(fault.CodeInvalidArgument, "task %s already %s", task.ID, task.Status)
	}

	decision := o.policy.Decide(ctx, pdp.PhasePost, result)
	if !decision.Allowed() {
		// A denied result is an in-flight step denial: record the decision
		// and transition the run.
		if err := o.recordDecisionLocked(ctx, h, pdp.PhasePost, result.ID, decision, task.DispatchedSeq); err != nil {
			return nil, err
		}
		if err := o.failLocked(ctx, h, "policy denied result: "+decision.Reason, o.cfg.BlockOnBudgetExceeded); err != nil {
			return nil, err
		}
		return nil, fault.New(fault.CodePermissionDenied, "policy denied result: %s", decision.Reason).
			WithRule(decision.RuleID)
	}
	if decision.Effect == pdp.EffectModify && decision.Modified != nil {
		result = decision.Modified
	}
	if decision.Effect != pdp.EffectAllow {
		if err := o.recordDecisionLocked(ctx, h, pdp.PhasePost, result.ID, decision, task.DispatchedSeq); err != nil {
			return nil, err
		}
	}

	resultHash, err := result.ContentHash()
	if err != nil {
		return nil, fault.Wrap(fault.CodeInvalidArgument, err, "unhashable result")
	}
	resultKey, resultVal, err := o.payloadField(ctx, "result", result.Payload)
	if err != nil {
		return nil, err
	}

	ev := &event.Event{
		RunID:                runID,
		Type:                 event.TypeResultReceived,
		CausalParentSequence: event.ParentRef(task.DispatchedSeq),
		EnvelopeID:           result.ID,
		ObservedAt:           o.clock().UTC(),
		Body: map[string]interface{}{
			"task_id":     task.ID,
			"result_hash": resultHash,
			resultKey:     resultVal,
		},
	}
	if err := o.commit(ctx, h, ev); err != nil {
		return nil, err
	}
	o.stopTimerLocked(h, task.ID)

	if err := o.meterLocked(ctx, h, usageOf(result), ev.Sequence); err != nil {
		return &SubmitOutcome{Sequence: ev.Sequence}, err
	}

	if h.state.PendingTasks() == 0 && !h.state.Status.Terminal() {
		completion := &event.Event{
			RunID:                runID,
			Type:                 event.TypeRunCompleted,
			CausalParentSequence: event.ParentRef(ev.Sequence),
			ObservedAt:           o.clock().UTC(),
			Body: map[string]interface{}{
				resultKey: resultVal,
			},
		}
		if err := o.commit(ctx, h, completion); err != nil {
			return &SubmitOutcome{Sequence: ev.Sequence}, err
		}
	}
	return &SubmitOutcome{Sequence: ev.Sequence}, nil
}

// Cancel records an explicit cancellation. Prior events are untouched;
// the run stops dispatching and transitions to cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, runID, reason string) error {
	h, err := o.handle(runID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state.Status.Terminal() {
		return fault.New(fault.CodeInvalidArgument, "run %s already %s", runID, h.state.Status)
	}

	ev := &event.Event{
		RunID:      runID,
		Type:       event.TypeRunCancelled,
		ObservedAt: o.clock().UTC(),
		Body:       map[string]interface{}{"reason": reason},
	}
	if err := o.commit(ctx, h, ev); err != nil {
		return err
	}
	o.stopAllTimersLocked(h)
	return nil
}

// FetchResult returns the terminal result, or unavailable while the run
// is still live.
func (o *Orchestrator) FetchResult(runID string) (*TerminalResult, error) {
	view, err := o.View(runID)
	if err != nil {
		return nil, err
	}
	if !view.Status.Terminal() {
		return nil, fault.New(fault.CodeUnavailable, "run %s is %s", runID, view.Status)
	}
	tr := &TerminalResult{
		RunID:         runID,
		Status:        view.Status,
		ResultRef:     view.ResultRef,
		FailureReason: view.FailureReason,
	}
	if view.Result != nil {
		tr.Result = view.Result
	}
	return tr, nil
}

// View returns the latest published immutable state clone for a run.
// Callers must treat it as read-only.
func (o *Orchestrator) View(runID string) (*RunState, error) {
	h, err := o.handle(runID)
	if err != nil {
		return nil, err
	}
	return h.view.Load(), nil
}

// Runs lists the ids of all attached runs.
func (o *Orchestrator) Runs() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]string, 0, len(o.runs))
	for id := range o.runs {
		ids = append(ids, id)
	}
	return ids
}

// Close releases all writers.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var firstErr error
	for id, h := range o.runs {
		h.mu.Lock()
		o.stopAllTimersLocked(h)
		if err := h.writer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		h.mu.Unlock()
		delete(o.runs, id)
	}
	return firstErr
}

func (o *Orchestrator) handle(runID string) (*runHandle, error) {
	o.mu.RLock()
	h, ok := o.runs[runID]
	o.mu.RUnlock()
	if !ok {
		return nil, fault.New(fault.CodeNotFound, "unknown run %s", runID)
	}
	return h, nil
}

func (o *Orchestrator) dropRun(runID string, h *runHandle) {
	_ = h.writer.Close()
	o.mu.Lock()
	delete(o.runs, runID)
	o.mu.Unlock()
}

// admitLocked rejects submissions against runs that can no longer accept
// work, with the taxonomy code the terminal cause dictates.
func (o *Orchestrator) admitLocked(h *runHandle) error {
	s := h.state
	if s.Budget.Exceeded {
		return fault.New(fault.CodeResourceExhausted, "run %s budget exhausted: %s", s.RunID, s.FailureReason).
			WithLimit(budget.LimitTokens)
	}
	switch s.Status {
	case RunCancelled:
		return fault.New(fault.CodeCancelled, "run %s is cancelled", s.RunID)
	case RunFailed:
		// A run felled by a task deadline surfaces as such, not as a
		// generic unavailability.
		if s.timedOut() {
			return fault.New(fault.CodeDeadlineExceeded, "run %s failed: %s", s.RunID, s.FailureReason)
		}
		return fault.New(fault.CodeUnavailable, "run %s is %s", s.RunID, s.Status)
	case RunCompleted, RunBlocked:
		return fault.New(fault.CodeUnavailable, "run %s is %s", s.RunID, s.Status)
	}
	return nil
}

// commit is the write-ahead discipline in one place: durably append, then
// apply, then publish. Nothing is acted upon before it is durable.
func (o *Orchestrator) commit(ctx context.Context, h *runHandle, ev *event.Event) error {
	if _, err := h.writer.Append(ctx, ev); err != nil {
		return err
	}
	if err := Apply(h.state, ev); err != nil {
		// The record is durable but inapplicable — an invariant violation.
		o.logger.Error("apply failed after durable append",
			"run_id", ev.RunID, "sequence", ev.Sequence, "error", err)
		return err
	}
	h.publishView()
	h.eventsSinceSnapshot++
	o.maybeSnapshotLocked(h)
	if o.sink != nil {
		o.sink.Publish(ev)
	}
	return nil
}

func (o *Orchestrator) maybeSnapshotLocked(h *runHandle) {
	if o.snapshots == nil {
		return
	}
	elapsed := o.clock().Sub(h.lastSnapshotAt)
	if !o.cfg.SnapshotTrigger.Due(h.eventsSinceSnapshot, elapsed) {
		return
	}
	state, err := h.state.Serialize()
	if err != nil {
		o.logger.Error("snapshot serialize failed", "run_id", h.state.RunID, "error", err)
		return
	}
	// A snapshot asserts that every event up to LastAppliedSequence is in
	// the log on disk. Under batched sync that is only true after an fsync,
	// so force one; without it a crash could leave a snapshot describing
	// events the durable log never had.
	if err := h.writer.Sync(); err != nil {
		o.logger.Warn("snapshot skipped, wal sync failed", "run_id", h.state.RunID, "error", err)
		return
	}
	if err := o.snapshots.Write(h.state.RunID, h.state.LastAppliedSequence, h.writer.Offset(), state); err != nil {
		// Snapshot failure costs replay time, never correctness.
		o.logger.Warn("snapshot write failed", "run_id", h.state.RunID, "error", err)
		return
	}
	h.eventsSinceSnapshot = 0
	h.lastSnapshotAt = o.clock()
}

// dispatchLocked appends the gated task event, applies it, meters the
// usage hint, and arms the timeout timer.
func (o *Orchestrator) dispatchLocked(ctx context.Context, h *runHandle, task *envelope.Envelope, decision *pdp.Decision) (uint64, error) {
	if decision.Effect != pdp.EffectAllow {
		if err := o.recordDecisionLocked(ctx, h, pdp.PhasePre, task.ID, decision, 0); err != nil {
			return 0, err
		}
	}

	timeout := task.Timeout
	if timeout == 0 {
		timeout = o.cfg.DefaultTaskTimeout
	}
	payloadHash, err := task.ContentHash()
	if err != nil {
		return 0, fault.Wrap(fault.CodeInvalidArgument, err, "unhashable task")
	}

	payloadKey, payloadVal, err := o.payloadField(ctx, "payload", task.Payload)
	if err != nil {
		return 0, err
	}

	now := o.clock().UTC()
	ev := &event.Event{
		RunID:      h.state.RunID,
		Type:       event.TypeTaskDispatched,
		EnvelopeID: task.ID,
		ObservedAt: now,
		Body: map[string]interface{}{
			"task_id":               task.ID,
			"agent":                 task.Agent,
			"payload_hash":          payloadHash,
			payloadKey:              payloadVal,
			"timeout_millis":        timeout.Milliseconds(),
			"dispatched_at_unix_ms": now.UnixMilli(),
		},
	}
	if h.state.LastAppliedSequence > 0 {
		ev.CausalParentSequence = event.ParentRef(h.state.LastAppliedSequence)
	}
	if err := o.commit(ctx, h, ev); err != nil {
		return 0, err
	}

	if err := o.meterLocked(ctx, h, usageOf(task), ev.Sequence); err != nil {
		return ev.Sequence, err
	}

	o.armTimerLocked(h, task.ID, timeout)
	return ev.Sequence, nil
}

// recordDecisionLocked appends the audit record of a non-trivial policy
// decision (modify, flag_only, or a lifecycle-affecting deny).
func (o *Orchestrator) recordDecisionLocked(ctx context.Context, h *runHandle, phase pdp.Phase, envelopeID string, d *pdp.Decision, parent uint64) error {
	ev := &event.Event{
		RunID:      h.state.RunID,
		Type:       event.TypePolicyDecision,
		ObservedAt: o.clock().UTC(),
		Body: map[string]interface{}{
			"phase":         string(phase),
			"envelope_id":   envelopeID,
			"effect":        string(d.Effect),
			"rule_id":       d.RuleID,
			"policy_ref":    d.PolicyRef,
			"decision_hash": d.DecisionHash,
		},
	}
	if parent > 0 {
		ev.CausalParentSequence = event.ParentRef(parent)
	}
	return o.commit(ctx, h, ev)
}

// meterLocked records consumption with the budget collaborator and folds
// the outcome into durable events. Collaborator errors fail closed: the
// run transitions as exceeded.
func (o *Orchestrator) meterLocked(ctx context.Context, h *runHandle, usage budget.Usage, parent uint64) error {
	if usage.Tokens == 0 && usage.CostMicros == 0 {
		return nil
	}

	outcome, err := o.budget.Record(ctx, h.state.RunID, usage)
	if err != nil || outcome == nil || !outcome.Allowed {
		reason := "budget collaborator failure"
		limit := ""
		if outcome != nil {
			reason = outcome.Reason
			limit = outcome.Limit
		}
		ev := &event.Event{
			RunID:                h.state.RunID,
			Type:                 event.TypeBudgetExceeded,
			CausalParentSequence: event.ParentRef(parent),
			ObservedAt:           o.clock().UTC(),
			Body: map[string]interface{}{
				"reason":    reason,
				"limit":     limit,
				"resumable": o.cfg.BlockOnBudgetExceeded,
			},
		}
		if commitErr := o.commit(ctx, h, ev); commitErr != nil {
			return commitErr
		}
		o.stopAllTimersLocked(h)
		return fault.New(fault.CodeResourceExhausted, "budget exceeded: %s", reason).WithLimit(limit)
	}

	update := &event.Event{
		RunID:                h.state.RunID,
		Type:                 event.TypeBudgetUpdate,
		CausalParentSequence: event.ParentRef(parent),
		ObservedAt:           o.clock().UTC(),
		Body: map[string]interface{}{
			"tokens":           usage.Tokens,
			"cost_micros":      usage.CostMicros,
			"used_tokens":      outcome.Remaining.UsedTokens,
			"used_cost_micros": outcome.Remaining.UsedCostMicros,
		},
	}
	if err := o.commit(ctx, h, update); err != nil {
		return err
	}

	if outcome.Warned {
		warn := &event.Event{
			RunID:                h.state.RunID,
			Type:                 event.TypeBudgetWarning,
			CausalParentSequence: event.ParentRef(update.Sequence),
			ObservedAt:           o.clock().UTC(),
			Body: map[string]interface{}{
				"used_tokens":      outcome.Remaining.UsedTokens,
				"used_cost_micros": outcome.Remaining.UsedCostMicros,
			},
		}
		if err := o.commit(ctx, h, warn); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) failLocked(ctx context.Context, h *runHandle, reason string, resumable bool) error {
	typ := event.TypeRunFailed
	body := map[string]interface{}{"reason": reason}
	if resumable {
		// A resumable halt is a block, not a budget event: the budget
		// ledger stays untouched and the run can be picked back up.
		typ = event.TypeRunBlocked
	}
	ev := &event.Event{
		RunID:      h.state.RunID,
		Type:       typ,
		ObservedAt: o.clock().UTC(),
		Body:       body,
	}
	if err := o.commit(ctx, h, ev); err != nil {
		return err
	}
	o.stopAllTimersLocked(h)
	return nil
}

// payloadField decides how a payload enters an event body: inline under
// key, or offloaded to the blob store under key+"_ref" when its canonical
// form exceeds the configured threshold. Offload failure fails the write —
// an event must never carry a ref the store does not hold.
func (o *Orchestrator) payloadField(ctx context.Context, key string, payload map[string]interface{}) (string, interface{}, error) {
	cp := payloadCopy(payload)
	if o.cfg.Blobs == nil || o.cfg.BlobThreshold <= 0 {
		return key, cp, nil
	}
	raw, err := canonicalize.JCS(cp)
	if err != nil || int64(len(raw)) <= o.cfg.BlobThreshold {
		return key, cp, nil
	}
	ref, err := o.cfg.Blobs.Put(ctx, raw)
	if err != nil {
		return "", nil, fault.Wrap(fault.CodeIOFailed, err, "kernel: offload %s", key)
	}
	return key + "_ref", ref, nil
}

func usageOf(env *envelope.Envelope) budget.Usage {
	if env.UsageHint == nil {
		return budget.Usage{}
	}
	return budget.Usage{Tokens: env.UsageHint.Tokens, CostMicros: env.UsageHint.CostMicros}
}

func payloadCopy(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
