package pdp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelrun/keel/pkg/envelope"
)

const testPack = `
name: test-pack
format_version: "1.0.0"
rules:
  - id: deny-shell
    phase: pre_action
    priority: 100
    match: 'kind == "task" && has(payload.tool) && payload.tool == "shell"'
    effect: deny
    reason: shell execution is not permitted
  - id: redact-email
    phase: post_action
    priority: 50
    match: 'has(payload.contains_pii) && payload.contains_pii == true'
    effect: modify
    set:
      redacted: true
  - id: flag-expensive
    priority: 10
    match: 'agent == "spender"'
    effect: flag_only
    reason: high-cost agent flagged for audit
`

func taskEnv(payload map[string]interface{}) *envelope.Envelope {
	return &envelope.Envelope{
		ID:              "env-1",
		Agent:           "planner",
		Kind:            envelope.KindTask,
		Payload:         payload,
		ProtocolVersion: envelope.ProtocolVersion,
	}
}

func newTestEngine(t *testing.T) *CELEngine {
	t.Helper()
	pack, err := LoadPack([]byte(testPack))
	require.NoError(t, err)
	engine, err := NewCELEngine(pack)
	require.NoError(t, err)
	return engine
}

func TestEngine_DenyRule(t *testing.T) {
	engine := newTestEngine(t)

	d, err := engine.Decide(context.Background(), PhasePre,
		taskEnv(map[string]interface{}{"tool": "shell"}))
	require.NoError(t, err)
	assert.Equal(t, EffectDeny, d.Effect)
	assert.Equal(t, "deny-shell", d.RuleID)
	assert.False(t, d.Allowed())
	assert.NotEmpty(t, d.DecisionHash)
}

func TestEngine_DefaultAllow(t *testing.T) {
	engine := newTestEngine(t)

	d, err := engine.Decide(context.Background(), PhasePre,
		taskEnv(map[string]interface{}{"tool": "calculator"}))
	require.NoError(t, err)
	assert.Equal(t, EffectAllow, d.Effect)
	assert.Equal(t, "DEFAULT", d.RuleID)
}

func TestEngine_ModifyPatchesPayload(t *testing.T) {
	engine := newTestEngine(t)

	env := taskEnv(map[string]interface{}{"contains_pii": true, "text": "hi"})
	d, err := engine.Decide(context.Background(), PhasePost, env)
	require.NoError(t, err)
	require.Equal(t, EffectModify, d.Effect)
	require.NotNil(t, d.Modified)
	assert.Equal(t, true, d.Modified.Payload["redacted"])
	// The original envelope is untouched.
	_, mutated := env.Payload["redacted"]
	assert.False(t, mutated)
}

func TestEngine_PhaseScoping(t *testing.T) {
	engine := newTestEngine(t)

	// deny-shell is pre_action only; post phase must not see it.
	d, err := engine.Decide(context.Background(), PhasePost,
		taskEnv(map[string]interface{}{"tool": "shell"}))
	require.NoError(t, err)
	assert.Equal(t, EffectAllow, d.Effect)
}

func TestEngine_FlagOnlyAllows(t *testing.T) {
	engine := newTestEngine(t)

	env := taskEnv(nil)
	env.Agent = "spender"
	d, err := engine.Decide(context.Background(), PhasePre, env)
	require.NoError(t, err)
	assert.Equal(t, EffectFlagOnly, d.Effect)
	assert.True(t, d.Allowed())
}

func TestLoadPack_RejectsUnsupportedFormat(t *testing.T) {
	_, err := LoadPack([]byte(`
name: future
format_version: "2.0.0"
rules: []
`))
	require.Error(t, err)
}

func TestLoadPack_RejectsDuplicateRuleIDs(t *testing.T) {
	_, err := LoadPack([]byte(`
name: dup
format_version: "1.0.0"
rules:
  - {id: r1, match: "true", effect: allow}
  - {id: r1, match: "true", effect: deny}
`))
	require.Error(t, err)
}

func TestTieBreak_DeclarationOrder(t *testing.T) {
	pack, err := LoadPack([]byte(`
name: ties
format_version: "1.0.0"
rules:
  - {id: z-first, priority: 5, match: "true", effect: deny, reason: first declared}
  - {id: a-second, priority: 5, match: "true", effect: allow}
`))
	require.NoError(t, err)
	engine, err := NewCELEngine(pack)
	require.NoError(t, err)

	d, err := engine.Decide(context.Background(), PhasePre, taskEnv(nil))
	require.NoError(t, err)
	assert.Equal(t, "z-first", d.RuleID)
}

func TestTieBreak_RuleID(t *testing.T) {
	pack, err := LoadPack([]byte(`
name: ties
format_version: "1.0.0"
tie_break: rule_id
rules:
  - {id: z-first, priority: 5, match: "true", effect: deny}
  - {id: a-second, priority: 5, match: "true", effect: allow}
`))
	require.NoError(t, err)
	engine, err := NewCELEngine(pack)
	require.NoError(t, err)

	d, err := engine.Decide(context.Background(), PhasePre, taskEnv(nil))
	require.NoError(t, err)
	assert.Equal(t, "a-second", d.RuleID)
}

type failingPoint struct{ err error }

func (f failingPoint) Decide(ctx context.Context, phase Phase, env *envelope.Envelope) (*Decision, error) {
	return nil, f.err
}
func (f failingPoint) PolicyHash() string { return "failing" }

func TestFailClosed_ErrorBecomesDeny(t *testing.T) {
	fc := NewFailClosed(failingPoint{err: errors.New("backend exploded")}, time.Second)

	d := fc.Decide(context.Background(), PhasePre, taskEnv(nil))
	assert.Equal(t, EffectDeny, d.Effect)
	assert.Equal(t, "DENY_EVALUATION_ERROR", d.RuleID)
	assert.Equal(t, "true", d.Annotations["fail_closed"])
}

func TestFailClosed_NilBackendDenies(t *testing.T) {
	fc := NewFailClosed(nil, time.Second)
	d := fc.Decide(context.Background(), PhasePre, taskEnv(nil))
	assert.Equal(t, EffectDeny, d.Effect)
}

type slowPoint struct{}

func (slowPoint) Decide(ctx context.Context, phase Phase, env *envelope.Envelope) (*Decision, error) {
	<-ctx.Done()
	return &Decision{Effect: EffectAllow}, nil
}
func (slowPoint) PolicyHash() string { return "slow" }

func TestFailClosed_TimeoutDenies(t *testing.T) {
	fc := NewFailClosed(slowPoint{}, 10*time.Millisecond)
	d := fc.Decide(context.Background(), PhasePre, taskEnv(nil))
	assert.Equal(t, EffectDeny, d.Effect)
}

func TestStore_ReloadSwapsAtomically(t *testing.T) {
	pack1, err := LoadPack([]byte("name: v1\nformat_version: \"1.0.0\"\nrules: []\n"))
	require.NoError(t, err)
	engine1, err := NewCELEngine(pack1)
	require.NoError(t, err)

	store := NewStore(engine1)
	before := store.Current()

	pack2, err := LoadPack([]byte(`
name: v2
format_version: "1.0.0"
rules:
  - {id: deny-all, match: "true", effect: deny}
`))
	require.NoError(t, err)
	require.NoError(t, store.Reload(pack2))

	// The old snapshot is unchanged; new reads see the new pack.
	d, err := before.Decide(context.Background(), PhasePre, taskEnv(nil))
	require.NoError(t, err)
	assert.Equal(t, EffectAllow, d.Effect)

	d, err = store.Decide(context.Background(), PhasePre, taskEnv(nil))
	require.NoError(t, err)
	assert.Equal(t, EffectDeny, d.Effect)
}

func TestStore_ReloadRejectsBadPackKeepsOld(t *testing.T) {
	pack1, err := LoadPack([]byte("name: v1\nformat_version: \"1.0.0\"\nrules: []\n"))
	require.NoError(t, err)
	engine1, err := NewCELEngine(pack1)
	require.NoError(t, err)
	store := NewStore(engine1)

	bad, err := LoadPack([]byte(`
name: bad
format_version: "1.0.0"
rules:
  - {id: broken, match: "this is not CEL ===", effect: deny}
`))
	require.NoError(t, err)
	require.Error(t, store.Reload(bad))
	assert.Equal(t, engine1, store.Current())
}
