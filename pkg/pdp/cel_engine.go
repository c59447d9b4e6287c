package pdp

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/cel-go/cel"

	"github.com/keelrun/keel/pkg/envelope"
)

// CELEngine evaluates policy packs whose match conditions are CEL
// expressions over envelope attributes. An engine is immutable after
// construction; hot reload swaps a whole engine via Store.
type CELEngine struct {
	pack *Pack
	env  *cel.Env
	// programs holds the compiled match expression per rule id.
	programs map[string]cel.Program
}

// NewCELEngine compiles every rule in the pack. Compilation failure of any
// rule fails the whole pack — a half-compiled policy set must never serve
// decisions.
func NewCELEngine(pack *Pack) (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("agent", cel.StringType),
		cel.Variable("kind", cel.StringType),
		cel.Variable("trace_id", cel.StringType),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("pdp: create CEL environment: %w", err)
	}

	e := &CELEngine{
		pack:     pack,
		env:      env,
		programs: make(map[string]cel.Program, len(pack.Rules)),
	}
	for _, r := range pack.Rules {
		ast, issues := env.Compile(r.Match)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("pdp: rule %s: compile: %w", r.ID, issues.Err())
		}
		prog, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("pdp: rule %s: program: %w", r.ID, err)
		}
		e.programs[r.ID] = prog
	}
	return e, nil
}

// PolicyHash implements DecisionPoint.
func (e *CELEngine) PolicyHash() string { return e.pack.Hash() }

// Decide implements DecisionPoint. The first matching rule in priority
// order wins; no match yields the pack's default effect.
func (e *CELEngine) Decide(ctx context.Context, phase Phase, env *envelope.Envelope) (*Decision, error) {
	input := map[string]interface{}{
		"agent":    env.Agent,
		"kind":     string(env.Kind),
		"trace_id": env.TraceID,
		"payload":  payloadOrEmpty(env.Payload),
	}

	for _, r := range e.pack.orderedRules(phase) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		out, _, err := e.programs[r.ID].Eval(input)
		if err != nil {
			return nil, fmt.Errorf("pdp: rule %s: eval: %w", r.ID, err)
		}
		matched, ok := out.Value().(bool)
		if !ok {
			return nil, fmt.Errorf("pdp: rule %s: match result is not bool", r.ID)
		}
		if !matched {
			continue
		}

		d := &Decision{
			Effect:    r.Effect,
			RuleID:    r.ID,
			Reason:    r.Reason,
			PolicyRef: fmt.Sprintf("%s@%s", e.pack.Name, e.pack.Hash()),
		}
		if r.Effect == EffectModify {
			d.Modified = applyPatch(env, r.Set)
		}
		if hash, err := ComputeDecisionHash(d); err == nil {
			d.DecisionHash = hash
		}
		return d, nil
	}

	d := &Decision{
		Effect:    e.pack.DefaultEffect,
		RuleID:    "DEFAULT",
		PolicyRef: fmt.Sprintf("%s@%s", e.pack.Name, e.pack.Hash()),
	}
	if hash, err := ComputeDecisionHash(d); err == nil {
		d.DecisionHash = hash
	}
	return d, nil
}

// applyPatch returns a copy of env with the rule's set block merged into
// the payload. The original envelope is never mutated.
func applyPatch(env *envelope.Envelope, set map[string]interface{}) *envelope.Envelope {
	modified := *env
	payload := make(map[string]interface{}, len(env.Payload)+len(set))
	for k, v := range env.Payload {
		payload[k] = v
	}
	for k, v := range set {
		payload[k] = v
	}
	modified.Payload = payload
	return &modified
}

func payloadOrEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

// Store publishes the active policy engine behind an atomic pointer.
// Readers in flight keep the engine they acquired at request start; a
// reload swaps in a new engine for subsequent reads and never mutates a
// published one.
type Store struct {
	current atomic.Pointer[CELEngine]
}

// NewStore creates a store with an initial engine.
func NewStore(initial *CELEngine) *Store {
	s := &Store{}
	s.current.Store(initial)
	return s
}

// Current returns the active engine snapshot.
func (s *Store) Current() *CELEngine {
	return s.current.Load()
}

// Reload compiles the pack and, only on full success, swaps it in.
func (s *Store) Reload(pack *Pack) error {
	engine, err := NewCELEngine(pack)
	if err != nil {
		return err
	}
	s.current.Store(engine)
	return nil
}

// Decide implements DecisionPoint against the current snapshot.
func (s *Store) Decide(ctx context.Context, phase Phase, env *envelope.Envelope) (*Decision, error) {
	engine := s.Current()
	if engine == nil {
		return nil, fmt.Errorf("pdp: no policy engine loaded")
	}
	return engine.Decide(ctx, phase, env)
}

// PolicyHash implements DecisionPoint against the current snapshot.
func (s *Store) PolicyHash() string {
	engine := s.Current()
	if engine == nil {
		return ""
	}
	return engine.PolicyHash()
}
