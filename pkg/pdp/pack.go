package pdp

import (
	"fmt"
	"os"
	"sort"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/keelrun/keel/pkg/canonicalize"
)

// supportedFormat is the policy pack format range this kernel accepts.
var supportedFormat = mustConstraint("^1.0.0")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// TieBreak selects the winner between rules of equal priority whose
// restrictiveness also ties. Declaration order is the default; rule-id
// ordering is available for packs that want file-order independence.
type TieBreak string

const (
	TieBreakDeclaration TieBreak = "declaration"
	TieBreakRuleID      TieBreak = "rule_id"
)

// Rule is a single policy rule.
type Rule struct {
	ID string `yaml:"id" json:"id"`
	// Phase restricts the rule to pre_action, post_action, or both ("").
	Phase Phase `yaml:"phase,omitempty" json:"phase,omitempty"`
	// Priority orders evaluation; higher wins. Equal priorities fall back
	// to the pack's tie_break.
	Priority int `yaml:"priority,omitempty" json:"priority,omitempty"`
	// Match is a CEL expression over {agent, kind, trace_id, payload}.
	Match string `yaml:"match" json:"match"`
	// Effect is the closed decision variant this rule produces on match.
	Effect Effect `yaml:"effect" json:"effect"`
	// Set is merged into the envelope payload when Effect is modify.
	Set map[string]interface{} `yaml:"set,omitempty" json:"set,omitempty"`
	// Reason is surfaced to callers on deny.
	Reason string `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// Pack is an immutable policy rule pack. Packs are never mutated after
// load; reload publishes a fresh pack behind an atomic swap.
type Pack struct {
	Name          string   `yaml:"name" json:"name"`
	FormatVersion string   `yaml:"format_version" json:"format_version"`
	TieBreak      TieBreak `yaml:"tie_break,omitempty" json:"tie_break,omitempty"`
	// DefaultEffect applies when no rule matches. Defaults to allow —
	// packs that want default-deny declare a catch-all rule instead.
	DefaultEffect Effect `yaml:"default_effect,omitempty" json:"default_effect,omitempty"`
	Rules         []Rule `yaml:"rules" json:"rules"`

	hash string
}

// Hash is the content-addressed hash of the pack.
func (p *Pack) Hash() string { return p.hash }

// LoadPack parses and validates a policy pack from YAML bytes.
func LoadPack(data []byte) (*Pack, error) {
	var p Pack
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("pdp: parse pack: %w", err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("pdp: pack name is required")
	}

	v, err := semver.NewVersion(p.FormatVersion)
	if err != nil {
		return nil, fmt.Errorf("pdp: pack format_version %q: %w", p.FormatVersion, err)
	}
	if !supportedFormat.Check(v) {
		return nil, fmt.Errorf("pdp: pack format_version %s outside supported range %s",
			v, supportedFormat)
	}

	switch p.TieBreak {
	case "", TieBreakDeclaration:
		p.TieBreak = TieBreakDeclaration
	case TieBreakRuleID:
	default:
		return nil, fmt.Errorf("pdp: unknown tie_break %q", p.TieBreak)
	}

	switch p.DefaultEffect {
	case "":
		p.DefaultEffect = EffectAllow
	case EffectAllow, EffectDeny, EffectFlagOnly:
	default:
		return nil, fmt.Errorf("pdp: default_effect %q must be allow, deny, or flag_only", p.DefaultEffect)
	}

	seen := make(map[string]bool, len(p.Rules))
	for i := range p.Rules {
		r := &p.Rules[i]
		if r.ID == "" {
			return nil, fmt.Errorf("pdp: rules[%d]: id is required", i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("pdp: duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
		if r.Match == "" {
			return nil, fmt.Errorf("pdp: rule %s: match expression is required", r.ID)
		}
		switch r.Phase {
		case "", PhasePre, PhasePost:
		default:
			return nil, fmt.Errorf("pdp: rule %s: unknown phase %q", r.ID, r.Phase)
		}
		switch r.Effect {
		case EffectAllow, EffectDeny, EffectModify, EffectFlagOnly:
		default:
			return nil, fmt.Errorf("pdp: rule %s: unknown effect %q", r.ID, r.Effect)
		}
		if r.Effect == EffectModify && len(r.Set) == 0 {
			return nil, fmt.Errorf("pdp: rule %s: modify requires a set block", r.ID)
		}
	}

	hash, err := canonicalize.CanonicalHash(&p)
	if err != nil {
		return nil, fmt.Errorf("pdp: hash pack: %w", err)
	}
	p.hash = hash
	return &p, nil
}

// LoadPackFile reads and parses a policy pack from disk.
func LoadPackFile(path string) (*Pack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pdp: read pack %s: %w", path, err)
	}
	return LoadPack(data)
}

// orderedRules returns the rules for a phase, highest priority first, with
// the pack's tie-break applied within equal priorities.
func (p *Pack) orderedRules(phase Phase) []Rule {
	rules := make([]Rule, 0, len(p.Rules))
	order := make(map[string]int, len(p.Rules))
	for i, r := range p.Rules {
		order[r.ID] = i
		if r.Phase == "" || r.Phase == phase {
			rules = append(rules, r)
		}
	}

	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		if p.TieBreak == TieBreakRuleID {
			return rules[i].ID < rules[j].ID
		}
		return order[rules[i].ID] < order[rules[j].ID]
	})
	return rules
}
