package observability

import (
	"context"

	"github.com/keelrun/keel/pkg/event"
)

// MetricsSink folds applied events into the kernel meters. It satisfies
// the orchestrator's sink contract and fans out alongside the stream
// publisher and audit timeline; with a disabled provider every record is
// a no-op.
type MetricsSink struct {
	provider *Provider
}

// NewMetricsSink wraps a provider as an event sink.
func NewMetricsSink(p *Provider) *MetricsSink {
	return &MetricsSink{provider: p}
}

// Publish records the event against the kernel instruments. Attributes
// stay low-cardinality: event type, rule id, limit name — never run ids.
func (s *MetricsSink) Publish(ev *event.Event) {
	if s.provider == nil || ev == nil {
		return
	}
	ctx := context.Background()
	s.provider.RecordAppend(ctx, 0, AttrEventType.String(string(ev.Type)))

	switch ev.Type {
	case event.TypeRunStarted:
		s.provider.RunAttached(ctx)
	case event.TypeRunCompleted, event.TypeRunFailed, event.TypeRunCancelled, event.TypeRunBlocked:
		s.provider.RunDetached(ctx)
	case event.TypePolicyDecision:
		if effect, _ := ev.Body["effect"].(string); effect == "deny" {
			rule, _ := ev.Body["rule_id"].(string)
			s.provider.RecordPolicyDenial(ctx, AttrPolicyRule.String(rule))
		}
	case event.TypeBudgetExceeded:
		limit, _ := ev.Body["limit"].(string)
		s.provider.RecordBudgetExceeded(ctx, AttrBudgetLimit.String(limit))
	}
}
