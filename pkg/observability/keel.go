// Domain-specific instrumentation helpers.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// keel semantic convention attributes.
var (
	// Run attributes
	AttrRunID     = attribute.Key("keel.run.id")
	AttrRunStatus = attribute.Key("keel.run.status")
	AttrSequence  = attribute.Key("keel.run.sequence")

	// Task attributes
	AttrTaskID    = attribute.Key("keel.task.id")
	AttrTaskAgent = attribute.Key("keel.task.agent")

	// Event attributes
	AttrEventType = attribute.Key("keel.event.type")

	// Policy attributes
	AttrPolicyRule   = attribute.Key("keel.policy.rule_id")
	AttrPolicyEffect = attribute.Key("keel.policy.effect")

	// Budget attributes
	AttrBudgetLimit = attribute.Key("keel.budget.limit")

	// Stream attributes
	AttrSubscriberID = attribute.Key("keel.stream.subscriber_id")
)

// RunOperation creates attributes for orchestrator operations on a run.
func RunOperation(runID, status string, sequence uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRunID.String(runID),
		AttrRunStatus.String(status),
		AttrSequence.Int64(int64(sequence)),
	}
}

// TaskOperation creates attributes for task dispatch and resolution.
func TaskOperation(runID, taskID, agent string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRunID.String(runID),
		AttrTaskID.String(taskID),
		AttrTaskAgent.String(agent),
	}
}

// PolicyOperation creates attributes for a policy decision.
func PolicyOperation(runID, ruleID, effect string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRunID.String(runID),
		AttrPolicyRule.String(ruleID),
		AttrPolicyEffect.String(effect),
	}
}

// BudgetOperation creates attributes for a budget enforcement decision.
func BudgetOperation(runID, limit string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRunID.String(runID),
		AttrBudgetLimit.String(limit),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records the error on the current span, if any.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
