package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keelrun/keel/pkg/event"
)

func sinkEvent(typ event.Type, body map[string]interface{}) *event.Event {
	return &event.Event{
		Sequence:   1,
		RunID:      "run-1",
		Type:       typ,
		ObservedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Body:       body,
	}
}

func TestMetricsSinkHandlesEveryEventType(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	sink := NewMetricsSink(p)

	sink.Publish(sinkEvent(event.TypeRunStarted, nil))
	sink.Publish(sinkEvent(event.TypeTaskDispatched, map[string]interface{}{"task_id": "t1"}))
	sink.Publish(sinkEvent(event.TypePolicyDecision, map[string]interface{}{
		"effect": "deny", "rule_id": "deny-shell",
	}))
	sink.Publish(sinkEvent(event.TypeBudgetExceeded, map[string]interface{}{"limit": "max_tokens"}))
	sink.Publish(sinkEvent(event.TypeRunBlocked, map[string]interface{}{"reason": "policy denied result"}))
	sink.Publish(sinkEvent(event.TypeRunCompleted, nil))
	sink.Publish(sinkEvent(event.TypeRunFailed, nil))
	sink.Publish(sinkEvent(event.TypeRunCancelled, nil))
}

func TestMetricsSinkToleratesNil(t *testing.T) {
	sink := NewMetricsSink(nil)
	sink.Publish(sinkEvent(event.TypeRunStarted, nil))

	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	NewMetricsSink(p).Publish(nil)
}

func TestMetricsSinkIgnoresAllowDecisions(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	sink := NewMetricsSink(p)

	sink.Publish(sinkEvent(event.TypePolicyDecision, map[string]interface{}{
		"effect": "modify", "rule_id": "redact-keys",
	}))
}
