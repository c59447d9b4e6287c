package event

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEvent() *Event {
	return &Event{
		Sequence:   2,
		RunID:      "run-1",
		Type:       TypeTaskDispatched,
		EnvelopeID: "env-1",
		ObservedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Body:       map[string]interface{}{"task_id": "t-1", "agent": "worker"},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validEvent().Validate())

	missing := validEvent()
	missing.RunID = ""
	assert.Error(t, missing.Validate())

	unknown := validEvent()
	unknown.Type = "exploded"
	assert.Error(t, unknown.Validate())
}

func TestValidateCausalOrder(t *testing.T) {
	ev := validEvent()
	ev.CausalParentSequence = ParentRef(1)
	require.NoError(t, ev.Validate())

	ev.CausalParentSequence = ParentRef(2)
	assert.Error(t, ev.Validate(), "parent must precede the event")

	ev.CausalParentSequence = ParentRef(5)
	assert.Error(t, ev.Validate())
}

func TestTypeValid(t *testing.T) {
	for _, typ := range []Type{
		TypeRunStarted, TypeTaskDispatched, TypeResultReceived,
		TypePolicyDecision, TypeBudgetUpdate, TypeBudgetWarning,
		TypeBudgetExceeded, TypeTaskTimedOut, TypeRunCompleted,
		TypeRunBlocked, TypeRunFailed, TypeRunCancelled,
	} {
		assert.True(t, typ.Valid(), string(typ))
	}
	assert.False(t, Type("nope").Valid())
}

func TestHashIsStable(t *testing.T) {
	a, err := validEvent().Hash()
	require.NoError(t, err)
	b, err := validEvent().Hash()
	require.NoError(t, err)
	assert.Equal(t, a, b)

	changed := validEvent()
	changed.Body["task_id"] = "t-2"
	c, err := changed.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestCanonicalBytesSortedKeys(t *testing.T) {
	ev := validEvent()
	ev.Body = map[string]interface{}{"z": 1, "a": 2}
	data, err := ev.CanonicalBytes()
	require.NoError(t, err)
	assert.Less(t, bytes.Index(data, []byte(`"a"`)), bytes.Index(data, []byte(`"z"`)))
}
