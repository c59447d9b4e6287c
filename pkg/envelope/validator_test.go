package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTask() *Envelope {
	return &Envelope{
		ID:              "env-001",
		TraceID:         "trace-001",
		Agent:           "planner",
		Kind:            KindTask,
		Payload:         map[string]interface{}{"instruction": "summarize"},
		Timeout:         30 * time.Second,
		ProtocolVersion: ProtocolVersion,
	}
}

func TestValidate_ValidEnvelope(t *testing.T) {
	v := NewValidator().WithClock(func() time.Time {
		return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	})

	result := v.Validate(validTask())
	require.True(t, result.Valid, "expected valid: %v", result.Errors)
	assert.Len(t, result.Hash, 64)
}

func TestValidate_MissingRequiredFields(t *testing.T) {
	v := NewValidator()

	result := v.Validate(&Envelope{ProtocolVersion: ProtocolVersion})
	require.False(t, result.Valid)

	fields := make(map[string]string)
	for _, e := range result.Errors {
		fields[e.Field] = e.Code
	}
	assert.Equal(t, "REQUIRED", fields["id"])
	assert.Equal(t, "REQUIRED", fields["agent"])
	assert.Equal(t, "REQUIRED", fields["kind"])
}

func TestValidate_UnknownKind(t *testing.T) {
	v := NewValidator()
	env := validTask()
	env.Kind = "telepathy"

	result := v.Validate(env)
	require.False(t, result.Valid)
	assert.Equal(t, "kind", result.Errors[0].Field)
	assert.Equal(t, "INVALID_VALUE", result.Errors[0].Code)
}

func TestValidate_ProtocolVersion(t *testing.T) {
	v := NewValidator()
	env := validTask()
	env.ProtocolVersion = 99

	result := v.Validate(env)
	require.False(t, result.Valid)
	assert.Equal(t, "UNSUPPORTED_VERSION", result.Errors[0].Code)
}

func TestValidate_NegativeTimeout(t *testing.T) {
	v := NewValidator()
	env := validTask()
	env.Timeout = -time.Second

	result := v.Validate(env)
	require.False(t, result.Valid)
	assert.Equal(t, "timeout", result.Errors[0].Field)
}

func TestValidate_NegativeUsageHint(t *testing.T) {
	v := NewValidator()
	env := validTask()
	env.UsageHint = &UsageHint{Tokens: -5}

	result := v.Validate(env)
	require.False(t, result.Valid)
	assert.Equal(t, "usage_hint.tokens", result.Errors[0].Field)
}

func TestValidate_NonNFCIdentity(t *testing.T) {
	v := NewValidator()
	env := validTask()
	// "é" in decomposed form (e + combining acute accent) is not NFC.
	env.ID = "env-é"

	result := v.Validate(env)
	require.False(t, result.Valid)
	assert.Equal(t, "NOT_NFC", result.Errors[0].Code)
}

func TestValidate_PayloadSchema(t *testing.T) {
	v := NewValidator()
	schema := `{
		"type": "object",
		"required": ["instruction"],
		"properties": {"instruction": {"type": "string"}}
	}`
	require.NoError(t, v.RegisterPayloadSchema(KindTask, schema))

	good := validTask()
	assert.True(t, v.Validate(good).Valid)

	bad := validTask()
	bad.Payload = map[string]interface{}{"instruction": 42}
	result := v.Validate(bad)
	require.False(t, result.Valid)
	assert.Equal(t, "SCHEMA_VIOLATION", result.Errors[0].Code)
}

func TestCanonicalBytes_Deterministic(t *testing.T) {
	a := validTask()
	a.Payload = map[string]interface{}{"b": 2, "a": 1}
	b := validTask()
	b.Payload = map[string]interface{}{"a": 1, "b": 2}

	ba, err := a.CanonicalBytes()
	require.NoError(t, err)
	bb, err := b.CanonicalBytes()
	require.NoError(t, err)
	assert.Equal(t, ba, bb)
}
