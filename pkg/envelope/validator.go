package envelope

import (
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/unicode/norm"
)

// ValidationError represents a specific validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Code)
}

// ValidationResult contains the outcome of envelope validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
	Hash   string            `json:"hash,omitempty"` // Content hash if valid
}

// FirstError returns the first validation error, or nil if valid.
func (r *ValidationResult) FirstError() error {
	if r.Valid || len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

// MaxTimeout bounds the per-task timeout an envelope may request.
const MaxTimeout = 24 * time.Hour

// Validator validates envelopes for structural correctness before they
// reach the log writer. Fail-closed: any structural issue is a failure.
type Validator struct {
	// payloadSchemas maps envelope kind → compiled JSON Schema for the payload.
	payloadSchemas map[Kind]*jsonschema.Schema
	// clock allows deterministic time for testing.
	clock func() time.Time
}

// NewValidator creates a new envelope validator.
func NewValidator() *Validator {
	return &Validator{
		payloadSchemas: make(map[Kind]*jsonschema.Schema),
		clock:          time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (v *Validator) WithClock(clock func() time.Time) *Validator {
	v.clock = clock
	return v
}

// RegisterPayloadSchema compiles and installs a JSON Schema for the payload
// of the given kind. Envelopes of that kind are then validated against it.
func (v *Validator) RegisterPayloadSchema(kind Kind, schema string) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://keel.schemas.local/payload/%s.schema.json", kind)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("envelope: payload schema load failed: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("envelope: payload schema compile failed: %w", err)
	}
	v.payloadSchemas[kind] = compiled
	return nil
}

// Validate performs full validation of an envelope. On success the result
// carries the canonical content hash.
func (v *Validator) Validate(env *Envelope) *ValidationResult {
	result := &ValidationResult{Valid: true}

	v.requireNonEmpty(result, "id", env.ID)
	v.requireNonEmpty(result, "agent", env.Agent)
	v.requireNonEmpty(result, "kind", string(env.Kind))

	// Identity strings must be NFC-normalized so that two byte-distinct but
	// canonically equal ids cannot defeat idempotency deduplication.
	v.requireNFC(result, "id", env.ID)
	v.requireNFC(result, "agent", env.Agent)
	v.requireNFC(result, "trace_id", env.TraceID)

	switch env.Kind {
	case "", KindTask, KindResult, KindCancel:
	default:
		v.addError(result, "kind", "INVALID_VALUE",
			fmt.Sprintf("unknown envelope kind %q", env.Kind))
	}

	if env.ProtocolVersion != ProtocolVersion {
		v.addError(result, "protocol_version", "UNSUPPORTED_VERSION",
			fmt.Sprintf("unsupported protocol version %d, expected %d", env.ProtocolVersion, ProtocolVersion))
	}

	if env.Timeout < 0 {
		v.addError(result, "timeout", "INVALID_VALUE", "timeout must be non-negative")
	}
	if env.Timeout > MaxTimeout {
		v.addError(result, "timeout", "INVALID_VALUE",
			fmt.Sprintf("timeout exceeds maximum %s", MaxTimeout))
	}

	if env.UsageHint != nil {
		if env.UsageHint.Tokens < 0 {
			v.addError(result, "usage_hint.tokens", "INVALID_VALUE", "tokens must be non-negative")
		}
		if env.UsageHint.CostMicros < 0 {
			v.addError(result, "usage_hint.cost_micros", "INVALID_VALUE", "cost_micros must be non-negative")
		}
	}

	if schema, ok := v.payloadSchemas[env.Kind]; ok {
		var payload interface{}
		if env.Payload != nil {
			payload = toPlain(env.Payload)
		} else {
			payload = map[string]interface{}{}
		}
		if err := schema.Validate(payload); err != nil {
			v.addError(result, "payload", "SCHEMA_VIOLATION", err.Error())
		}
	}

	if result.Valid {
		hash, err := env.ContentHash()
		if err != nil {
			v.addError(result, "payload", "CANONICALIZATION_FAILED", err.Error())
		} else {
			result.Hash = hash
		}
	}

	return result
}

func (v *Validator) requireNonEmpty(result *ValidationResult, field, value string) {
	if value == "" {
		v.addError(result, field, "REQUIRED", fmt.Sprintf("%s is required", field))
	}
}

func (v *Validator) requireNFC(result *ValidationResult, field, value string) {
	if value != "" && norm.NFC.String(value) != value {
		v.addError(result, field, "NOT_NFC",
			fmt.Sprintf("%s must be NFC-normalized Unicode", field))
	}
}

func (v *Validator) addError(result *ValidationResult, field, code, message string) {
	result.Valid = false
	result.Errors = append(result.Errors, ValidationError{
		Field:   field,
		Code:    code,
		Message: message,
	})
}

// toPlain makes the payload acceptable to the schema validator, which wants
// plain interface{} trees.
func toPlain(m map[string]interface{}) interface{} {
	out := make(map[string]interface{}, len(m))
	for k, val := range m {
		out[k] = val
	}
	return out
}
