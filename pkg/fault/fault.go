// Package fault defines the error taxonomy surfaced by the kernel.
//
// Every rejection carries a taxonomy code plus enough context (rule id,
// limit name, offending field) to diagnose without exposing raw payloads.
package fault

import (
	"errors"
	"fmt"
)

// Code is the closed set of kernel error codes.
type Code string

const (
	CodeInvalidArgument   Code = "invalid_argument"
	CodePermissionDenied  Code = "permission_denied"
	CodeResourceExhausted Code = "resource_exhausted"
	CodeDeadlineExceeded  Code = "deadline_exceeded"
	CodeNotFound          Code = "not_found"
	CodeIOFailed          Code = "io_failed"
	CodeUnavailable       Code = "unavailable"
	CodeCancelled         Code = "cancelled"
	CodeInternal          Code = "internal"
)

// Fault is a coded error with diagnostic context.
type Fault struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	// RuleID identifies the policy rule behind a permission_denied.
	RuleID string `json:"rule_id,omitempty"`
	// Limit names the budget limit behind a resource_exhausted.
	Limit string `json:"limit,omitempty"`
	// Field names the offending field behind an invalid_argument.
	Field string `json:"field,omitempty"`

	cause error
}

func (f *Fault) Error() string {
	if f.cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.cause)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Fault) Unwrap() error { return f.cause }

// New creates a coded fault.
func New(code Code, format string, args ...interface{}) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a taxonomy code to an underlying error.
func Wrap(code Code, err error, format string, args ...interface{}) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}

// WithRule annotates a fault with the deciding rule id.
func (f *Fault) WithRule(ruleID string) *Fault {
	f.RuleID = ruleID
	return f
}

// WithLimit annotates a fault with the exhausted limit name.
func (f *Fault) WithLimit(limit string) *Fault {
	f.Limit = limit
	return f
}

// WithField annotates a fault with the offending field.
func (f *Fault) WithField(field string) *Fault {
	f.Field = field
	return f
}

// CodeOf extracts the taxonomy code from an error chain.
// Unclassified errors are internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
