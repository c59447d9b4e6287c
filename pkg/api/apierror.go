// Package api — RFC 7807 Problem Detail error responses for the keel API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/keelrun/keel/pkg/fault"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID links to the distributed trace for this request.
	TraceID string `json:"trace_id,omitempty"`
	// Code is the kernel error taxonomy code, when the error came from
	// the kernel.
	Code string `json:"code,omitempty"`
	// RuleID names the policy rule behind a denial.
	RuleID string `json:"rule_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://keelrun.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// statusOf maps kernel taxonomy codes to HTTP status codes.
func statusOf(code fault.Code) int {
	switch code {
	case fault.CodeInvalidArgument:
		return http.StatusBadRequest
	case fault.CodePermissionDenied:
		return http.StatusForbidden
	case fault.CodeNotFound:
		return http.StatusNotFound
	case fault.CodeResourceExhausted:
		return http.StatusTooManyRequests
	case fault.CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	case fault.CodeCancelled, fault.CodeUnavailable:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// WriteFault writes a kernel error as an RFC 7807 response. Internal
// errors are logged, never exposed.
func WriteFault(w http.ResponseWriter, r *http.Request, err error) {
	WriteFaultInstance(w, r, err, r.URL.Path)
}

// WriteFaultInstance is WriteFault with an explicit instance URI, for
// when the failing resource is not the request path.
func WriteFaultInstance(w http.ResponseWriter, r *http.Request, err error, instance string) {
	code := fault.CodeOf(err)
	status := statusOf(code)

	detail := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("internal server error", "path", r.URL.Path, "error", err)
		detail = "An unexpected error occurred. Please try again later."
	}

	problem := &ProblemDetail{
		Type:     fmt.Sprintf("https://keelrun.dev/errors/%d", status),
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Instance: instance,
		TraceID:  w.Header().Get("X-Request-ID"),
		Code:     string(code),
	}
	var f *fault.Fault
	if errors.As(err, &f) {
		problem.RuleID = f.RuleID
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response. The err parameter is logged
// but never exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}
