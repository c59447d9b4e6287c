package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelrun/keel/pkg/fault"
)

func TestWriteFaultMapsCodes(t *testing.T) {
	cases := []struct {
		code   fault.Code
		status int
	}{
		{fault.CodeInvalidArgument, http.StatusBadRequest},
		{fault.CodePermissionDenied, http.StatusForbidden},
		{fault.CodeNotFound, http.StatusNotFound},
		{fault.CodeResourceExhausted, http.StatusTooManyRequests},
		{fault.CodeDeadlineExceeded, http.StatusGatewayTimeout},
		{fault.CodeUnavailable, http.StatusConflict},
		{fault.CodeCancelled, http.StatusConflict},
		{fault.CodeInternal, http.StatusInternalServerError},
		{fault.CodeIOFailed, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/runs/x", nil)
		WriteFault(rec, req, fault.New(tc.code, "boom"))
		assert.Equal(t, tc.status, rec.Code, "code %s", tc.code)
		assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	}
}

func TestWriteFaultCarriesRuleID(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", nil)
	WriteFault(rec, req, fault.New(fault.CodePermissionDenied, "tool blocked").WithRule("deny-shell"))

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "deny-shell", problem.RuleID)
	assert.Equal(t, "permission_denied", problem.Code)
	assert.Equal(t, "/v1/runs", problem.Instance)
}

func TestWriteFaultHidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/runs/x", nil)
	WriteFault(rec, req, fault.New(fault.CodeInternal, "sensitive disk path /srv/keel"))

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.NotContains(t, problem.Detail, "/srv/keel")
}

func TestWriteTooManyRequestsSetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteTooManyRequests(rec, 5)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
