package api_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/api"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/arbitration"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/recovery"
)

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) api.ProblemDetail {
	t.Helper()
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	var p api.ProblemDetail
	require.NoError(t, json.NewDecoder(w.Body).Decode(&p))
	return p
}

func TestWriteErrorR_CodeFromStatus(t *testing.T) {
	cases := []struct {
		status int
		code   string
	}{
		{http.StatusBadRequest, api.CodeInvalidRequest},
		{http.StatusForbidden, api.CodeNotAdmin},
		{http.StatusConflict, api.CodeStateConflict},
		{http.StatusBadGateway, api.CodeCollaboratorFail},
		{http.StatusServiceUnavailable, api.CodeCollaborator},
		{http.StatusTeapot, api.CodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/conflicts", nil)
			w := httptest.NewRecorder()
			w.Header().Set("X-Request-ID", "req-123")

			api.WriteErrorR(w, req, tc.status, "nope")

			p := decodeProblem(t, w)
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.status, p.Status)
			assert.Equal(t, tc.code, p.Code)
			assert.Equal(t, "urn:phoenix:problem:"+tc.code, p.Type)
			assert.Equal(t, http.StatusText(tc.status), p.Title)
			assert.Equal(t, "/v1/conflicts", p.Instance)
			assert.Equal(t, "req-123", p.TraceID)
		})
	}
}

func TestWriteInternal_HidesCause(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteInternal(w, errors.New("pq: connection refused to host=10.0.0.1"))

	p := decodeProblem(t, w)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, p.Detail, "10.0.0.1")
}

func TestWriteTooManyRequests(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteTooManyRequests(w, 30)

	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	assert.Equal(t, api.CodeRateLimited, decodeProblem(t, w).Code)
}

func TestWriteUnauthorized_Challenge(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteUnauthorized(w, "")

	p := decodeProblem(t, w)
	assert.Equal(t, "Authentication required", p.Detail)
	assert.Equal(t, api.CodeUnauthenticated, p.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Bearer")
}

func TestDomainProblem(t *testing.T) {
	wrapped := fmt.Errorf("override c-1: %w", arbitration.ErrNotOverridable)
	p, ok := api.DomainProblem(wrapped)
	require.True(t, ok)
	assert.Equal(t, http.StatusConflict, p.Status)
	assert.Equal(t, "not_overridable", p.Code)
	assert.Equal(t, wrapped.Error(), p.Detail)

	p, ok = api.DomainProblem(recovery.ErrErrorNotFound)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, p.Status)

	_, ok = api.DomainProblem(errors.New("disk full"))
	assert.False(t, ok)
}
