// Package api serves the core's operations as an HTTP JSON control plane.
// Errors are RFC 7807 problem details with a machine-readable code.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/arbitration"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/contracts"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/distress"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/recovery"
)

// Problem codes. The problem type URI is urn:phoenix:problem:<code>.
const (
	CodeInvalidRequest   = "invalid_request"
	CodeUnauthenticated  = "unauthenticated"
	CodeNotAdmin         = "not_admin"
	CodeNotFound         = "not_found"
	CodeStateConflict    = "state_conflict"
	CodeRateLimited      = "rate_limited"
	CodeCollaborator     = "collaborator_unavailable"
	CodeCollaboratorFail = "collaborator_failed"
	CodeInternal         = "internal"
)

// ProblemDetail is an RFC 7807 body. Code and Correction are extension members.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
	Code     string `json:"code"`

	// Correction is the recovery engine's answer when a collaborator failure
	// was reported on the caller's behalf.
	Correction *contracts.CorrectionResult `json:"correction,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s (%s): %s", p.Title, p.Code, p.Detail)
}

// NewProblem builds a problem for status with the standard title.
func NewProblem(status int, code, detail string) *ProblemDetail {
	return &ProblemDetail{
		Type:   "urn:phoenix:problem:" + code,
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
		Code:   code,
	}
}

// Write sends p, filling the trace id from X-Request-ID and the instance
// from r when r is non-nil.
func (p *ProblemDetail) Write(w http.ResponseWriter, r *http.Request) {
	p.TraceID = w.Header().Get("X-Request-ID")
	if r != nil {
		p.Instance = r.URL.Path
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes a problem with a code derived from the status.
func WriteError(w http.ResponseWriter, status int, detail string) {
	NewProblem(status, codeForStatus(status), detail).Write(w, nil)
}

// WriteErrorR is WriteError with the request path as the instance.
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, detail string) {
	NewProblem(status, codeForStatus(status), detail).Write(w, r)
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return CodeInvalidRequest
	case http.StatusUnauthorized:
		return CodeUnauthenticated
	case http.StatusForbidden:
		return CodeNotAdmin
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusConflict:
		return CodeStateConflict
	case http.StatusTooManyRequests:
		return CodeRateLimited
	case http.StatusBadGateway:
		return CodeCollaboratorFail
	case http.StatusServiceUnavailable:
		return CodeCollaborator
	default:
		return CodeInternal
	}
}

// WriteUnauthorized writes a 401 with a bearer challenge.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="phoenix-admin"`)
	WriteError(w, http.StatusUnauthorized, detail)
}

// WriteTooManyRequests writes a 429 with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Rate limit exceeded")
}

// WriteInternal writes a 500. err is logged, never returned to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err, "request_id", w.Header().Get("X-Request-ID"))
	WriteError(w, http.StatusInternalServerError, "An unexpected error occurred")
}

var domainProblems = []struct {
	target error
	status int
	code   string
}{
	{arbitration.ErrConflictNotFound, http.StatusNotFound, "conflict_not_found"},
	{recovery.ErrErrorNotFound, http.StatusNotFound, "error_not_found"},
	{distress.ErrIssueNotFound, http.StatusNotFound, "issue_not_found"},
	{arbitration.ErrNotOverridable, http.StatusConflict, "not_overridable"},
	{arbitration.ErrAlreadyRolledBack, http.StatusConflict, "already_rolled_back"},
	{recovery.ErrNotLocked, http.StatusConflict, "not_locked"},
	{recovery.ErrAlreadyResolved, http.StatusConflict, "already_resolved"},
	{arbitration.ErrUnknownOption, http.StatusBadRequest, "unknown_option"},
	{arbitration.ErrMissingJustification, http.StatusBadRequest, "missing_justification"},
	{recovery.ErrMissingAdmin, http.StatusBadRequest, "missing_admin"},
}

// DomainProblem maps a core error to a problem. ok is false for errors with
// no client-facing meaning.
func DomainProblem(err error) (p *ProblemDetail, ok bool) {
	for _, d := range domainProblems {
		if errors.Is(err, d.target) {
			return NewProblem(d.status, d.code, err.Error()), true
		}
	}
	return nil, false
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
