package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/contracts"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/core"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/recovery"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/scanner"
)

const maxBodyBytes = 1 << 20

// Options configure the server's middleware.
type Options struct {
	// Admin verifies operator tokens. Nil rejects every admin route.
	Admin *AdminValidator
	// Limiter throttles clients. Nil disables rate limiting.
	Limiter Limiter
}

// Server exposes a core.Core over HTTP.
type Server struct {
	core *core.Core
	opts Options
	log  *slog.Logger
}

// NewServer returns a server for c.
func NewServer(c *core.Core, opts Options) *Server {
	return &Server{core: c, opts: opts, log: slog.Default().With("component", "api")}
}

// Handler returns the routed handler with its middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	admin := RequireAdmin(s.opts.Admin)

	mux.HandleFunc("POST /v1/conflicts", s.handleResolveConflict)
	mux.HandleFunc("GET /v1/conflicts/{id}", s.handleGetConflict)
	mux.HandleFunc("POST /v1/deliberate", s.handleDeliberate)
	mux.HandleFunc("POST /v1/actions/evaluate", s.handleEvaluateAction)
	mux.HandleFunc("POST /v1/actions/authorize", s.handleAuthorize)
	mux.HandleFunc("POST /v1/errors", s.handleReportError)

	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/decisions", s.handleDecisions)
	mux.HandleFunc("GET /v1/errors", s.handleErrors)
	mux.HandleFunc("GET /v1/cycles", s.handleCycles)
	mux.HandleFunc("GET /v1/modules", s.handleModules)
	mux.HandleFunc("GET /v1/axioms", s.handleAxioms)
	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("GET /v1/distress", s.handleDistress)
	mux.HandleFunc("GET /v1/approvals", s.handleApprovals)

	mux.Handle("POST /v1/admin/validate", admin(http.HandlerFunc(s.handleAdminValidate)))
	mux.Handle("POST /v1/admin/renaissance", admin(http.HandlerFunc(s.handleRenaissance)))
	mux.Handle("POST /v1/admin/conflicts/{id}/override", admin(http.HandlerFunc(s.handleOverride)))
	mux.Handle("POST /v1/admin/conflicts/{id}/rollback", admin(http.HandlerFunc(s.handleRollback)))
	mux.Handle("POST /v1/admin/errors/{id}/resolve", admin(http.HandlerFunc(s.handleResolveError)))
	mux.Handle("POST /v1/admin/issues/{id}/resolve", admin(http.HandlerFunc(s.handleResolveIssue)))

	var h http.Handler = mux
	h = RateLimit(s.opts.Limiter, 1)(h)
	h = AccessLog(h)
	return RequestID(h)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// scanFields are the scan context fields shared by request bodies.
type scanFields struct {
	AllowedTools []string       `json:"allowed_tools,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

func (f scanFields) context(requesterID, contextID string) scanner.ScanContext {
	return scanner.ScanContext{
		RequesterID:  requesterID,
		ContextID:    contextID,
		AllowedTools: f.AllowedTools,
		Attributes:   f.Attributes,
	}
}

type conflictBody struct {
	Candidates      []contracts.Candidate `json:"candidates"`
	RequesterID     string                `json:"requester_id"`
	ContextID       string                `json:"context_id,omitempty"`
	MemoryConflicts int                   `json:"memory_conflicts,omitempty"`
	scanFields
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	var body conflictBody
	if !decode(w, r, &body) {
		return
	}
	if body.RequesterID == "" {
		WriteErrorR(w, r, http.StatusBadRequest, "requester_id is required")
		return
	}
	res, err := s.core.ResolveConflict(r.Context(), core.ConflictRequest{
		Candidates:      body.Candidates,
		RequesterID:     body.RequesterID,
		ContextID:       body.ContextID,
		MemoryConflicts: body.MemoryConflicts,
		Scan:            body.context(body.RequesterID, body.ContextID),
	})
	if errors.Is(err, core.ErrNoCandidates) {
		WriteErrorR(w, r, http.StatusBadRequest, "at least one candidate is required")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetConflict(w http.ResponseWriter, r *http.Request) {
	res, ok := s.core.Result(r.PathValue("id"))
	if !ok {
		WriteErrorR(w, r, http.StatusNotFound, "conflict not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type deliberateBody struct {
	Prompt          string `json:"prompt"`
	RequesterID     string `json:"requester_id"`
	ContextID       string `json:"context_id,omitempty"`
	MemoryConflicts int    `json:"memory_conflicts,omitempty"`
	scanFields
}

func (s *Server) handleDeliberate(w http.ResponseWriter, r *http.Request) {
	var body deliberateBody
	if !decode(w, r, &body) {
		return
	}
	if body.Prompt == "" || body.RequesterID == "" {
		WriteErrorR(w, r, http.StatusBadRequest, "prompt and requester_id are required")
		return
	}
	res, err := s.core.Deliberate(r.Context(), core.DeliberationRequest{
		Prompt:          body.Prompt,
		RequesterID:     body.RequesterID,
		ContextID:       body.ContextID,
		MemoryConflicts: body.MemoryConflicts,
		Scan:            body.context(body.RequesterID, body.ContextID),
	})
	var ce *core.CollaboratorError
	switch {
	case errors.Is(err, core.ErrNoGenerator):
		WriteErrorR(w, r, http.StatusServiceUnavailable, "no hypothesis generator configured")
	case errors.As(err, &ce):
		p := NewProblem(http.StatusBadGateway, CodeCollaboratorFail, ce.Err.Error())
		p.Correction = &ce.Correction
		p.Write(w, r)
	case errors.Is(err, core.ErrNoCandidates):
		WriteErrorR(w, r, http.StatusBadGateway, "generator returned no candidates")
	case err != nil:
		WriteInternal(w, err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

type actionBody struct {
	Action    contracts.ActionRequest `json:"action"`
	ContextID string                  `json:"context_id,omitempty"`
	scanFields
}

func (s *Server) decodeAction(w http.ResponseWriter, r *http.Request) (actionBody, bool) {
	var body actionBody
	if !decode(w, r, &body) {
		return body, false
	}
	if body.Action.Tool == "" {
		WriteErrorR(w, r, http.StatusBadRequest, "action.tool is required")
		return body, false
	}
	return body, true
}

func (s *Server) handleEvaluateAction(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeAction(w, r)
	if !ok {
		return
	}
	res := s.core.EvaluateAction(r.Context(), body.Action, body.context(body.Action.RequesterID, body.ContextID))
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeAction(w, r)
	if !ok {
		return
	}
	res, err := s.core.Authorize(r.Context(), body.Action, body.context(body.Action.RequesterID, body.ContextID))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type errorBody struct {
	Module     string              `json:"module"`
	Severity   contracts.Severity  `json:"severity,omitempty"`
	Tier       contracts.Tier      `json:"tier,omitempty"`
	Kind       contracts.ErrorKind `json:"kind,omitempty"`
	Message    string              `json:"message"`
	ConflictID string              `json:"conflict_id,omitempty"`
}

func (s *Server) handleReportError(w http.ResponseWriter, r *http.Request) {
	var body errorBody
	if !decode(w, r, &body) {
		return
	}
	if body.Message == "" {
		WriteErrorR(w, r, http.StatusBadRequest, "message is required")
		return
	}
	if body.Tier != "" && !body.Tier.Valid() {
		WriteErrorR(w, r, http.StatusBadRequest, fmt.Sprintf("unknown tier %q", body.Tier))
		return
	}
	if body.Severity != "" && !body.Severity.Valid() {
		WriteErrorR(w, r, http.StatusBadRequest, fmt.Sprintf("unknown severity %q", body.Severity))
		return
	}
	res := s.core.ReportError(r.Context(), recovery.ErrorReport{
		Module:     body.Module,
		Severity:   body.Severity,
		Tier:       body.Tier,
		Kind:       body.Kind,
		Message:    body.Message,
		ConflictID: body.ConflictID,
	})
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := s.core.Health()
	status := http.StatusOK
	if h.Status == contracts.HealthLocked {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) handleDecisions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.core.DecisionLog())
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	include, ok := boolParam(w, r, "include_resolved")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.core.Errors(include))
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteErrorR(w, r, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.core.Cycles(limit))
}

func (s *Server) handleModules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.core.ModuleHealth())
}

func (s *Server) handleAxioms(w http.ResponseWriter, _ *http.Request) {
	reg := s.core.Registry()
	writeJSON(w, http.StatusOK, map[string]any{
		"version": reg.Version(),
		"axioms":  reg.All(),
	})
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Tools().Tools())
}

func (s *Server) handleDistress(w http.ResponseWriter, r *http.Request) {
	include, ok := boolParam(w, r, "include_inactive")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.core.Distress(include))
}

func (s *Server) handleApprovals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.core.PendingApprovals())
}

func boolParam(w http.ResponseWriter, r *http.Request, name string) (bool, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, name+" must be a boolean")
		return false, false
	}
	return b, true
}

func (s *Server) handleAdminValidate(w http.ResponseWriter, r *http.Request) {
	h, err := s.core.AdminValidate(r.Context(), AdminFrom(r.Context()))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

type renaissanceBody struct {
	Reason string `json:"reason"`
	Force  bool   `json:"force"`
}

func (s *Server) handleRenaissance(w http.ResponseWriter, r *http.Request) {
	var body renaissanceBody
	if !decode(w, r, &body) {
		return
	}
	if !body.Force {
		writeJSON(w, http.StatusOK, s.core.TriggerRenaissance(r.Context(), body.Reason))
		return
	}
	res, err := s.core.ForceRenaissance(r.Context(), AdminFrom(r.Context()), body.Reason)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type overrideBody struct {
	OptionID      string `json:"option_id"`
	Justification string `json:"justification"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var body overrideBody
	if !decode(w, r, &body) {
		return
	}
	res, err := s.core.AdminOverride(r.Context(), r.PathValue("id"), AdminFrom(r.Context()), body.OptionID, body.Justification)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type rollbackBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var body rollbackBody
	if !decode(w, r, &body) {
		return
	}
	if body.Reason == "" {
		WriteErrorR(w, r, http.StatusBadRequest, "reason is required")
		return
	}
	id := r.PathValue("id")
	if err := s.core.Rollback(r.Context(), id, body.Reason, AdminFrom(r.Context())); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	res, _ := s.core.Result(id)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleResolveError(w http.ResponseWriter, r *http.Request) {
	if err := s.core.ResolveError(r.Context(), r.PathValue("id"), AdminFrom(r.Context())); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.core.Health())
}

func (s *Server) handleResolveIssue(w http.ResponseWriter, r *http.Request) {
	if err := s.core.ResolveIssue(r.PathValue("id")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.core.Distress(false))
}

// writeDomainError maps the core's sentinel errors to problems.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	if p, ok := DomainProblem(err); ok {
		p.Write(w, r)
		return
	}
	s.log.ErrorContext(r.Context(), "admin operation failed", "path", r.URL.Path, "error", err)
	WriteInternal(w, err)
}
