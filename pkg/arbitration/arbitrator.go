// Package arbitration is the conflict arbitrator. It picks one candidate out
// of a competing set under the tiered policy, or blocks the conflict, or asks
// a human to approve it.
//
// The arbitrator exclusively owns the conflict history. Results handed out
// are copies; later rollbacks and overrides change the stored status only.
package arbitration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/audit"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/contracts"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/notify"
)

const (
	DefaultApprovalThreshold = 100
	DefaultLogLimit          = 100
)

var (
	ErrConflictNotFound     = errors.New("arbitration: conflict not found")
	ErrNotOverridable       = errors.New("arbitration: conflict is not blocked or pending approval")
	ErrUnknownOption        = errors.New("arbitration: option is not a candidate of the conflict")
	ErrAlreadyRolledBack    = errors.New("arbitration: conflict already rolled back")
	ErrMissingJustification = errors.New("arbitration: admin id and justification are required")
)

// Config tunes the arbitrator.
type Config struct {
	// ApprovalThreshold is the best score above which a human must approve.
	ApprovalThreshold float64
	// LogLimit bounds the decision log.
	LogLimit int
}

type record struct {
	result     *contracts.ArbitrationResult
	candidates []contracts.Candidate
}

// Arbitrator resolves conflicts between candidates.
type Arbitrator struct {
	cfg Config

	// exclusive is held shared by every arbitration call and exclusively by
	// Exclusive, so a reset never observes a conflict mid-decision.
	exclusive sync.RWMutex
	keys      *keyedMutex

	mu        sync.RWMutex
	history   map[string]*record
	decisions []contracts.LogEntry
	approvals map[string]*contracts.ApprovalRequest
	pending   int
	lastID    string

	sink     audit.Sink
	notifier notify.Notifier
	clock    func() time.Time
	log      *slog.Logger
}

// New creates an arbitrator. Zero config values take the defaults; nil
// collaborators are replaced by no-ops.
func New(cfg Config, sink audit.Sink, n notify.Notifier) *Arbitrator {
	if cfg.ApprovalThreshold <= 0 {
		cfg.ApprovalThreshold = DefaultApprovalThreshold
	}
	if cfg.LogLimit <= 0 {
		cfg.LogLimit = DefaultLogLimit
	}
	if sink == nil {
		sink = audit.Discard
	}
	if n == nil {
		n = notify.NewLogNotifier(nil)
	}
	return &Arbitrator{
		cfg:       cfg,
		keys:      newKeyedMutex(),
		history:   make(map[string]*record),
		approvals: make(map[string]*contracts.ApprovalRequest),
		sink:      sink,
		notifier:  n,
		clock:     time.Now,
		log:       slog.Default().With("component", "arbitrator"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (a *Arbitrator) WithClock(clock func() time.Time) *Arbitrator {
	a.clock = clock
	return a
}

// ApprovalThreshold returns the configured threshold.
func (a *Arbitrator) ApprovalThreshold() float64 { return a.cfg.ApprovalThreshold }

// Resolve arbitrates one conflict. It never fails: policy outcomes are
// reported in the result's status.
func (a *Arbitrator) Resolve(ctx context.Context, candidates []contracts.Candidate, requesterID, contextID string) *contracts.ArbitrationResult {
	a.exclusive.RLock()
	defer a.exclusive.RUnlock()

	now := a.clock()
	cands := copyCandidates(candidates)
	for i := range cands {
		if cands[i].ID == "" {
			cands[i].ID = fmt.Sprintf("candidate-%d", i+1)
		}
	}
	res := &contracts.ArbitrationResult{
		ConflictID:  uuid.New().String(),
		RequesterID: requesterID,
		ContextID:   contextID,
		Timestamp:   now,
	}

	var event, rationale string
	switch h0, offenders := h0Violations(cands); {
	case len(cands) == 0:
		res.Status = contracts.StatusBlocked
		res.BlockReason = "no candidates submitted"
		event, rationale = "blocked", res.BlockReason

	case len(h0) > 0:
		res.Status = contracts.StatusBlocked
		res.RequiresApproval = true
		res.Violations = h0
		res.BlockReason = fmt.Sprintf("H0 violation in candidate %s: %s",
			strings.Join(offenders, ", "), strings.Join(contracts.Describe(h0), "; "))
		event, rationale = "blocked", res.BlockReason

	default:
		scores, order := rank(cands)
		best := cands[order[0]]
		res.Scores = scores
		res.Chosen = &best
		res.Violations = copyViolations(best.Violations)
		if scores[0].Score > a.cfg.ApprovalThreshold {
			res.Status = contracts.StatusPendingApproval
			res.RequiresApproval = true
			res.BlockReason = fmt.Sprintf("best score %.2f exceeds approval threshold %.2f", scores[0].Score, a.cfg.ApprovalThreshold)
			if len(best.Violations) > 0 {
				res.BlockReason += "; violations: " + strings.Join(contracts.Describe(best.Violations), "; ")
			}
			event, rationale = "pending_approval", res.BlockReason
		} else {
			res.Status = contracts.StatusApproved
			event = "approved"
			rationale = fmt.Sprintf("candidate %s chosen with score %.2f out of %d", best.ID, scores[0].Score, len(cands))
		}
	}

	entry := contracts.LogEntry{
		ConflictID: res.ConflictID,
		Timestamp:  now,
		Event:      event,
		Status:     res.Status,
		Rationale:  rationale,
		Actor:      requesterID,
	}
	if res.Chosen != nil {
		entry.CandidateID = res.Chosen.ID
	}
	res.DecisionLog = []contracts.LogEntry{entry}

	var approval *contracts.ApprovalRequest
	if res.RequiresApproval {
		approval = &contracts.ApprovalRequest{
			ConflictID:  res.ConflictID,
			RequesterID: requesterID,
			Status:      res.Status,
			Reason:      res.BlockReason,
			Violations:  copyViolations(res.Violations),
			CreatedAt:   now,
		}
	}

	a.mu.Lock()
	a.history[res.ConflictID] = &record{result: res, candidates: cands}
	a.lastID = res.ConflictID
	a.appendLog(entry)
	if approval != nil {
		a.approvals[res.ConflictID] = approval
		a.pending++
	}
	a.mu.Unlock()

	a.log.InfoContext(ctx, "conflict resolved",
		"conflict_id", res.ConflictID, "status", res.Status, "candidates", len(cands))
	a.publish(ctx, res, approval)
	return copyResult(res)
}

func (a *Arbitrator) publish(ctx context.Context, res *contracts.ArbitrationResult, approval *contracts.ApprovalRequest) {
	meta := map[string]any{
		"status":       string(res.Status),
		"requester_id": res.RequesterID,
		"violations":   contracts.Describe(res.Violations),
	}
	if res.Chosen != nil {
		meta["chosen"] = res.Chosen.ID
	}
	if res.BlockReason != "" {
		meta["reason"] = res.BlockReason
	}
	resource := "conflict:" + res.ConflictID
	if approval != nil {
		a.record(ctx, audit.EventApprovalRequest, string(res.Status), resource, meta)
	} else {
		a.record(ctx, audit.EventConflict, string(res.Status), resource, meta)
	}

	if res.Status == contracts.StatusBlocked && contracts.HasTier(res.Violations, contracts.TierH0) {
		err := a.notifier.Notify(ctx, notify.Notification{
			Kind:    notify.KindH0Violation,
			Subject: resource,
			Message: "conflict blocked by H0 violation",
			Fields:  map[string]any{"reason": res.BlockReason, "requester_id": res.RequesterID},
			At:      a.clock(),
		})
		if err != nil {
			a.log.WarnContext(ctx, "operator notification failed", "conflict_id", res.ConflictID, "error", err)
		}
	}
}

func (a *Arbitrator) record(ctx context.Context, t audit.EventType, action, resource string, meta map[string]any) {
	if err := a.sink.Record(ctx, t, action, resource, meta); err != nil {
		a.log.WarnContext(ctx, "audit record failed", "type", t, "resource", resource, "error", err)
	}
}

// appendLog keeps the decision log bounded. Callers hold a.mu.
func (a *Arbitrator) appendLog(e contracts.LogEntry) {
	a.decisions = append(a.decisions, e)
	if over := len(a.decisions) - a.cfg.LogLimit; over > 0 {
		a.decisions = append([]contracts.LogEntry(nil), a.decisions[over:]...)
	}
}

// InitiateRollback marks a past conflict rolled back.
func (a *Arbitrator) InitiateRollback(ctx context.Context, conflictID, reason, requesterID string) error {
	a.exclusive.RLock()
	defer a.exclusive.RUnlock()
	unlock := a.keys.Lock(conflictID)
	defer unlock()

	now := a.clock()
	a.mu.Lock()
	rec, ok := a.history[conflictID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
	}
	if rec.result.Status == contracts.StatusRolledBack {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRolledBack, conflictID)
	}
	prev := rec.result.Status
	rec.result.Status = contracts.StatusRolledBack
	a.resolveApproval(conflictID)
	entry := contracts.LogEntry{
		ConflictID: conflictID,
		Timestamp:  now,
		Event:      "rollback",
		Status:     contracts.StatusRolledBack,
		Rationale:  reason,
		Actor:      requesterID,
	}
	rec.result.DecisionLog = append(rec.result.DecisionLog, entry)
	a.appendLog(entry)
	a.mu.Unlock()

	a.log.InfoContext(ctx, "conflict rolled back", "conflict_id", conflictID, "previous", prev, "reason", reason)
	a.record(ctx, audit.EventRollback, "rolled_back", "conflict:"+conflictID, map[string]any{
		"previous_status": string(prev),
		"reason":          reason,
		"requester_id":    requesterID,
	})
	return nil
}

// AdminOverride force-approves a blocked or pending conflict with the
// candidate optionID. An empty optionID keeps a pending conflict's choice.
func (a *Arbitrator) AdminOverride(ctx context.Context, conflictID, adminID, optionID, justification string) (*contracts.ArbitrationResult, error) {
	if adminID == "" || strings.TrimSpace(justification) == "" {
		return nil, ErrMissingJustification
	}
	a.exclusive.RLock()
	defer a.exclusive.RUnlock()
	unlock := a.keys.Lock(conflictID)
	defer unlock()

	now := a.clock()
	a.mu.Lock()
	rec, ok := a.history[conflictID]
	if !ok {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
	}
	res := rec.result
	if res.Status != contracts.StatusBlocked && res.Status != contracts.StatusPendingApproval {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrNotOverridable, conflictID, res.Status)
	}
	if optionID == "" && res.Chosen != nil {
		optionID = res.Chosen.ID
	}
	var chosen *contracts.Candidate
	for i := range rec.candidates {
		if rec.candidates[i].ID == optionID {
			c := rec.candidates[i]
			chosen = &c
			break
		}
	}
	if chosen == nil {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownOption, optionID)
	}

	prev := res.Status
	res.Status = contracts.StatusApproved
	res.Chosen = chosen
	res.RequiresApproval = false
	res.Override = &contracts.Override{
		AdminID:       adminID,
		OptionID:      optionID,
		Justification: justification,
		PreviousState: prev,
		At:            now,
	}
	a.resolveApproval(conflictID)
	entry := contracts.LogEntry{
		ConflictID:  conflictID,
		Timestamp:   now,
		Event:       "override",
		Status:      contracts.StatusApproved,
		CandidateID: optionID,
		Rationale:   justification,
		Actor:       adminID,
	}
	res.DecisionLog = append(res.DecisionLog, entry)
	a.appendLog(entry)
	out := copyResult(res)
	a.mu.Unlock()

	a.log.WarnContext(ctx, "conflict overridden by operator",
		"conflict_id", conflictID, "admin_id", adminID, "option_id", optionID, "previous", prev)
	a.record(ctx, audit.EventOverride, "approved", "conflict:"+conflictID, map[string]any{
		"admin_id":       adminID,
		"option_id":      optionID,
		"justification":  justification,
		"previous_state": string(prev),
	})
	if err := a.notifier.Notify(ctx, notify.Notification{
		Kind:    notify.KindOverride,
		Subject: "conflict:" + conflictID,
		Message: "conflict force-approved by operator",
		Fields:  map[string]any{"admin_id": adminID, "option_id": optionID, "previous_state": string(prev)},
		At:      now,
	}); err != nil {
		a.log.WarnContext(ctx, "operator notification failed", "conflict_id", conflictID, "error", err)
	}
	return out, nil
}

// resolveApproval closes the open approval request of a conflict, if any.
// Callers hold a.mu.
func (a *Arbitrator) resolveApproval(conflictID string) {
	if req, ok := a.approvals[conflictID]; ok && !req.Resolved {
		req.Resolved = true
		a.pending--
	}
}

// Exclusive runs fn with no arbitration, rollback or override in flight.
func (a *Arbitrator) Exclusive(fn func()) {
	a.exclusive.Lock()
	defer a.exclusive.Unlock()
	fn()
}

// Result returns a copy of a conflict's result.
func (a *Arbitrator) Result(conflictID string) (*contracts.ArbitrationResult, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.history[conflictID]
	if !ok {
		return nil, false
	}
	return copyResult(rec.result), true
}

// DecisionLog returns the bounded decision log, oldest first.
func (a *Arbitrator) DecisionLog() []contracts.LogEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]contracts.LogEntry, len(a.decisions))
	copy(out, a.decisions)
	return out
}

// PendingApprovals lists unresolved approval requests, oldest first.
func (a *Arbitrator) PendingApprovals() []contracts.ApprovalRequest {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]contracts.ApprovalRequest, 0, a.pending)
	for _, req := range a.approvals {
		if !req.Resolved {
			c := *req
			c.Violations = copyViolations(req.Violations)
			out = append(out, c)
		}
	}
	sortApprovals(out)
	return out
}

// PendingCount is the number of unresolved approval requests.
func (a *Arbitrator) PendingCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pending
}

// LastConflictID returns the most recently resolved conflict, or "".
func (a *Arbitrator) LastConflictID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastID
}
