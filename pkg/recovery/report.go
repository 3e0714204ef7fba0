package recovery

import (
	"context"
	"fmt"

	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/audit"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/contracts"
)

// chain is the escalation order of correction strategies.
var chain = []contracts.Strategy{
	contracts.StrategyRetry,
	contracts.StrategyAlternative,
	contracts.StrategyRollback,
	contracts.StrategyRenaissance,
}

// initialStrategy picks the first strategy purely from the tier. repeat
// reports whether the module already has an open error of the same tier.
func initialStrategy(tier contracts.Tier, repeat bool) contracts.Strategy {
	switch tier {
	case contracts.TierH0:
		return contracts.StrategyRenaissance
	case contracts.TierH1:
		return contracts.StrategyRollback
	default:
		if repeat {
			return contracts.StrategyAlternative
		}
		return contracts.StrategyRetry
	}
}

func chainFrom(s contracts.Strategy) []contracts.Strategy {
	for i, c := range chain {
		if c == s {
			return chain[i:]
		}
	}
	return nil
}

func normalizeReport(r ErrorReport) ErrorReport {
	if r.Module == "" {
		r.Module = "unknown"
	}
	if r.Kind == contracts.KindCancelled {
		r.Severity = contracts.SeverityCancelled
	}
	if r.Severity == contracts.SeverityCancelled {
		r.Kind = contracts.KindCancelled
	}
	if !r.Tier.Valid() {
		r.Tier = contracts.TierH2
	}
	if r.Severity == "" || !r.Severity.Valid() {
		r.Severity = contracts.SeverityForTier(r.Tier)
	}
	if r.Kind == "" {
		r.Kind = contracts.KindInternal
	}
	return r
}

// ReportError records a failure and runs the correction chain for it.
func (e *Engine) ReportError(ctx context.Context, rep ErrorReport) contracts.CorrectionResult {
	rep = normalizeReport(rep)
	now := e.clock()
	se := &contracts.SystemError{
		ID:        newID(),
		Module:    rep.Module,
		Severity:  rep.Severity,
		Tier:      rep.Tier,
		Kind:      rep.Kind,
		Message:   rep.Message,
		CreatedAt: now,
	}

	if rep.Kind == contracts.KindCancelled {
		e.mu.Lock()
		se.Resolved = true
		se.ResolvedBy = "cancelled"
		se.ResolvedAt = now
		e.errors = append(e.errors, se)
		status := e.healthLocked().Status
		e.mu.Unlock()

		e.log.InfoContext(ctx, "cancellation recorded", "error_id", se.ID, "module", se.Module)
		e.record(ctx, audit.EventError, "cancelled", "error:"+se.ID, errorMeta(se))
		return contracts.CorrectionResult{
			ErrorID: se.ID,
			Success: true,
			Status:  status,
			Message: "cancellation recorded; no correction needed",
		}
	}

	e.mu.Lock()
	repeat := false
	for _, prev := range e.errors {
		if !prev.Resolved && prev.Module == se.Module && prev.Tier == se.Tier {
			repeat = true
			break
		}
	}
	e.errors = append(e.errors, se)
	e.consecutiveFailures++
	if se.Tier == contracts.TierH0 || se.Tier == contracts.TierH1 || se.Severity == contracts.SeverityCritical {
		e.modules[se.Module] = contracts.ModuleFailed
	} else if e.modules[se.Module] != contracts.ModuleFailed {
		e.modules[se.Module] = contracts.ModuleDegraded
	}
	start := initialStrategy(se.Tier, repeat)
	e.mu.Unlock()

	e.log.WarnContext(ctx, "error reported", "error_id", se.ID, "module", se.Module, "tier", se.Tier,
		"severity", se.Severity, "kind", se.Kind, "strategy", start)
	e.record(ctx, audit.EventError, "reported", "error:"+se.ID, errorMeta(se))

	res := e.correct(ctx, se, rep, start)
	res.ErrorID = se.ID
	return res
}

func errorMeta(se *contracts.SystemError) map[string]any {
	return map[string]any{
		"module":   se.Module,
		"tier":     string(se.Tier),
		"severity": string(se.Severity),
		"kind":     string(se.Kind),
		"message":  se.Message,
	}
}

// correct walks the strategy chain from start until one succeeds.
func (e *Engine) correct(ctx context.Context, se *contracts.SystemError, rep ErrorReport, start contracts.Strategy) contracts.CorrectionResult {
	var res contracts.CorrectionResult
	for _, s := range chainFrom(start) {
		if s == contracts.StrategyRenaissance {
			return e.escalate(ctx, se, res)
		}

		var err error
		switch s {
		case contracts.StrategyRetry:
			if rep.Retry == nil {
				continue
			}
			err = rep.Retry(ctx)
		case contracts.StrategyAlternative:
			if rep.Alternative == nil {
				continue
			}
			err = rep.Alternative(ctx)
		case contracts.StrategyRollback:
			if rep.Unscoped && rep.ConflictID == "" {
				continue
			}
			err = e.rollbackFor(ctx, se, rep.ConflictID)
		}
		res.Attempted = append(res.Attempted, s)
		e.setAttempted(se, s)

		if err != nil {
			e.log.InfoContext(ctx, "correction strategy failed", "error_id", se.ID, "strategy", s, "error", err)
			continue
		}

		e.mu.Lock()
		e.resolveLocked(se, string(s))
		switch s {
		case contracts.StrategyRetry:
			if e.consecutiveFailures > 0 {
				e.consecutiveFailures--
			}
		case contracts.StrategyAlternative:
			e.modules[se.Module] = contracts.ModuleOperational
		}
		res.Status = e.healthLocked().Status
		e.mu.Unlock()

		res.Strategy = s
		res.Success = true
		res.Message = fmt.Sprintf("%s succeeded for %s error in %s", s, se.Tier, se.Module)
		e.log.InfoContext(ctx, "error corrected", "error_id", se.ID, "strategy", s)
		e.record(ctx, audit.EventError, "corrected", "error:"+se.ID, map[string]any{"strategy": string(s)})
		return res
	}
	return res
}

func (e *Engine) rollbackFor(ctx context.Context, se *contracts.SystemError, conflictID string) error {
	if e.rollback == nil {
		return errNoRollbacker
	}
	if conflictID == "" {
		conflictID = e.rollback.LastConflictID()
	}
	if conflictID == "" {
		return errNoConflict
	}
	reason := fmt.Sprintf("recovery of %s error %s in %s: %s", se.Tier, se.ID, se.Module, se.Message)
	return e.rollback.InitiateRollback(ctx, conflictID, reason, actorRecovery)
}

func (e *Engine) setAttempted(se *contracts.SystemError, s contracts.Strategy) {
	e.mu.Lock()
	se.CorrectionAttempted = s
	e.mu.Unlock()
}

// escalate runs a reset for se. Critical errors reset at once; others wait
// until failures pile up or distress asks for correction.
func (e *Engine) escalate(ctx context.Context, se *contracts.SystemError, res contracts.CorrectionResult) contracts.CorrectionResult {
	res.Strategy = contracts.StrategyRenaissance
	res.Escalated = len(res.Attempted) > 0

	e.mu.Lock()
	failures := e.consecutiveFailures
	e.mu.Unlock()

	if se.Tier != contracts.TierH0 && failures < e.cfg.EscalationThreshold &&
		(e.distress == nil || !e.distress.ShouldInitiateCorrection()) {
		e.mu.Lock()
		res.Status = e.healthLocked().Status
		e.mu.Unlock()
		res.EscalationDeferred = true
		res.Message = fmt.Sprintf("correction failed; renaissance deferred at %d of %d consecutive failures",
			failures, e.cfg.EscalationThreshold)
		e.log.InfoContext(ctx, "renaissance deferred", "error_id", se.ID, "consecutive_failures", failures)
		return res
	}

	e.setAttempted(se, contracts.StrategyRenaissance)
	res.Attempted = append(res.Attempted, contracts.StrategyRenaissance)
	reason := fmt.Sprintf("%s error in %s: %s", se.Tier, se.Module, se.Message)
	cr := e.runRenaissance(ctx, reason, "", false)
	cr.Strategy = contracts.StrategyRenaissance
	cr.Attempted = res.Attempted
	cr.Escalated = res.Escalated
	return cr
}
