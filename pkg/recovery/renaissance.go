package recovery

import (
	"context"
	"fmt"

	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/audit"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/contracts"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/notify"
)

// TriggerRenaissance runs a full reset cycle unless the engine is locked or
// the reset allowance is used up, in which case it locks instead.
func (e *Engine) TriggerRenaissance(ctx context.Context, reason string) contracts.CorrectionResult {
	if reason == "" {
		reason = "manual trigger"
	}
	res := e.runRenaissance(ctx, reason, "", false)
	res.Strategy = contracts.StrategyRenaissance
	return res
}

// ForceRenaissance is an operator reset that bypasses the lock, resets the
// counter and is validated by adminID.
func (e *Engine) ForceRenaissance(ctx context.Context, adminID, reason string) (contracts.CorrectionResult, error) {
	if adminID == "" {
		return contracts.CorrectionResult{}, ErrMissingAdmin
	}
	if reason == "" {
		reason = "forced by operator"
	}
	res := e.runRenaissance(audit.WithActor(ctx, adminID), reason, adminID, true)
	res.Strategy = contracts.StrategyRenaissance
	return res, nil
}

// AdminValidate unlocks a locked engine: every pending cycle is marked
// validated by adminID and the reset counter returns to zero.
func (e *Engine) AdminValidate(ctx context.Context, adminID string) (contracts.SystemHealth, error) {
	if adminID == "" {
		return contracts.SystemHealth{}, ErrMissingAdmin
	}
	e.renaissance.Lock()
	defer e.renaissance.Unlock()

	e.mu.Lock()
	if !e.locked {
		e.mu.Unlock()
		return contracts.SystemHealth{}, ErrNotLocked
	}
	validated := e.validateLocked(adminID)
	prevReason := e.lockReason
	e.locked = false
	e.lockReason = ""
	e.sinceValidation = 0
	h := e.healthLocked()
	e.mu.Unlock()

	ctx = audit.WithActor(ctx, adminID)
	e.log.InfoContext(ctx, "system validated by operator", "admin_id", adminID, "cycles_validated", validated)
	e.record(ctx, audit.EventValidation, "validated", "system", map[string]any{
		"admin_id":         adminID,
		"cycles_validated": validated,
		"lock_reason":      prevReason,
	})
	e.page(ctx, notify.KindUnlock, "system", "system unlocked by operator validation", map[string]any{
		"admin_id": adminID,
	})
	return h, nil
}

func (e *Engine) validateLocked(adminID string) int {
	n := 0
	for _, c := range e.cycles {
		if !c.AdminValidated && c.Status != contracts.CycleFailed {
			c.AdminValidated = true
			c.ValidatedBy = adminID
			n++
		}
	}
	return n
}

// runRenaissance is the shared reset path. adminID is set for forced resets.
func (e *Engine) runRenaissance(ctx context.Context, reason, adminID string, forced bool) contracts.CorrectionResult {
	e.renaissance.Lock()
	defer e.renaissance.Unlock()

	now := e.clock()
	e.mu.Lock()
	e.lastTrigger = reason
	if !forced && e.locked {
		h := e.healthLocked()
		e.mu.Unlock()
		e.log.WarnContext(ctx, "renaissance refused while locked", "reason", reason)
		return contracts.CorrectionResult{
			RequiresAdminIntervention: true,
			Status:                    h.Status,
			Message:                   "system locked: " + h.LockReason,
		}
	}
	if !forced && e.sinceValidation >= e.cfg.MaxRenaissanceWithoutAdmin {
		e.locked = true
		e.lockReason = fmt.Sprintf("%d renaissance cycles without admin validation; last trigger: %s",
			e.sinceValidation, reason)
		cycle := &contracts.RecoveryCycle{
			ID:          newID(),
			TriggeredAt: now,
			CompletedAt: now,
			Reason:      reason,
			Status:      contracts.CycleBlocked,
		}
		e.cycles = append(e.cycles, cycle)
		out := copyCycle(cycle)
		h := e.healthLocked()
		e.mu.Unlock()

		e.log.ErrorContext(ctx, "system locked pending admin validation", "reason", h.LockReason)
		e.record(ctx, audit.EventLock, "locked", "cycle:"+cycle.ID, map[string]any{
			"reason": h.LockReason,
			"cycles": h.RenaissanceSinceValidation,
		})
		e.page(ctx, notify.KindLock, "system", "system locked: admin validation required", map[string]any{
			"reason":       h.LockReason,
			"last_trigger": reason,
		})
		return contracts.CorrectionResult{
			RequiresAdminIntervention: true,
			Cycle:                     &out,
			Status:                    h.Status,
			Message:                   "system locked: " + h.LockReason,
		}
	}

	cycle := &contracts.RecoveryCycle{
		ID:          newID(),
		TriggeredAt: now,
		Reason:      reason,
		Status:      contracts.CycleInProgress,
		Forced:      forced,
	}
	e.cycles = append(e.cycles, cycle)
	e.recovering = true
	e.mu.Unlock()

	e.log.WarnContext(ctx, "renaissance cycle started", "cycle_id", cycle.ID, "reason", reason, "forced", forced)

	reset := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.resetLocked(cycle)
		cycle.CompletedAt = e.clock()
		cycle.Status = contracts.CycleCompleted
		if forced {
			e.validateLocked(adminID)
			e.locked = false
			e.lockReason = ""
			e.sinceValidation = 0
		} else {
			e.sinceValidation++
		}
		e.recovering = false
	}
	if e.rollback != nil {
		e.rollback.Exclusive(reset)
	} else {
		reset()
	}

	e.mu.Lock()
	out := copyCycle(cycle)
	h := e.healthLocked()
	e.mu.Unlock()

	e.log.InfoContext(ctx, "renaissance cycle completed", "cycle_id", out.ID,
		"errors_cleared", out.ErrorsCleared, "modules_reset", out.ModulesReset)
	e.record(ctx, audit.EventRecovery, string(out.Status), "cycle:"+out.ID, map[string]any{
		"reason":          reason,
		"errors_cleared":  out.ErrorsCleared,
		"modules_reset":   out.ModulesReset,
		"forced":          forced,
		"admin_validated": out.AdminValidated,
	})
	e.page(ctx, notify.KindRenaissance, "cycle:"+out.ID, "renaissance cycle completed", map[string]any{
		"reason":                  reason,
		"errors_cleared":          out.ErrorsCleared,
		"cycles_since_validation": h.RenaissanceSinceValidation,
	})
	return contracts.CorrectionResult{
		Success: true,
		Cycle:   &out,
		Status:  h.Status,
		Message: fmt.Sprintf("renaissance completed: %d errors cleared, %d modules reset",
			out.ErrorsCleared, len(out.ModulesReset)),
	}
}

// resetLocked purges resolved and non-critical errors, closes the remaining
// H0 errors, restores every module and zeroes the failure counter. Only the
// purged errors count as cleared.
func (e *Engine) resetLocked(cycle *contracts.RecoveryCycle) {
	kept := e.errors[:0]
	cleared := 0
	for _, se := range e.errors {
		if se.Resolved || se.Tier != contracts.TierH0 {
			cleared++
			continue
		}
		e.resolveLocked(se, "renaissance:"+cycle.ID)
		kept = append(kept, se)
	}
	for i := len(kept); i < len(e.errors); i++ {
		e.errors[i] = nil
	}
	e.errors = kept

	reset := map[string]bool{}
	for m, st := range e.modules {
		if st != contracts.ModuleOperational {
			reset[m] = true
			e.modules[m] = contracts.ModuleOperational
		}
	}
	cycle.ErrorsCleared = cleared
	cycle.ModulesReset = sortedKeys(reset)
	e.consecutiveFailures = 0
}
