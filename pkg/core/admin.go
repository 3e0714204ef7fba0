package core

import (
	"context"

	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/audit"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/axioms"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/contracts"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/gate"
)

// AdminValidate unlocks a locked system.
func (c *Core) AdminValidate(ctx context.Context, adminID string) (contracts.SystemHealth, error) {
	return c.recovery.AdminValidate(audit.WithActor(ctx, adminID), adminID)
}

// ForceRenaissance runs an operator reset that bypasses the lock.
func (c *Core) ForceRenaissance(ctx context.Context, adminID, reason string) (contracts.CorrectionResult, error) {
	res, err := c.recovery.ForceRenaissance(audit.WithActor(ctx, adminID), adminID, reason)
	if err == nil {
		c.recordCycle(ctx, res)
	}
	return res, err
}

// TriggerRenaissance runs a reset cycle, subject to the lockout.
func (c *Core) TriggerRenaissance(ctx context.Context, reason string) contracts.CorrectionResult {
	res := c.recovery.TriggerRenaissance(ctx, reason)
	c.recordCycle(ctx, res)
	return res
}

// AdminOverride force-approves a blocked or pending conflict.
func (c *Core) AdminOverride(ctx context.Context, conflictID, adminID, optionID, justification string) (*contracts.ArbitrationResult, error) {
	res, err := c.arbitrator.AdminOverride(audit.WithActor(ctx, adminID), conflictID, adminID, optionID, justification)
	if err == nil {
		c.metrics.RecordArbitration(ctx, "override")
	}
	return res, err
}

// Rollback marks a past conflict rolled back.
func (c *Core) Rollback(ctx context.Context, conflictID, reason, requesterID string) error {
	return c.arbitrator.InitiateRollback(audit.WithActor(ctx, requesterID), conflictID, reason, requesterID)
}

// ResolveError closes a SystemError on an operator's word.
func (c *Core) ResolveError(ctx context.Context, errorID, adminID string) error {
	return c.recovery.ResolveError(ctx, errorID, adminID)
}

// ResolveIssue deactivates a distress issue.
func (c *Core) ResolveIssue(issueID string) error {
	return c.distress.ResolveIssue(issueID)
}

func (c *Core) Health() contracts.SystemHealth { return c.recovery.Health() }

func (c *Core) DecisionLog() []contracts.LogEntry { return c.arbitrator.DecisionLog() }

func (c *Core) Result(conflictID string) (*contracts.ArbitrationResult, bool) {
	return c.arbitrator.Result(conflictID)
}

func (c *Core) PendingApprovals() []contracts.ApprovalRequest { return c.arbitrator.PendingApprovals() }

func (c *Core) Errors(includeResolved bool) []contracts.SystemError {
	return c.recovery.Errors(includeResolved)
}

func (c *Core) Cycles(n int) []contracts.RecoveryCycle { return c.recovery.Cycles(n) }

func (c *Core) ModuleHealth() map[string]contracts.ModuleStatus { return c.recovery.ModuleHealth() }

// Registry returns the axiom registry in force.
func (c *Core) Registry() *axioms.Registry { return c.scanner.Registry() }

// Tools returns the tool allow-list in force.
func (c *Core) Tools() *gate.AllowList { return c.gate.Tools() }

// DistressReport is the distress monitor's current state.
type DistressReport struct {
	Score         int               `json:"score"`
	ShouldCorrect bool              `json:"should_correct"`
	Cycle         uint64            `json:"cycle"`
	Issues        []contracts.Issue `json:"issues"`
}

// Distress reports the distress score and the open issues, H0 first.
func (c *Core) Distress(includeInactive bool) DistressReport {
	score := c.distress.Score()
	return DistressReport{
		Score:         score,
		ShouldCorrect: c.distress.ShouldInitiateCorrection(),
		Cycle:         c.distress.Cycle(),
		Issues:        c.distress.Issues(includeInactive),
	}
}
