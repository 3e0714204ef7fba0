package contracts

import "time"

// ErrorKind is the error taxonomy of the core.
type ErrorKind string

const (
	KindPolicyViolation      ErrorKind = "policy_violation"
	KindAuthorizationFailure ErrorKind = "authorization_failure"
	KindTransient            ErrorKind = "transient_fault"
	KindSystemLock           ErrorKind = "system_lock"
	KindCancelled            ErrorKind = "cancelled"
	KindInternal             ErrorKind = "internal"
)

// SystemError is a failure reported by any component or collaborator.
type SystemError struct {
	ID                  string    `json:"id"`
	Module              string    `json:"module"`
	Severity            Severity  `json:"severity"`
	Tier                Tier      `json:"tier"`
	Kind                ErrorKind `json:"kind"`
	Message             string    `json:"message"`
	CorrectionAttempted Strategy  `json:"correction_attempted,omitempty"`
	Resolved            bool      `json:"resolved"`
	ResolvedBy          string    `json:"resolved_by,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	ResolvedAt          time.Time `json:"resolved_at,omitempty"`
}

// Strategy is a correction strategy of the recovery engine.
type Strategy string

const (
	StrategyNone        Strategy = ""
	StrategyRetry       Strategy = "retry"
	StrategyAlternative Strategy = "alternative"
	StrategyRollback    Strategy = "rollback"
	StrategyRenaissance Strategy = "renaissance"
)

// CycleStatus is the state of a recovery cycle.
type CycleStatus string

const (
	CycleInProgress CycleStatus = "in_progress"
	CycleCompleted  CycleStatus = "completed"
	CycleFailed     CycleStatus = "failed"
	CycleBlocked    CycleStatus = "blocked"
)

// RecoveryCycle is one renaissance attempt. The history is append-only.
type RecoveryCycle struct {
	ID             string      `json:"id"`
	TriggeredAt    time.Time   `json:"triggered_at"`
	CompletedAt    time.Time   `json:"completed_at,omitempty"`
	Reason         string      `json:"reason"`
	ErrorsCleared  int         `json:"errors_cleared"`
	ModulesReset   []string    `json:"modules_reset"`
	Status         CycleStatus `json:"status"`
	AdminValidated bool        `json:"admin_validated"`
	ValidatedBy    string      `json:"validated_by,omitempty"`
	Forced         bool        `json:"forced,omitempty"`
}

// HealthStatus is the derived state of the recovery state machine.
type HealthStatus string

const (
	HealthHealthy    HealthStatus = "healthy"
	HealthDegraded   HealthStatus = "degraded"
	HealthCritical   HealthStatus = "critical"
	HealthRecovering HealthStatus = "recovering"
	HealthLocked     HealthStatus = "locked"
)

// ModuleStatus is the health of one reporting module.
type ModuleStatus string

const (
	ModuleOperational ModuleStatus = "operational"
	ModuleDegraded    ModuleStatus = "degraded"
	ModuleFailed      ModuleStatus = "failed"
)

// SystemHealth is computed on demand from errors and cycles.
type SystemHealth struct {
	Status                     HealthStatus `json:"status"`
	ErrorCount                 int          `json:"error_count"`
	CriticalErrorCount         int          `json:"critical_error_count"`
	ConsecutiveFailures        int          `json:"consecutive_failures"`
	PendingAdminValidation     bool         `json:"pending_admin_validation"`
	RenaissanceSinceValidation int          `json:"renaissance_since_validation"`
	LockReason                 string       `json:"lock_reason,omitempty"`
	LastTrigger                string       `json:"last_trigger,omitempty"`
}

// CorrectionResult is returned by every error report and recovery call.
type CorrectionResult struct {
	ErrorID                   string         `json:"error_id,omitempty"`
	Strategy                  Strategy       `json:"strategy"`
	Attempted                 []Strategy     `json:"attempted,omitempty"`
	Success                   bool           `json:"success"`
	Escalated                 bool           `json:"escalated"`
	EscalationDeferred        bool           `json:"escalation_deferred,omitempty"`
	RequiresAdminIntervention bool           `json:"requires_admin_intervention"`
	Cycle                     *RecoveryCycle `json:"cycle,omitempty"`
	Status                    HealthStatus   `json:"status"`
	Message                   string         `json:"message"`
}
