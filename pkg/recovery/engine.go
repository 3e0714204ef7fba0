// Package recovery is the self-healing state machine. It ingests reported
// errors, runs increasingly drastic correction strategies, and performs full
// reset ("renaissance") cycles. After too many resets without an operator
// validating them it locks and refuses further resets.
//
// The engine exclusively owns the error set and the cycle history.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/audit"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/contracts"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/notify"
)

const (
	DefaultMaxRenaissance      = 3
	DefaultEscalationThreshold = 3

	actorRecovery = "recovery-engine"
)

var (
	ErrNotLocked       = errors.New("recovery: system is not locked")
	ErrErrorNotFound   = errors.New("recovery: error not found")
	ErrAlreadyResolved = errors.New("recovery: error already resolved")
	ErrMissingAdmin    = errors.New("recovery: admin id is required")

	errNoRollbacker = errors.New("no arbitrator to roll back")
	errNoConflict   = errors.New("no conflict to roll back")
)

// Rollbacker undoes arbitration decisions and lets a reset run with no
// arbitration in flight. *arbitration.Arbitrator satisfies it.
type Rollbacker interface {
	InitiateRollback(ctx context.Context, conflictID, reason, requesterID string) error
	LastConflictID() string
	Exclusive(fn func())
}

// DistressSource reports whether accumulated distress calls for correction.
// *distress.Monitor satisfies it.
type DistressSource interface {
	ShouldInitiateCorrection() bool
}

// Config tunes the engine.
type Config struct {
	// MaxRenaissanceWithoutAdmin is the number of reset cycles allowed
	// between admin validations.
	MaxRenaissanceWithoutAdmin int
	// EscalationThreshold is the consecutive-failure count at which a
	// non-critical error escalates to a reset.
	EscalationThreshold int
}

// ErrorReport is a failure reported by a component or collaborator.
// Retry and Alternative are the caller's corrective actions; a nil func
// means that strategy is not available.
//
// Rollback targets ConflictID, or the most recent conflict when it is empty.
// Unscoped reports belong to no conflict and skip rollback instead.
type ErrorReport struct {
	Module      string
	Severity    contracts.Severity
	Tier        contracts.Tier
	Kind        contracts.ErrorKind
	Message     string
	ConflictID  string
	Unscoped    bool
	Retry       func(context.Context) error
	Alternative func(context.Context) error
}

// Engine is the recovery state machine.
type Engine struct {
	cfg Config

	// renaissance serialises reset cycles and the counter they guard.
	renaissance sync.Mutex

	mu                  sync.Mutex
	errors              []*contracts.SystemError
	cycles              []*contracts.RecoveryCycle
	modules             map[string]contracts.ModuleStatus
	consecutiveFailures int
	sinceValidation     int
	locked              bool
	lockReason          string
	lastTrigger         string
	recovering          bool

	rollback Rollbacker
	distress DistressSource
	sink     audit.Sink
	notifier notify.Notifier
	clock    func() time.Time
	log      *slog.Logger
}

// New creates an engine. rb and ds may be nil; without a Rollbacker the
// rollback strategy always fails and escalates.
func New(cfg Config, rb Rollbacker, ds DistressSource, sink audit.Sink, n notify.Notifier) *Engine {
	if cfg.MaxRenaissanceWithoutAdmin <= 0 {
		cfg.MaxRenaissanceWithoutAdmin = DefaultMaxRenaissance
	}
	if cfg.EscalationThreshold <= 0 {
		cfg.EscalationThreshold = DefaultEscalationThreshold
	}
	if sink == nil {
		sink = audit.Discard
	}
	if n == nil {
		n = notify.NewLogNotifier(nil)
	}
	return &Engine{
		cfg:      cfg,
		modules:  make(map[string]contracts.ModuleStatus),
		rollback: rb,
		distress: ds,
		sink:     sink,
		notifier: n,
		clock:    time.Now,
		log:      slog.Default().With("component", "recovery"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Locked reports whether resets are refused pending admin validation.
func (e *Engine) Locked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.locked
}

// Health derives the current system health.
func (e *Engine) Health() contracts.SystemHealth {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthLocked()
}

func (e *Engine) healthLocked() contracts.SystemHealth {
	h := contracts.SystemHealth{
		ConsecutiveFailures:        e.consecutiveFailures,
		RenaissanceSinceValidation: e.sinceValidation,
		LockReason:                 e.lockReason,
		LastTrigger:                e.lastTrigger,
	}
	for _, se := range e.errors {
		if se.Resolved {
			continue
		}
		h.ErrorCount++
		if isCritical(se) {
			h.CriticalErrorCount++
		}
	}
	for _, c := range e.cycles {
		if !c.AdminValidated && c.Status != contracts.CycleFailed {
			h.PendingAdminValidation = true
			break
		}
	}
	failed, degraded := false, false
	for _, st := range e.modules {
		switch st {
		case contracts.ModuleFailed:
			failed = true
		case contracts.ModuleDegraded:
			degraded = true
		}
	}

	switch {
	case e.locked:
		h.Status = contracts.HealthLocked
	case e.recovering:
		h.Status = contracts.HealthRecovering
	case h.CriticalErrorCount > 0 || failed:
		h.Status = contracts.HealthCritical
	case h.ErrorCount > 0 || degraded || e.consecutiveFailures > 0:
		h.Status = contracts.HealthDegraded
	default:
		h.Status = contracts.HealthHealthy
	}
	return h
}

func isCritical(se *contracts.SystemError) bool {
	return se.Tier == contracts.TierH0 || se.Severity == contracts.SeverityCritical
}

// Errors lists reported errors in report order.
func (e *Engine) Errors(includeResolved bool) []contracts.SystemError {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]contracts.SystemError, 0, len(e.errors))
	for _, se := range e.errors {
		if includeResolved || !se.Resolved {
			out = append(out, *se)
		}
	}
	return out
}

// Cycles returns the last n recovery cycles, oldest first. n <= 0 returns all.
func (e *Engine) Cycles(n int) []contracts.RecoveryCycle {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := 0
	if n > 0 && n < len(e.cycles) {
		start = len(e.cycles) - n
	}
	out := make([]contracts.RecoveryCycle, 0, len(e.cycles)-start)
	for _, c := range e.cycles[start:] {
		out = append(out, copyCycle(c))
	}
	return out
}

// ModuleHealth returns the per-module health map.
func (e *Engine) ModuleHealth() map[string]contracts.ModuleStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]contracts.ModuleStatus, len(e.modules))
	for k, v := range e.modules {
		out[k] = v
	}
	return out
}

// ResolveError marks an error resolved by an operator.
func (e *Engine) ResolveError(ctx context.Context, errorID, adminID string) error {
	if adminID == "" {
		return ErrMissingAdmin
	}
	e.mu.Lock()
	se := e.findLocked(errorID)
	if se == nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrErrorNotFound, errorID)
	}
	if se.Resolved {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, errorID)
	}
	e.resolveLocked(se, "admin:"+adminID)
	if !e.hasOpenLocked(se.Module) {
		e.modules[se.Module] = contracts.ModuleOperational
	}
	module := se.Module
	e.mu.Unlock()

	e.log.InfoContext(ctx, "error resolved by operator", "error_id", errorID, "admin_id", adminID, "module", module)
	e.record(audit.WithActor(ctx, adminID), audit.EventError, "resolved", "error:"+errorID, map[string]any{
		"module":   module,
		"admin_id": adminID,
	})
	return nil
}

func (e *Engine) findLocked(id string) *contracts.SystemError {
	for _, se := range e.errors {
		if se.ID == id {
			return se
		}
	}
	return nil
}

func (e *Engine) hasOpenLocked(module string) bool {
	for _, se := range e.errors {
		if se.Module == module && !se.Resolved {
			return true
		}
	}
	return false
}

func (e *Engine) resolveLocked(se *contracts.SystemError, by string) {
	se.Resolved = true
	se.ResolvedBy = by
	se.ResolvedAt = e.clock()
}

func (e *Engine) record(ctx context.Context, t audit.EventType, action, resource string, meta map[string]any) {
	if err := e.sink.Record(ctx, t, action, resource, meta); err != nil {
		e.log.WarnContext(ctx, "audit record failed", "event", t, "resource", resource, "error", err)
	}
}

func (e *Engine) page(ctx context.Context, kind notify.Kind, subject, msg string, fields map[string]any) {
	n := notify.Notification{Kind: kind, Subject: subject, Message: msg, Fields: fields, At: e.clock()}
	if err := e.notifier.Notify(ctx, n); err != nil {
		e.log.WarnContext(ctx, "operator notification failed", "kind", kind, "error", err)
	}
}

func copyCycle(c *contracts.RecoveryCycle) contracts.RecoveryCycle {
	out := *c
	out.ModulesReset = append([]string(nil), c.ModulesReset...)
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func newID() string { return uuid.New().String() }
