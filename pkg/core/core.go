// Package core wires the priority model, scanner, arbitrator, distress
// monitor, security gate and recovery engine into the operations the agent
// and its operators call.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/arbitration"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/audit"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/contracts"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/distress"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/gate"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/notify"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/observability"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/recovery"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/scanner"
)

const (
	DefaultGeneratorTimeout = 30 * time.Second
	DefaultExecutorTimeout  = 60 * time.Second

	// LowConfidenceThreshold marks a candidate as a low-confidence output
	// for the distress score.
	LowConfidenceThreshold = 0.5
)

var (
	ErrNoCandidates   = errors.New("core: no candidates submitted")
	ErrNoGenerator    = errors.New("core: no hypothesis generator configured")
	ErrNoExecutor     = errors.New("core: no executor configured")
	ErrNotConfigured  = errors.New("core: scanner and gate are required")
	ErrGeneratorFault = errors.New("core: hypothesis generator failed")
)

// DeliberationRequest asks the generator for candidates.
type DeliberationRequest struct {
	Prompt          string              `json:"prompt"`
	RequesterID     string              `json:"requester_id"`
	ContextID       string              `json:"context_id,omitempty"`
	MemoryConflicts int                 `json:"memory_conflicts,omitempty"`
	Scan            scanner.ScanContext `json:"-"`
}

// HypothesisGenerator produces competing candidates for a prompt.
type HypothesisGenerator interface {
	Generate(ctx context.Context, req DeliberationRequest) ([]contracts.Candidate, error)
}

// Executor runs sealed actions. Dispatch admits every action through the
// gate before handing it over.
type Executor interface {
	Execute(ctx context.Context, action *contracts.SignedAction) (*contracts.Outcome, error)
}

// Config tunes the core and the components it builds.
type Config struct {
	ApprovalThreshold   float64
	MaxRenaissance      int
	EscalationThreshold int
	DistressHysteresis  int
	IssueInactiveCycles int
	GeneratorTimeout    time.Duration
	ExecutorTimeout     time.Duration
}

// Deps are the collaborators of the core. Scanner and Gate are required.
type Deps struct {
	Scanner   *scanner.Scanner
	Gate      *gate.Gate
	Audit     audit.Sink
	Notifier  notify.Notifier
	Metrics   *observability.Provider
	Generator HypothesisGenerator
	Executor  Executor
}

// Core is the decision-arbitration and self-healing core.
type Core struct {
	cfg        Config
	scanner    *scanner.Scanner
	gate       *gate.Gate
	arbitrator *arbitration.Arbitrator
	distress   *distress.Monitor
	recovery   *recovery.Engine
	metrics    *observability.Provider
	generator  HypothesisGenerator
	executor   Executor
	log        *slog.Logger
}

// New builds the arbitrator, distress monitor and recovery engine and wires
// them to deps.
func New(cfg Config, deps Deps) (*Core, error) {
	if deps.Scanner == nil || deps.Gate == nil {
		return nil, ErrNotConfigured
	}
	if cfg.GeneratorTimeout <= 0 {
		cfg.GeneratorTimeout = DefaultGeneratorTimeout
	}
	if cfg.ExecutorTimeout <= 0 {
		cfg.ExecutorTimeout = DefaultExecutorTimeout
	}
	if deps.Audit == nil {
		deps.Audit = audit.Discard
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLogNotifier(nil)
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.Disabled()
	}

	arb := arbitration.New(arbitration.Config{ApprovalThreshold: cfg.ApprovalThreshold}, deps.Audit, deps.Notifier)
	mon := distress.NewMonitor(distress.Config{
		Hysteresis:          cfg.DistressHysteresis,
		InactiveAfterCycles: cfg.IssueInactiveCycles,
	})
	eng := recovery.New(recovery.Config{
		MaxRenaissanceWithoutAdmin: cfg.MaxRenaissance,
		EscalationThreshold:        cfg.EscalationThreshold,
	}, arb, mon, deps.Audit, deps.Notifier)

	return &Core{
		cfg:        cfg,
		scanner:    deps.Scanner,
		gate:       deps.Gate,
		arbitrator: arb,
		distress:   mon,
		recovery:   eng,
		metrics:    deps.Metrics,
		generator:  deps.Generator,
		executor:   deps.Executor,
		log:        slog.Default().With("component", "core"),
	}, nil
}

// WithClock overrides the clock of every stateful component.
func (c *Core) WithClock(clock func() time.Time) *Core {
	c.arbitrator.WithClock(clock)
	c.distress.WithClock(clock)
	c.recovery.WithClock(clock)
	c.gate.WithClock(clock)
	return c
}

// ConflictRequest is a candidate set submitted for arbitration.
type ConflictRequest struct {
	Candidates      []contracts.Candidate `json:"candidates"`
	RequesterID     string                `json:"requester_id"`
	ContextID       string                `json:"context_id,omitempty"`
	MemoryConflicts int                   `json:"memory_conflicts,omitempty"`
	Scan            scanner.ScanContext   `json:"-"`
}

// ResolveConflict scans every candidate, arbitrates, and feeds the outcome
// to the distress monitor.
func (c *Core) ResolveConflict(ctx context.Context, req ConflictRequest) (*contracts.ArbitrationResult, error) {
	if len(req.Candidates) == 0 {
		return nil, ErrNoCandidates
	}
	ctx, finish := c.metrics.TrackOperation(ctx, "phoenix.resolve_conflict",
		observability.ConflictOperation(req.RequesterID, len(req.Candidates))...)

	sc := req.Scan
	if sc.RequesterID == "" {
		sc.RequesterID = req.RequesterID
	}
	if sc.ContextID == "" {
		sc.ContextID = req.ContextID
	}
	scanned := make([]contracts.Candidate, len(req.Candidates))
	var observed []contracts.Violation
	lowConf := 0
	for i, cand := range req.Candidates {
		scanned[i] = c.scanner.ScanCandidate(ctx, cand, sc)
		observed = append(observed, scanned[i].Violations...)
		if cand.Confidence < LowConfidenceThreshold {
			lowConf++
		}
	}

	res := c.arbitrator.Resolve(ctx, scanned, req.RequesterID, req.ContextID)

	c.distress.Observe(ctx, observed)
	score := c.distress.Update(ctx, lowConf, req.MemoryConflicts)

	c.metrics.RecordArbitration(ctx, string(res.Status))
	c.metrics.RecordDistress(ctx, score)
	observability.SetSpanAttributes(ctx,
		observability.AttrConflictID.String(res.ConflictID),
		observability.AttrStatus.String(string(res.Status)),
	)
	finish(nil)
	return res, nil
}

// Deliberate asks the generator for candidates under a bounded timeout and
// arbitrates them. A generator failure is reported to the recovery engine as
// a transient fault with a retry that calls the generator again.
func (c *Core) Deliberate(ctx context.Context, req DeliberationRequest) (*contracts.ArbitrationResult, error) {
	if c.generator == nil {
		return nil, ErrNoGenerator
	}
	generate := func(ctx context.Context) ([]contracts.Candidate, error) {
		gctx, cancel := context.WithTimeout(ctx, c.cfg.GeneratorTimeout)
		defer cancel()
		return c.generator.Generate(gctx, req)
	}

	cands, err := generate(ctx)
	if err != nil {
		var retried []contracts.Candidate
		cr := c.reportCollaboratorFault(ctx, "generator", "", err, func(ctx context.Context) error {
			out, err := generate(ctx)
			if err == nil && len(out) == 0 {
				err = ErrNoCandidates
			}
			retried = out
			return err
		})
		if cr.Strategy == contracts.StrategyRetry && cr.Success && len(retried) > 0 {
			cands = retried
		} else {
			return nil, &CollaboratorError{Op: "generate", Err: err, Correction: cr}
		}
	}
	return c.ResolveConflict(ctx, ConflictRequest{
		Candidates:      cands,
		RequesterID:     req.RequesterID,
		ContextID:       req.ContextID,
		MemoryConflicts: req.MemoryConflicts,
		Scan:            req.Scan,
	})
}

// CollaboratorError is returned when the generator or executor fails. It
// carries what the recovery engine did about it.
type CollaboratorError struct {
	Op         string
	Err        error
	Correction contracts.CorrectionResult
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("core: %s failed: %v (recovery: %s)", e.Op, e.Err, e.Correction.Message)
}

func (e *CollaboratorError) Unwrap() []error {
	if e.Op == "generate" {
		return []error{ErrGeneratorFault, e.Err}
	}
	return []error{e.Err}
}

// reportCollaboratorFault turns a generator or executor failure into a
// SystemError. Cancellation is reported with the cancelled severity so it
// never counts as a failure. Rollback only ever touches conflictID; a fault
// with no conflict of its own never rolls back someone else's.
func (c *Core) reportCollaboratorFault(ctx context.Context, module, conflictID string, err error, retry func(context.Context) error) contracts.CorrectionResult {
	rep := recovery.ErrorReport{
		Module:     module,
		Tier:       contracts.TierH2,
		Kind:       contracts.KindTransient,
		Message:    err.Error(),
		ConflictID: conflictID,
		Unscoped:   conflictID == "",
		Retry:      retry,
	}
	if errors.Is(err, context.Canceled) {
		rep.Severity = contracts.SeverityCancelled
		rep.Kind = contracts.KindCancelled
		rep.Retry = nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		rep.Message = fmt.Sprintf("%s timed out: %v", module, err)
	}
	// The caller's context may be the one that failed; corrections run on a
	// context that keeps its values but not its deadline.
	return c.ReportError(context.WithoutCancel(ctx), rep)
}

// EvaluateAction scans an action without authorizing it. It has no side
// effects, so repeated calls return identical results.
func (c *Core) EvaluateAction(ctx context.Context, action contracts.ActionRequest, sc scanner.ScanContext) scanner.ScanResult {
	return c.scanner.Scan(ctx, scanner.Input{Action: &action}, sc)
}

// Authorization is the gate's verdict plus the sealed action when allowed.
type Authorization struct {
	contracts.SecurityGateResult
	Sealed *contracts.SignedAction `json:"sealed,omitempty"`
}

// Authorize runs the security gate and seals an allowed action. A locked
// system authorizes nothing.
func (c *Core) Authorize(ctx context.Context, req contracts.ActionRequest, sc scanner.ScanContext) (*Authorization, error) {
	ctx, finish := c.metrics.TrackOperation(ctx, "phoenix.authorize",
		observability.ActionOperation(req.ID, req.Tool, string(req.Scope))...)

	if h := c.recovery.Health(); h.Status == contracts.HealthLocked {
		c.metrics.RecordAuthorization(ctx, req.Tool, false)
		finish(nil)
		return &Authorization{SecurityGateResult: contracts.SecurityGateResult{
			Reason: "system locked pending admin validation: " + h.LockReason,
		}}, nil
	}
	if sc.RequesterID == "" {
		sc.RequesterID = req.RequesterID
	}
	res := c.gate.Authorize(ctx, req, sc)
	c.metrics.RecordAuthorization(ctx, req.Tool, res.Allowed)
	observability.SetSpanAttributes(ctx, observability.AttrAllowed.Bool(res.Allowed))

	out := &Authorization{SecurityGateResult: res}
	if !res.Allowed {
		finish(nil)
		return out, nil
	}
	sealed, err := c.gate.Seal(req)
	if err != nil {
		finish(err)
		return nil, fmt.Errorf("core: seal action: %w", err)
	}
	out.Sealed = sealed
	finish(nil)
	return out, nil
}

// ReportError hands a failure to the recovery engine.
func (c *Core) ReportError(ctx context.Context, rep recovery.ErrorReport) contracts.CorrectionResult {
	ctx, finish := c.metrics.TrackOperation(ctx, "phoenix.report_error",
		observability.ErrorOperation(rep.Module, rep.Tier)...)
	c.metrics.RecordErrorReported(ctx, rep.Module, rep.Tier)
	res := c.recovery.ReportError(ctx, rep)
	c.recordCycle(ctx, res)
	observability.SetSpanAttributes(ctx, observability.AttrStrategy.String(string(res.Strategy)))
	finish(nil)
	return res
}

func (c *Core) recordCycle(ctx context.Context, res contracts.CorrectionResult) {
	if res.Cycle != nil {
		c.metrics.RecordCycle(ctx, res.Cycle.Status)
	}
}
