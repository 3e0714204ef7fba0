package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/audit"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/axioms"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/contracts"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/gate"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/notify"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/observability"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/recovery"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/scanner"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/store"
)

type generatorFunc func(ctx context.Context, req DeliberationRequest) ([]contracts.Candidate, error)

func (f generatorFunc) Generate(ctx context.Context, req DeliberationRequest) ([]contracts.Candidate, error) {
	return f(ctx, req)
}

type executorFunc func(ctx context.Context, sa *contracts.SignedAction) (*contracts.Outcome, error)

func (f executorFunc) Execute(ctx context.Context, sa *contracts.SignedAction) (*contracts.Outcome, error) {
	return f(ctx, sa)
}

type harness struct {
	core    *Core
	audit   *store.AuditStore
	pages   *notify.Recorder
	metrics *sdkmetric.ManualReader
}

func newHarness(t *testing.T, cfg Config, gen HypothesisGenerator, exec Executor) *harness {
	t.Helper()
	sc, err := scanner.New(axioms.MustDefault())
	require.NoError(t, err)
	tools, err := gate.DefaultAllowList()
	require.NoError(t, err)
	signer, err := gate.NewSigner([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	as := store.NewAuditStore()
	sink := audit.NewChainSink(as)
	g, err := gate.New(gate.Config{Scanner: sc, Tools: tools, Signer: signer, Audit: sink})
	require.NoError(t, err)

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observability.NewWithMeterProvider(mp)
	require.NoError(t, err)

	pages := notify.NewRecorder(64)
	c, err := New(cfg, Deps{
		Scanner:   sc,
		Gate:      g,
		Audit:     sink,
		Notifier:  pages,
		Metrics:   m,
		Generator: gen,
		Executor:  exec,
	})
	require.NoError(t, err)
	return &harness{core: c, audit: as, pages: pages, metrics: reader}
}

func (h *harness) counter(t *testing.T, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, h.metrics.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

var (
	cleanA = contracts.Candidate{ID: "a", Content: "The quarterly report shows revenue grew by four percent.", Confidence: 0.9}
	cleanB = contracts.Candidate{ID: "b", Content: "Revenue grew.", Confidence: 0.6}
	wipe   = contracts.Candidate{ID: "w", Content: "lorem ipsum, and DROP DATABASE prod", Confidence: 0.99}
)

func TestNew_RequiresScannerAndGate(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestResolveConflict(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	ctx := context.Background()

	mixed, err := h.core.ResolveConflict(ctx, ConflictRequest{
		Candidates:  []contracts.Candidate{wipe, cleanA},
		RequesterID: "user-1",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusBlocked, mixed.Status, "one H0 candidate blocks the whole conflict")
	assert.Nil(t, mixed.Chosen)
	assert.Contains(t, mixed.BlockReason, "w")

	report := h.core.Distress(false)
	assert.Positive(t, report.Score)
	assert.Equal(t, uint64(1), report.Cycle)
	require.NotEmpty(t, report.Issues)
	assert.Equal(t, contracts.TierH0, report.Issues[0].Tier, "H0 issues come first")

	res, err := h.core.ResolveConflict(ctx, ConflictRequest{
		Candidates:  []contracts.Candidate{cleanA},
		RequesterID: "user-1",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusApproved, res.Status)
	require.NotNil(t, res.Chosen)
	assert.Equal(t, "a", res.Chosen.ID)

	got, ok := h.core.Result(res.ConflictID)
	require.True(t, ok)
	assert.Equal(t, res.ConflictID, got.ConflictID)

	assert.Equal(t, int64(2), h.counter(t, "phoenix.arbitrations"))
}

func TestResolveConflict_AllH0Blocked(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	res, err := h.core.ResolveConflict(context.Background(), ConflictRequest{
		Candidates:  []contracts.Candidate{wipe},
		RequesterID: "user-1",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusBlocked, res.Status)
	assert.True(t, res.RequiresApproval)
	assert.Nil(t, res.Chosen)
	require.Len(t, h.core.PendingApprovals(), 1)

	var h0Pages int
	for _, n := range h.pages.Drain() {
		if n.Kind == notify.KindH0Violation {
			h0Pages++
		}
	}
	assert.Equal(t, 1, h0Pages)

	over, err := h.core.AdminOverride(context.Background(), res.ConflictID, "admin-1", "w", "sandbox database, reviewed")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusApproved, over.Status)
	assert.Empty(t, h.core.PendingApprovals())
}

func TestResolveConflict_Empty(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	_, err := h.core.ResolveConflict(context.Background(), ConflictRequest{RequesterID: "u"})
	assert.ErrorIs(t, err, ErrNoCandidates)
	assert.Empty(t, h.core.DecisionLog())
}

func TestResolveConflict_MemoryConflictsRaiseDistress(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	_, err := h.core.ResolveConflict(context.Background(), ConflictRequest{
		Candidates:      []contracts.Candidate{cleanA},
		RequesterID:     "u",
		MemoryConflicts: 6,
	})
	require.NoError(t, err)
	assert.True(t, h.core.Distress(false).ShouldCorrect)
}

func TestRollback(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	ctx := context.Background()
	res, err := h.core.ResolveConflict(ctx, ConflictRequest{Candidates: []contracts.Candidate{cleanA, cleanB}, RequesterID: "u"})
	require.NoError(t, err)

	require.NoError(t, h.core.Rollback(ctx, res.ConflictID, "operator changed their mind", "admin-1"))
	got, ok := h.core.Result(res.ConflictID)
	require.True(t, ok)
	assert.Equal(t, contracts.StatusRolledBack, got.Status)
}

func TestDeliberate(t *testing.T) {
	gen := generatorFunc(func(_ context.Context, req DeliberationRequest) ([]contracts.Candidate, error) {
		return []contracts.Candidate{cleanA, cleanB}, nil
	})
	h := newHarness(t, Config{}, gen, nil)
	res, err := h.core.Deliberate(context.Background(), DeliberationRequest{Prompt: "summarize", RequesterID: "u"})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusApproved, res.Status)
}

func TestDeliberate_RetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	gen := generatorFunc(func(_ context.Context, _ DeliberationRequest) ([]contracts.Candidate, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("model backend unavailable")
		}
		return []contracts.Candidate{cleanA}, nil
	})
	h := newHarness(t, Config{}, gen, nil)

	res, err := h.core.Deliberate(context.Background(), DeliberationRequest{Prompt: "p", RequesterID: "u"})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusApproved, res.Status)
	assert.Equal(t, int32(2), calls.Load())

	errs := h.core.Errors(true)
	require.Len(t, errs, 1)
	assert.Equal(t, "generator", errs[0].Module)
	assert.Equal(t, contracts.KindTransient, errs[0].Kind)
	assert.Equal(t, "retry", errs[0].ResolvedBy)
	assert.Zero(t, h.core.Health().ConsecutiveFailures)
	assert.Equal(t, contracts.ModuleDegraded, h.core.ModuleHealth()["generator"], "only an alternative restores the module")
}

func TestDeliberate_PersistentFailure(t *testing.T) {
	gen := generatorFunc(func(_ context.Context, _ DeliberationRequest) ([]contracts.Candidate, error) {
		return nil, errors.New("model backend unavailable")
	})
	h := newHarness(t, Config{}, gen, nil)

	_, err := h.core.Deliberate(context.Background(), DeliberationRequest{Prompt: "p", RequesterID: "u"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGeneratorFault)

	var ce *CollaboratorError
	require.ErrorAs(t, err, &ce)
	assert.False(t, ce.Correction.Success)
	assert.True(t, ce.Correction.EscalationDeferred)
	assert.Equal(t, contracts.HealthDegraded, h.core.Health().Status)
}

func TestDeliberate_FaultLeavesOtherConflictsAlone(t *testing.T) {
	gen := generatorFunc(func(_ context.Context, _ DeliberationRequest) ([]contracts.Candidate, error) {
		return nil, context.DeadlineExceeded
	})
	h := newHarness(t, Config{}, gen, nil)
	ctx := context.Background()

	bobs, err := h.core.ResolveConflict(ctx, ConflictRequest{Candidates: []contracts.Candidate{cleanA}, RequesterID: "bob"})
	require.NoError(t, err)
	require.Equal(t, contracts.StatusApproved, bobs.Status)

	_, err = h.core.Deliberate(ctx, DeliberationRequest{Prompt: "p", RequesterID: "alice"})
	var ce *CollaboratorError
	require.ErrorAs(t, err, &ce)
	assert.NotContains(t, ce.Correction.Attempted, contracts.StrategyRollback)

	got, ok := h.core.Result(bobs.ConflictID)
	require.True(t, ok)
	assert.Equal(t, contracts.StatusApproved, got.Status)
}

func TestDeliberate_GeneratorTimeout(t *testing.T) {
	gen := generatorFunc(func(ctx context.Context, _ DeliberationRequest) ([]contracts.Candidate, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, Config{GeneratorTimeout: 10 * time.Millisecond}, gen, nil)

	_, err := h.core.Deliberate(context.Background(), DeliberationRequest{Prompt: "p", RequesterID: "u"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	errs := h.core.Errors(false)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "generator timed out")
}

func TestDeliberate_NoGenerator(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	_, err := h.core.Deliberate(context.Background(), DeliberationRequest{})
	assert.ErrorIs(t, err, ErrNoGenerator)
}

func TestEvaluateAction_IsPure(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	req := contracts.ActionRequest{ID: "a1", Tool: "shell", Scope: contracts.ScopeSystem, Params: map[string]any{"command": "rm -rf /"}}

	first := h.core.EvaluateAction(context.Background(), req, scanner.ScanContext{})
	second := h.core.EvaluateAction(context.Background(), req, scanner.ScanContext{})
	assert.False(t, first.CanProceed)
	assert.Equal(t, first, second)
	assert.Zero(t, h.audit.Size())
}

func searchRequest(id string) contracts.ActionRequest {
	return contracts.ActionRequest{
		ID:          id,
		Tool:        "search",
		Scope:       contracts.ScopeRead,
		Params:      map[string]any{"query": "weather in Lyon"},
		RequesterID: "user-1",
	}
}

func TestAuthorize_SealsAllowedActions(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	ctx := context.Background()

	auth, err := h.core.Authorize(ctx, searchRequest("a1"), scanner.ScanContext{})
	require.NoError(t, err)
	require.True(t, auth.Allowed, auth.Reason)
	require.NotNil(t, auth.Sealed)
	assert.NotEmpty(t, auth.Sealed.Signature)
	assert.Equal(t, int64(1), h.counter(t, "phoenix.authorizations"))

	denied, err := h.core.Authorize(ctx, contracts.ActionRequest{ID: "a2", Tool: "teleport"}, scanner.ScanContext{})
	require.NoError(t, err)
	assert.False(t, denied.Allowed)
	assert.Nil(t, denied.Sealed)
}

func TestAuthorize_LockedSystemAuthorizesNothing(t *testing.T) {
	h := newHarness(t, Config{MaxRenaissance: 1}, nil, nil)
	ctx := context.Background()

	first := h.core.TriggerRenaissance(ctx, "first")
	require.NotNil(t, first.Cycle)
	assert.Equal(t, contracts.CycleCompleted, first.Cycle.Status)

	second := h.core.TriggerRenaissance(ctx, "second")
	assert.True(t, second.RequiresAdminIntervention)
	require.Equal(t, contracts.HealthLocked, h.core.Health().Status)

	auth, err := h.core.Authorize(ctx, searchRequest("a1"), scanner.ScanContext{})
	require.NoError(t, err)
	assert.False(t, auth.Allowed)
	assert.Contains(t, auth.Reason, "system locked")

	health, err := h.core.AdminValidate(ctx, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.HealthHealthy, health.Status)

	auth, err = h.core.Authorize(ctx, searchRequest("a2"), scanner.ScanContext{})
	require.NoError(t, err)
	assert.True(t, auth.Allowed)
	assert.Equal(t, int64(2), h.counter(t, "phoenix.renaissance_cycles"))
}

func TestDispatch(t *testing.T) {
	var seen []*contracts.SignedAction
	exec := executorFunc(func(_ context.Context, sa *contracts.SignedAction) (*contracts.Outcome, error) {
		seen = append(seen, sa)
		return &contracts.Outcome{ActionID: sa.Request.ID, Success: true, Output: "sunny"}, nil
	})
	h := newHarness(t, Config{}, nil, exec)

	res, err := h.core.Dispatch(context.Background(), searchRequest("a1"), scanner.ScanContext{})
	require.NoError(t, err)
	require.NotNil(t, res.Outcome)
	assert.True(t, res.Outcome.Success)
	assert.Nil(t, res.Correction)
	require.Len(t, seen, 1)
	assert.Equal(t, "a1", seen[0].Request.ID)
	assert.Empty(t, h.core.Errors(true))
}

func TestDispatch_DeniedNeverExecutes(t *testing.T) {
	var calls int
	exec := executorFunc(func(context.Context, *contracts.SignedAction) (*contracts.Outcome, error) {
		calls++
		return &contracts.Outcome{Success: true}, nil
	})
	h := newHarness(t, Config{}, nil, exec)

	req := contracts.ActionRequest{ID: "a1", Tool: "shell", Scope: contracts.ScopeSystem, Params: map[string]any{"command": "rm -rf /"}, RequesterID: "u"}
	res, err := h.core.Dispatch(context.Background(), req, scanner.ScanContext{})
	require.NoError(t, err)
	assert.False(t, res.Authorization.Allowed)
	assert.Nil(t, res.Outcome)
	assert.Zero(t, calls)
}

func TestDispatch_RetriesWithFreshSeal(t *testing.T) {
	var nonces []string
	exec := executorFunc(func(_ context.Context, sa *contracts.SignedAction) (*contracts.Outcome, error) {
		nonces = append(nonces, sa.Nonce)
		if len(nonces) == 1 {
			return &contracts.Outcome{ActionID: sa.Request.ID, Success: false, Output: "connection reset"}, nil
		}
		return &contracts.Outcome{ActionID: sa.Request.ID, Success: true}, nil
	})
	h := newHarness(t, Config{}, nil, exec)

	res, err := h.core.Dispatch(context.Background(), searchRequest("a1"), scanner.ScanContext{})
	require.NoError(t, err)
	require.NotNil(t, res.Correction)
	assert.Equal(t, contracts.StrategyRetry, res.Correction.Strategy)
	assert.True(t, res.Correction.Success)
	assert.True(t, res.Outcome.Success)
	require.Len(t, nonces, 2)
	assert.NotEqual(t, nonces[0], nonces[1])

	errs := h.core.Errors(true)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "connection reset")
	assert.Equal(t, "executor", errs[0].Module)
}

func TestDispatch_FailureRollsBackItsOwnConflict(t *testing.T) {
	exec := executorFunc(func(_ context.Context, sa *contracts.SignedAction) (*contracts.Outcome, error) {
		return nil, errors.New("disk full")
	})
	h := newHarness(t, Config{}, nil, exec)
	ctx := context.Background()

	alices, err := h.core.ResolveConflict(ctx, ConflictRequest{Candidates: []contracts.Candidate{cleanA}, RequesterID: "alice"})
	require.NoError(t, err)
	bobs, err := h.core.ResolveConflict(ctx, ConflictRequest{Candidates: []contracts.Candidate{cleanA}, RequesterID: "bob"})
	require.NoError(t, err)

	req := searchRequest("a1")
	req.RequesterID = "alice"
	req.ConflictID = alices.ConflictID
	res, err := h.core.Dispatch(ctx, req, scanner.ScanContext{})
	require.NoError(t, err)
	require.NotNil(t, res.Correction)
	assert.Equal(t, contracts.StrategyRollback, res.Correction.Strategy)
	assert.True(t, res.Correction.Success)

	got, _ := h.core.Result(alices.ConflictID)
	assert.Equal(t, contracts.StatusRolledBack, got.Status)
	got, _ = h.core.Result(bobs.ConflictID)
	assert.Equal(t, contracts.StatusApproved, got.Status, "the most recent conflict is not the failing action's")
}

func TestDispatch_FailureWithoutConflictSkipsRollback(t *testing.T) {
	exec := executorFunc(func(_ context.Context, sa *contracts.SignedAction) (*contracts.Outcome, error) {
		return nil, errors.New("disk full")
	})
	h := newHarness(t, Config{}, nil, exec)
	ctx := context.Background()

	bobs, err := h.core.ResolveConflict(ctx, ConflictRequest{Candidates: []contracts.Candidate{cleanA}, RequesterID: "bob"})
	require.NoError(t, err)

	res, err := h.core.Dispatch(ctx, searchRequest("a1"), scanner.ScanContext{})
	require.NoError(t, err)
	require.NotNil(t, res.Correction)
	assert.False(t, res.Correction.Success)
	assert.Equal(t, []contracts.Strategy{contracts.StrategyRetry}, res.Correction.Attempted)

	got, _ := h.core.Result(bobs.ConflictID)
	assert.Equal(t, contracts.StatusApproved, got.Status)
}

func TestDispatch_CancellationIsNotAFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec := executorFunc(func(ctx context.Context, _ *contracts.SignedAction) (*contracts.Outcome, error) {
		cancel()
		return nil, ctx.Err()
	})
	h := newHarness(t, Config{}, nil, exec)

	res, err := h.core.Dispatch(ctx, searchRequest("a1"), scanner.ScanContext{})
	require.NoError(t, err)
	require.NotNil(t, res.Correction)
	assert.True(t, res.Correction.Success)
	assert.Contains(t, res.Correction.Message, "cancellation recorded")

	errs := h.core.Errors(true)
	require.Len(t, errs, 1)
	assert.Equal(t, contracts.SeverityCancelled, errs[0].Severity)
	assert.True(t, errs[0].Resolved)
	assert.Zero(t, h.core.Health().ConsecutiveFailures)
	assert.Equal(t, contracts.HealthHealthy, h.core.Health().Status)
}

func TestDispatch_Timeout(t *testing.T) {
	exec := executorFunc(func(ctx context.Context, _ *contracts.SignedAction) (*contracts.Outcome, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, Config{ExecutorTimeout: 10 * time.Millisecond}, nil, exec)

	res, err := h.core.Dispatch(context.Background(), searchRequest("a1"), scanner.ScanContext{})
	require.NoError(t, err)
	require.NotNil(t, res.Correction)
	assert.False(t, res.Correction.Success)
	assert.Nil(t, res.Outcome)

	errs := h.core.Errors(false)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "executor timed out")
	assert.Equal(t, 1, h.core.Health().ConsecutiveFailures)
}

func TestDispatch_NoExecutor(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	_, err := h.core.Dispatch(context.Background(), searchRequest("a1"), scanner.ScanContext{})
	assert.ErrorIs(t, err, ErrNoExecutor)
}

func TestReportError_H0ResetsAndPages(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	ctx := context.Background()

	res := h.core.ReportError(ctx, recoveryReport("planner", contracts.TierH0, "emitted a destructive plan"))
	assert.Equal(t, contracts.StrategyRenaissance, res.Strategy)
	require.NotNil(t, res.Cycle)
	assert.Equal(t, contracts.CycleCompleted, res.Cycle.Status)
	assert.Equal(t, int64(1), h.counter(t, "phoenix.errors_reported"))

	var kinds []notify.Kind
	for _, n := range h.pages.Drain() {
		kinds = append(kinds, n.Kind)
	}
	assert.Contains(t, kinds, notify.KindRenaissance)

	require.Len(t, h.core.Cycles(0), 1)
	assert.Equal(t, contracts.ModuleOperational, h.core.ModuleHealth()["planner"])
}

func TestForceRenaissanceAndResolveError(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	ctx := context.Background()

	res := h.core.ReportError(ctx, recoveryReport("memory", contracts.TierH3, "stale index"))
	assert.True(t, res.EscalationDeferred)
	require.NoError(t, h.core.ResolveError(ctx, res.ErrorID, "admin-1"))
	assert.Empty(t, h.core.Errors(false))

	forced, err := h.core.ForceRenaissance(ctx, "admin-1", "maintenance window")
	require.NoError(t, err)
	require.NotNil(t, forced.Cycle)
	assert.True(t, forced.Cycle.Forced)
	assert.True(t, forced.Cycle.AdminValidated)
}

func recoveryReport(module string, tier contracts.Tier, msg string) recovery.ErrorReport {
	return recovery.ErrorReport{Module: module, Tier: tier, Message: msg}
}
