// Package gate is the security gate between decision and execution. It
// re-checks a concrete action against the axioms and the tool allow-list,
// and seals authorized actions with a keyed signature the executor verifies
// before running anything.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/audit"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/axioms"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/contracts"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/scanner"
)

const (
	DefaultTTL = 2 * time.Minute

	// consentAxiom is the axiom charged when a high-risk tool lacks approval.
	consentAxiom = "user_consent"
)

var (
	ErrInvalidSignature = errors.New("gate: invalid signature")
	ErrExpired          = errors.New("gate: sealed action expired")
	ErrReplay           = errors.New("gate: nonce already used")
	ErrNotConfigured    = errors.New("gate: scanner, allow-list and signer are required")
)

// Config wires a Gate.
type Config struct {
	Scanner *scanner.Scanner
	Tools   *AllowList
	Signer  *Signer
	Nonces  NonceStore
	TTL     time.Duration
	Audit   audit.Sink
}

// Gate authorizes, seals and admits actions.
type Gate struct {
	scanner *scanner.Scanner
	tools   *AllowList
	signer  *Signer
	nonces  NonceStore
	ttl     time.Duration
	sink    audit.Sink
	clock   func() time.Time
	log     *slog.Logger
}

// New fails closed when any required part is missing.
func New(cfg Config) (*Gate, error) {
	if cfg.Scanner == nil || cfg.Tools == nil || cfg.Signer == nil {
		return nil, ErrNotConfigured
	}
	if cfg.Nonces == nil {
		cfg.Nonces = NewMemoryNonceStore()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Discard
	}
	return &Gate{
		scanner: cfg.Scanner,
		tools:   cfg.Tools,
		signer:  cfg.Signer,
		nonces:  cfg.Nonces,
		ttl:     cfg.TTL,
		sink:    cfg.Audit,
		clock:   time.Now,
		log:     slog.Default().With("component", "gate"),
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// Tools returns the allow-list in use.
func (g *Gate) Tools() *AllowList { return g.tools }

// Authorize decides whether req may be dispatched. Rejections are values
// with a human-readable reason, never errors.
func (g *Gate) Authorize(ctx context.Context, req contracts.ActionRequest, sc scanner.ScanContext) contracts.SecurityGateResult {
	reg := g.scanner.Registry()
	scan := g.scanner.Scan(ctx, scanner.Input{Action: &req}, sc)
	violations := scan.Violations
	var reasons []string

	policy, known := g.tools.Lookup(req.Tool)
	switch {
	case !known:
		reasons = append(reasons, fmt.Sprintf("tool %q is not on the allow-list", req.Tool))
	case !policy.Allowed:
		reasons = append(reasons, fmt.Sprintf("tool %q is disabled", req.Tool))
	default:
		if req.Scope.Level() > policy.Scope.Level() {
			reasons = append(reasons, fmt.Sprintf("requested scope %q exceeds tool scope %q", req.Scope, policy.Scope))
		}
		if policy.RiskTier == contracts.RiskHigh && !req.HumanApproved {
			desc := fmt.Sprintf("high-risk tool %q requires explicit human approval", req.Tool)
			v, err := reg.Violation(consentAxiom, desc)
			if err != nil {
				v = contracts.Violation{AxiomID: consentAxiom, AxiomName: "User consent", Tier: contracts.TierH1, Severity: contracts.SeverityHigh, Description: desc}
			}
			violations = scanner.MergeViolations(violations, []contracts.Violation{v})
			reasons = append(reasons, desc)
		}
		if err := policy.validateParams(req.Params); err != nil {
			reasons = append(reasons, fmt.Sprintf("parameters rejected by schema: %v", err))
		}
	}

	var blocking []contracts.Violation
	for _, v := range violations {
		if v.Tier == contracts.TierH0 || v.Tier == contracts.TierH1 {
			blocking = append(blocking, v)
		}
	}
	if len(blocking) > 0 {
		reasons = append(reasons, "blocked by "+strings.Join(contracts.Describe(blocking), ", "))
	}

	res := contracts.SecurityGateResult{
		Allowed:    len(reasons) == 0,
		Violations: violations,
		RiskScore:  riskOf(reg, violations),
	}
	if res.Allowed {
		res.Reason = "authorized"
	} else {
		res.Reason = strings.Join(dedupe(reasons), "; ")
	}

	action := "denied"
	if res.Allowed {
		action = "allowed"
	}
	g.log.InfoContext(ctx, "action authorization", "tool", req.Tool, "action_id", req.ID, "allowed", res.Allowed, "reason", res.Reason)
	if err := g.sink.Record(ctx, audit.EventAuthorization, action, "action:"+req.ID, map[string]any{
		"tool":         req.Tool,
		"scope":        string(req.Scope),
		"requester_id": req.RequesterID,
		"reason":       res.Reason,
		"risk_score":   res.RiskScore,
		"violations":   contracts.Describe(violations),
	}); err != nil {
		g.log.WarnContext(ctx, "audit record failed", "action_id", req.ID, "error", err)
	}
	return res
}

func riskOf(reg *axioms.Registry, vs []contracts.Violation) float64 {
	total := reg.TotalWeight()
	if total == 0 {
		return 0
	}
	var sum float64
	for _, v := range scanner.MergeViolations(vs) {
		sum += axioms.WeightOf(v.Tier)
	}
	if sum > total {
		return 1
	}
	return sum / total
}

func dedupe(ss []string) []string {
	seen := make(map[string]bool, len(ss))
	out := ss[:0]
	for _, s := range ss {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// Sign signs an arbitrary payload.
func (g *Gate) Sign(payload any) (string, error) { return g.signer.Sign(payload) }

// Verify checks a signature produced by Sign.
func (g *Gate) Verify(payload any, sig string) bool { return g.signer.Verify(payload, sig) }

// Seal wraps an authorized request with a nonce and validity window and
// signs everything. Callers must only seal requests Authorize allowed.
func (g *Gate) Seal(req contracts.ActionRequest) (*contracts.SignedAction, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	now := g.clock().UTC()
	sa := &contracts.SignedAction{
		Request:   req,
		Nonce:     uuid.New().String(),
		IssuedAt:  now,
		ExpiresAt: now.Add(g.ttl),
	}
	sig, err := g.signer.Sign(sa)
	if err != nil {
		return nil, err
	}
	sa.Signature = sig
	return sa, nil
}

// Admit is the executor-side check: the signature must verify, the action
// must be unexpired, and its nonce must be unused.
func (g *Gate) Admit(ctx context.Context, sa *contracts.SignedAction) error {
	if sa == nil {
		return ErrInvalidSignature
	}
	unsigned := *sa
	unsigned.Signature = ""
	if !g.signer.Verify(unsigned, sa.Signature) {
		g.log.WarnContext(ctx, "rejected action with bad signature", "action_id", sa.Request.ID)
		return ErrInvalidSignature
	}
	now := g.clock()
	if !now.Before(sa.ExpiresAt) {
		return fmt.Errorf("%w at %s", ErrExpired, sa.ExpiresAt.Format(time.RFC3339))
	}
	fresh, err := g.nonces.Consume(ctx, sa.Nonce, sa.ExpiresAt.Sub(now))
	if err != nil {
		return err
	}
	if !fresh {
		g.log.WarnContext(ctx, "rejected replayed action", "action_id", sa.Request.ID, "nonce", sa.Nonce)
		return ErrReplay
	}
	return nil
}
