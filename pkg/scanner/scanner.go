// Package scanner evaluates text and structured actions against the axiom
// registry and reports which axioms they violate.
//
// A Scanner is immutable after construction and safe for concurrent use.
// Scanning has no side effects beyond logging and model-verdict memoisation,
// so scanning the same input twice yields the same result.
package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/axioms"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/contracts"
)

// Input is what gets scanned: free text, an action, or both.
type Input struct {
	Text   string
	Action *contracts.ActionRequest
}

// ScanContext carries caller context visible to CEL judges as input.context.
type ScanContext struct {
	RequesterID  string
	ContextID    string
	AllowedTools []string
	Attributes   map[string]any
}

// ScanResult lists violated axioms and the normalised risk.
type ScanResult struct {
	Violations []contracts.Violation `json:"violations"`
	RiskScore  float64               `json:"risk_score"`
	CanProceed bool                  `json:"can_proceed"`
}

// Subject is the prepared form of an Input handed to judges.
type Subject struct {
	raw        string
	normalized string
	input      map[string]any
	hash       string
}

type boundRule struct {
	rule  axioms.Rule
	judge Judge
}

// Scanner runs every axiom's judge against an input.
type Scanner struct {
	registry *axioms.Registry
	rules    []boundRule
	log      *slog.Logger
}

// Option configures a Scanner.
type Option func(*options)

type options struct {
	oracle       Oracle
	modelTimeout time.Duration
	memoLimit    int
}

// WithOracle sets the external model consulted by model judges. Without one,
// model judges never report a violation.
func WithOracle(o Oracle) Option {
	return func(opts *options) { opts.oracle = o }
}

// WithModelTimeout bounds each oracle call.
func WithModelTimeout(d time.Duration) Option {
	return func(opts *options) {
		if d > 0 {
			opts.modelTimeout = d
		}
	}
}

// New binds a judge to every axiom of reg. Patterns and CEL expressions are
// compiled here, so a bad policy fails at startup.
func New(reg *axioms.Registry, opts ...Option) (*Scanner, error) {
	o := options{modelTimeout: 5 * time.Second, memoLimit: 4096}
	for _, opt := range opts {
		opt(&o)
	}
	cache, err := newCELCache()
	if err != nil {
		return nil, err
	}
	memo := newVerdictMemo(o.memoLimit)

	s := &Scanner{
		registry: reg,
		log:      slog.Default().With("component", "scanner"),
	}
	for _, rule := range reg.Rules() {
		var j Judge
		switch rule.Judge.Kind {
		case axioms.JudgeKeyword:
			j = newKeywordJudge(rule.Judge.Terms)
		case axioms.JudgePattern:
			pj, err := newPatternJudge(rule.Judge.Patterns)
			if err != nil {
				return nil, fmt.Errorf("scanner: axiom %s: %w", rule.ID, err)
			}
			j = pj
		case axioms.JudgeCEL:
			prg, err := cache.program(rule.Judge.Expr)
			if err != nil {
				return nil, fmt.Errorf("scanner: axiom %s: %w", rule.ID, err)
			}
			j = &celJudge{expr: rule.Judge.Expr, prg: prg}
		case axioms.JudgeModel:
			j = &modelJudge{
				axiomID: rule.ID,
				prompt:  rule.Judge.Prompt,
				oracle:  o.oracle,
				timeout: o.modelTimeout,
				memo:    memo,
			}
		default:
			return nil, fmt.Errorf("scanner: axiom %s: %w %q", rule.ID, axioms.ErrUnknownJudge, rule.Judge.Kind)
		}
		s.rules = append(s.rules, boundRule{rule: rule, judge: j})
	}
	return s, nil
}

// Registry returns the registry the scanner was built from.
func (s *Scanner) Registry() *axioms.Registry { return s.registry }

// Scan evaluates every axiom against in. A failing judge counts as a
// violation for H0 and H1 axioms and as a pass for H2 and H3.
func (s *Scanner) Scan(ctx context.Context, in Input, sc ScanContext) ScanResult {
	subj := prepare(in, sc)
	res := ScanResult{CanProceed: true, Violations: []contracts.Violation{}}
	var violated float64

	for _, br := range s.rules {
		v, err := br.judge.Evaluate(ctx, subj)
		if err != nil {
			failClosed := br.rule.Tier == contracts.TierH0 || br.rule.Tier == contracts.TierH1
			s.log.WarnContext(ctx, "judge failed",
				"axiom", br.rule.ID, "judge", br.judge.Kind(), "fail_closed", failClosed, "error", err)
			if !failClosed {
				continue
			}
			v = Verdict{Violated: true, Detail: "judge unavailable"}
		}
		if !v.Violated {
			continue
		}
		sev := br.rule.Judge.Severity
		if sev == "" {
			sev = contracts.SeverityForTier(br.rule.Tier)
		}
		desc := br.rule.Description
		if v.Detail != "" {
			desc = fmt.Sprintf("%s (%s)", desc, v.Detail)
		}
		res.Violations = append(res.Violations, contracts.Violation{
			AxiomID:     br.rule.ID,
			AxiomName:   br.rule.Name,
			Tier:        br.rule.Tier,
			Severity:    sev,
			Description: desc,
		})
		violated += br.rule.Weight
		if br.rule.Tier == contracts.TierH0 {
			res.CanProceed = false
		}
	}
	if total := s.registry.TotalWeight(); total > 0 {
		res.RiskScore = violated / total
	}
	return res
}

// ScanCandidate returns a copy of c with scanned violations merged into the
// ones it already carries. Each axiom appears once. The risk estimate is
// raised to the scan's risk score when that is higher.
func (s *Scanner) ScanCandidate(ctx context.Context, c contracts.Candidate, sc ScanContext) contracts.Candidate {
	res := s.Scan(ctx, Input{Text: c.Content}, sc)
	out := c
	out.Violations = MergeViolations(c.Violations, res.Violations)
	if res.RiskScore > out.RiskEstimate {
		out.RiskEstimate = res.RiskScore
	}
	return out
}

// MergeViolations concatenates violation lists, keeping the first occurrence
// of each axiom.
func MergeViolations(lists ...[]contracts.Violation) []contracts.Violation {
	seen := make(map[string]bool)
	var out []contracts.Violation
	for _, l := range lists {
		for _, v := range l {
			if seen[v.AxiomID] {
				continue
			}
			seen[v.AxiomID] = true
			out = append(out, v)
		}
	}
	return out
}

func prepare(in Input, sc ScanContext) *Subject {
	input := map[string]any{}
	var parts []string
	if in.Text != "" {
		input["text"] = in.Text
		parts = append(parts, in.Text)
	}
	if a := in.Action; a != nil {
		params := a.Params
		if params == nil {
			params = map[string]any{}
		}
		input["action"] = map[string]any{
			"id":             a.ID,
			"tool":           a.Tool,
			"scope":          string(a.Scope),
			"params":         params,
			"description":    a.Description,
			"requester_id":   a.RequesterID,
			"human_approved": a.HumanApproved,
		}
		if _, ok := input["text"]; !ok {
			input["text"] = a.Description
		}
		parts = append(parts, a.Tool, a.Description)
		parts = flatten(parts, params)
	}

	ctxMap := map[string]any{}
	for k, v := range sc.Attributes {
		ctxMap[k] = v
	}
	if sc.RequesterID != "" {
		ctxMap["requester_id"] = sc.RequesterID
	}
	if sc.ContextID != "" {
		ctxMap["context_id"] = sc.ContextID
	}
	if len(sc.AllowedTools) > 0 {
		tools := make([]any, len(sc.AllowedTools))
		for i, t := range sc.AllowedTools {
			tools[i] = t
		}
		ctxMap["allowed_tools"] = tools
	}
	input["context"] = ctxMap

	raw := strings.Join(parts, "\n")
	return &Subject{
		raw:        raw,
		normalized: normalize(raw),
		input:      input,
		hash:       hashOf(input),
	}
}

// flatten appends every scalar inside v in key order.
func flatten(dst []string, v any) []string {
	switch t := v.(type) {
	case nil:
		return dst
	case string:
		return append(dst, t)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			dst = flatten(dst, t[k])
		}
		return dst
	case []any:
		for _, e := range t {
			dst = flatten(dst, e)
		}
		return dst
	case []string:
		return append(dst, t...)
	default:
		return append(dst, fmt.Sprint(t))
	}
}

func hashOf(input map[string]any) string {
	b, err := json.Marshal(input)
	if err != nil {
		b = []byte(fmt.Sprintf("%v", input))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
