package scanner

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/google/cel-go/cel"
	"golang.org/x/text/unicode/norm"

	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/axioms"
)

// Verdict is a judge's answer for one axiom.
type Verdict struct {
	Violated bool
	Detail   string
}

// Judge decides whether a subject violates one axiom.
// The set of implementations is closed: keyword, pattern, cel and model.
type Judge interface {
	Kind() axioms.JudgeKind
	Evaluate(ctx context.Context, s *Subject) (Verdict, error)
}

// normalize folds text for keyword matching: NFKC, lower case, single spaces.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(norm.NFKC.String(s))), " ")
}

type keywordJudge struct {
	terms []string
}

func newKeywordJudge(terms []string) *keywordJudge {
	j := &keywordJudge{terms: make([]string, 0, len(terms))}
	for _, t := range terms {
		if n := normalize(t); n != "" {
			j.terms = append(j.terms, n)
		}
	}
	return j
}

func (j *keywordJudge) Kind() axioms.JudgeKind { return axioms.JudgeKeyword }

func (j *keywordJudge) Evaluate(_ context.Context, s *Subject) (Verdict, error) {
	for _, t := range j.terms {
		if strings.Contains(s.normalized, t) {
			return Verdict{Violated: true, Detail: fmt.Sprintf("matched %q", t)}, nil
		}
	}
	return Verdict{}, nil
}

type patternJudge struct {
	patterns []*regexp.Regexp
}

func newPatternJudge(patterns []string) (*patternJudge, error) {
	j := &patternJudge{}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %q: %w", p, err)
		}
		j.patterns = append(j.patterns, re)
	}
	return j, nil
}

func (j *patternJudge) Kind() axioms.JudgeKind { return axioms.JudgePattern }

func (j *patternJudge) Evaluate(_ context.Context, s *Subject) (Verdict, error) {
	for _, re := range j.patterns {
		if re.MatchString(s.raw) {
			return Verdict{Violated: true, Detail: fmt.Sprintf("matched pattern %s", re.String())}, nil
		}
	}
	return Verdict{}, nil
}

// celCache compiles CEL expressions once per scanner.
type celCache struct {
	env  *cel.Env
	mu   sync.RWMutex
	prgs map[string]cel.Program
}

func newCELCache() (*celCache, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &celCache{env: env, prgs: make(map[string]cel.Program)}, nil
}

func (c *celCache) program(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, hit := c.prgs[expr]
	c.mu.RUnlock()
	if hit {
		return prg, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prg, hit = c.prgs[expr]; hit {
		return prg, nil
	}
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	if !ast.OutputType().IsAssignableType(cel.BoolType) {
		return nil, fmt.Errorf("CEL expression %q must be boolean, got %s", expr, ast.OutputType())
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program error: %w", err)
	}
	c.prgs[expr] = prg
	return prg, nil
}

type celJudge struct {
	expr string
	prg  cel.Program
}

func (j *celJudge) Kind() axioms.JudgeKind { return axioms.JudgeCEL }

func (j *celJudge) Evaluate(ctx context.Context, s *Subject) (Verdict, error) {
	out, _, err := j.prg.ContextEval(ctx, map[string]any{"input": s.input})
	if err != nil {
		return Verdict{}, fmt.Errorf("CEL eval error: %w", err)
	}
	violated, ok := out.Value().(bool)
	if !ok {
		return Verdict{}, fmt.Errorf("CEL result not boolean")
	}
	if !violated {
		return Verdict{}, nil
	}
	return Verdict{Violated: true, Detail: "condition " + j.expr}, nil
}

// Oracle is an external model asked a yes/no policy question about a text.
type Oracle interface {
	Judge(ctx context.Context, prompt, text string) (bool, error)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context, prompt, text string) (bool, error)

func (f OracleFunc) Judge(ctx context.Context, prompt, text string) (bool, error) {
	return f(ctx, prompt, text)
}

// verdictMemo pins model verdicts per subject so repeated scans agree. When
// full it evicts the least recently used verdict.
type verdictMemo struct {
	mu    sync.Mutex
	cache *lru.Cache
}

func newVerdictMemo(limit int) *verdictMemo {
	return &verdictMemo{cache: lru.New(max(limit, 1))}
}

func (vm *verdictMemo) get(key string) (bool, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	v, ok := vm.cache.Get(key)
	if !ok {
		return false, false
	}
	return v.(bool), true
}

func (vm *verdictMemo) put(key string, v bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.cache.Add(key, v)
}

func (vm *verdictMemo) len() int {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.cache.Len()
}

type modelJudge struct {
	axiomID string
	prompt  string
	oracle  Oracle
	timeout time.Duration
	memo    *verdictMemo
}

func (j *modelJudge) Kind() axioms.JudgeKind { return axioms.JudgeModel }

func (j *modelJudge) Evaluate(ctx context.Context, s *Subject) (Verdict, error) {
	if j.oracle == nil {
		return Verdict{}, nil
	}
	key := j.axiomID + ":" + s.hash
	if v, ok := j.memo.get(key); ok {
		return verdictOf(v), nil
	}

	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	v, err := j.oracle.Judge(ctx, j.prompt, s.raw)
	if err != nil {
		return Verdict{}, fmt.Errorf("model judge: %w", err)
	}
	j.memo.put(key, v)
	return verdictOf(v), nil
}

func verdictOf(v bool) Verdict {
	if !v {
		return Verdict{}
	}
	return Verdict{Violated: true, Detail: "model judgement"}
}
