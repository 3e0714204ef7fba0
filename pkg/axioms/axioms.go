// Package axioms is the priority model: a static registry of named policy
// rules bound to one of four priority tiers with fixed weights.
//
// The registry is built once at process start and is read-only afterwards.
// Misconfiguration is reported by the constructors, never at lookup time.
package axioms

import (
	"errors"
	"fmt"
	"sort"

	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/contracts"
)

var (
	ErrDuplicateAxiom     = errors.New("axioms: duplicate axiom id")
	ErrUnknownTier        = errors.New("axioms: unknown tier")
	ErrUnknownJudge       = errors.New("axioms: unknown judge kind")
	ErrMissingJudge       = errors.New("axioms: judge parameters missing")
	ErrUnsupportedVersion = errors.New("axioms: unsupported policy version")
	ErrEmptyPolicy        = errors.New("axioms: policy defines no axioms")
)

var tierWeights = map[contracts.Tier]float64{
	contracts.TierH0: 1000,
	contracts.TierH1: 100,
	contracts.TierH2: 10,
	contracts.TierH3: 1,
}

// WeightOf returns the fixed weight of a tier. Unknown tiers weigh nothing.
func WeightOf(t contracts.Tier) float64 {
	return tierWeights[t]
}

// JudgeKind selects the predicate strategy for an axiom.
type JudgeKind string

const (
	JudgeKeyword JudgeKind = "keyword"
	JudgePattern JudgeKind = "pattern"
	JudgeCEL     JudgeKind = "cel"
	JudgeModel   JudgeKind = "model"
)

// JudgeSpec is the predicate configuration of one axiom.
type JudgeSpec struct {
	Kind     JudgeKind          `yaml:"kind" json:"kind"`
	Terms    []string           `yaml:"terms,omitempty" json:"terms,omitempty"`
	Patterns []string           `yaml:"patterns,omitempty" json:"patterns,omitempty"`
	Expr     string             `yaml:"expr,omitempty" json:"expr,omitempty"`
	Prompt   string             `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	Severity contracts.Severity `yaml:"severity,omitempty" json:"severity,omitempty"`
}

func (j JudgeSpec) validate() error {
	switch j.Kind {
	case JudgeKeyword:
		if len(j.Terms) == 0 {
			return fmt.Errorf("%w: keyword judge needs terms", ErrMissingJudge)
		}
	case JudgePattern:
		if len(j.Patterns) == 0 {
			return fmt.Errorf("%w: pattern judge needs patterns", ErrMissingJudge)
		}
	case JudgeCEL:
		if j.Expr == "" {
			return fmt.Errorf("%w: cel judge needs expr", ErrMissingJudge)
		}
	case JudgeModel:
		if j.Prompt == "" {
			return fmt.Errorf("%w: model judge needs prompt", ErrMissingJudge)
		}
	default:
		return fmt.Errorf("%w %q", ErrUnknownJudge, j.Kind)
	}
	if j.Severity != "" && (!j.Severity.Valid() || j.Severity == contracts.SeverityCancelled) {
		return fmt.Errorf("axioms: invalid severity override %q", j.Severity)
	}
	return nil
}

// Rule is an axiom together with its predicate.
type Rule struct {
	contracts.Axiom
	Judge JudgeSpec
}

// Registry is the immutable axiom table.
type Registry struct {
	version string
	rules   []Rule
	byID    map[string]int
	total   float64
}

// NewRegistry validates rules and builds a registry. Weights are assigned
// from the tier; any weight carried by a rule is ignored.
func NewRegistry(version string, rules []Rule) (*Registry, error) {
	if len(rules) == 0 {
		return nil, ErrEmptyPolicy
	}
	r := &Registry{
		version: version,
		rules:   make([]Rule, 0, len(rules)),
		byID:    make(map[string]int, len(rules)),
	}
	for _, rule := range rules {
		if rule.ID == "" {
			return nil, errors.New("axioms: axiom id is empty")
		}
		if !rule.Tier.Valid() {
			return nil, fmt.Errorf("%w %q on axiom %s", ErrUnknownTier, rule.Tier, rule.ID)
		}
		if _, dup := r.byID[rule.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAxiom, rule.ID)
		}
		if err := rule.Judge.validate(); err != nil {
			return nil, fmt.Errorf("axiom %s: %w", rule.ID, err)
		}
		if rule.Name == "" {
			rule.Name = rule.ID
		}
		rule.Weight = WeightOf(rule.Tier)
		r.byID[rule.ID] = len(r.rules)
		r.rules = append(r.rules, rule)
		r.total += rule.Weight
	}
	return r, nil
}

// Version is the policy document version the registry was built from.
func (r *Registry) Version() string { return r.version }

// Axiom looks up an axiom by id.
func (r *Registry) Axiom(id string) (contracts.Axiom, bool) {
	i, ok := r.byID[id]
	if !ok {
		return contracts.Axiom{}, false
	}
	return r.rules[i].Axiom, true
}

// All returns the axioms ordered by tier, then declaration order.
func (r *Registry) All() []contracts.Axiom {
	out := make([]contracts.Axiom, 0, len(r.rules))
	for _, rule := range r.Rules() {
		out = append(out, rule.Axiom)
	}
	return out
}

// Rules returns axioms with their predicates, ordered like All.
func (r *Registry) Rules() []Rule {
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Tier.Rank() < out[j].Tier.Rank()
	})
	return out
}

// ByTier returns the axioms of one tier.
func (r *Registry) ByTier(t contracts.Tier) []contracts.Axiom {
	var out []contracts.Axiom
	for _, rule := range r.rules {
		if rule.Tier == t {
			out = append(out, rule.Axiom)
		}
	}
	return out
}

// TotalWeight is the sum of all axiom weights, the scanner's normaliser.
func (r *Registry) TotalWeight() float64 { return r.total }

// Len is the number of axioms.
func (r *Registry) Len() int { return len(r.rules) }

// Violation builds a violation of axiom id. Severity defaults to the tier's.
func (r *Registry) Violation(id, description string) (contracts.Violation, error) {
	i, ok := r.byID[id]
	if !ok {
		return contracts.Violation{}, fmt.Errorf("axioms: unknown axiom %q", id)
	}
	rule := r.rules[i]
	sev := rule.Judge.Severity
	if sev == "" {
		sev = contracts.SeverityForTier(rule.Tier)
	}
	if description == "" {
		description = rule.Description
	}
	return contracts.Violation{
		AxiomID:     rule.ID,
		AxiomName:   rule.Name,
		Tier:        rule.Tier,
		Severity:    sev,
		Description: description,
	}, nil
}
