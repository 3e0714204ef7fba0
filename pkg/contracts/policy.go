// Package contracts defines the data model shared by the arbitration core:
// axioms and violations, candidates and arbitration results, distress issues,
// action requests, and the recovery engine's error and cycle records.
//
// Types here are plain values. Ownership of every mutable collection lives in
// the component that creates it; other components only ever receive copies.
package contracts

import "fmt"

// Tier is a policy priority tier. H0 is the highest priority.
type Tier string

const (
	TierH0 Tier = "H0" // critical
	TierH1 Tier = "H1" // high
	TierH2 Tier = "H2" // medium
	TierH3 Tier = "H3" // low
)

// Tiers lists every tier from highest to lowest priority.
var Tiers = []Tier{TierH0, TierH1, TierH2, TierH3}

// Rank returns 0 for H0 through 3 for H3, or -1 for an unknown tier.
func (t Tier) Rank() int {
	switch t {
	case TierH0:
		return 0
	case TierH1:
		return 1
	case TierH2:
		return 2
	case TierH3:
		return 3
	default:
		return -1
	}
}

// Valid reports whether t is one of the four known tiers.
func (t Tier) Valid() bool { return t.Rank() >= 0 }

// ParseTier converts "H0".."H3" into a Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// Severity grades a violation or a reported error.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	// SeverityCancelled marks an executor action that was cancelled by its own
	// contract. It is never weighted like a policy violation.
	SeverityCancelled Severity = "cancelled"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityCancelled:
		return true
	}
	return false
}

// SeverityForTier is the default severity of a violation of the given tier.
func SeverityForTier(t Tier) Severity {
	switch t {
	case TierH0:
		return SeverityCritical
	case TierH1:
		return SeverityHigh
	case TierH2:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Axiom is a named policy rule bound to a priority tier.
type Axiom struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Tier        Tier    `json:"tier"`
	Weight      float64 `json:"weight"`
	Description string  `json:"description"`
}

// Violation records one axiom broken by a candidate or an action.
type Violation struct {
	AxiomID     string   `json:"axiom_id"`
	AxiomName   string   `json:"axiom_name,omitempty"`
	Tier        Tier     `json:"tier"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// HasTier reports whether any violation in vs is of tier t.
func HasTier(vs []Violation, t Tier) bool {
	for _, v := range vs {
		if v.Tier == t {
			return true
		}
	}
	return false
}

// Describe renders violations as "name (tier)" pairs for operator-facing reasons.
func Describe(vs []Violation) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		name := v.AxiomName
		if name == "" {
			name = v.AxiomID
		}
		out = append(out, fmt.Sprintf("%s (%s)", name, v.Tier))
	}
	return out
}
