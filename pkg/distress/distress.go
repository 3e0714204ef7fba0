// Package distress folds open issues into a bounded distress score that
// decides when the agent should proactively self-correct.
package distress

import (
	"sort"

	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/contracts"
)

const (
	MaxScore              = 100
	DefaultHysteresis     = 5
	CorrectionThreshold   = 50
	LowConfidenceWeight   = 5
	MemoryConflictWeight  = 10
	DefaultInactiveCycles = 3
)

var severityWeights = map[contracts.Severity]int{
	contracts.SeverityCritical: 25,
	contracts.SeverityHigh:     15,
	contracts.SeverityMedium:   8,
	contracts.SeverityLow:      3,
}

// Raw is the weighted sum, capped at MaxScore, with no hysteresis. Every
// issue passed in counts as open; Monitor filters out inactive ones first.
func Raw(issues []contracts.Issue, lowConfidence, memoryConflicts int) int {
	sum := 0
	for _, is := range issues {
		sum += severityWeights[is.Severity]
	}
	sum += LowConfidenceWeight*max(lowConfidence, 0) + MemoryConflictWeight*max(memoryConflicts, 0)
	return min(sum, MaxScore)
}

// Compute returns the new score, holding previous when the raw value moved
// by less than DefaultHysteresis.
func Compute(issues []contracts.Issue, lowConfidence, memoryConflicts, previous int) int {
	return ComputeWithHysteresis(issues, lowConfidence, memoryConflicts, previous, DefaultHysteresis)
}

// ComputeWithHysteresis is Compute with an explicit hysteresis band.
func ComputeWithHysteresis(issues []contracts.Issue, lowConfidence, memoryConflicts, previous, hysteresis int) int {
	raw := Raw(issues, lowConfidence, memoryConflicts)
	delta := raw - previous
	if delta < 0 {
		delta = -delta
	}
	if delta < hysteresis {
		return previous
	}
	return raw
}

// ShouldInitiateCorrection reports whether score calls for self-correction.
func ShouldInitiateCorrection(score int) bool {
	return score > CorrectionThreshold
}

// Prioritize orders issues H0 first, then most recently seen first.
func Prioritize(issues []contracts.Issue) []contracts.Issue {
	out := make([]contracts.Issue, len(issues))
	copy(out, issues)
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank(out[i].Tier), rank(out[j].Tier)
		if ri != rj {
			return ri < rj
		}
		return out[i].LastSeenAt.After(out[j].LastSeenAt)
	})
	return out
}

func rank(t contracts.Tier) int {
	if r := t.Rank(); r >= 0 {
		return r
	}
	return len(contracts.Tiers)
}
