package arbitration

import (
	"sort"

	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/axioms"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/contracts"
)

// Score is a candidate's tier-weighted violation mass scaled by risk and by
// lack of confidence. Lower is better; a candidate without violations
// scores 0. Confidence and risk are clamped to [0,1].
func Score(c contracts.Candidate) float64 {
	var weight float64
	for _, v := range c.Violations {
		weight += axioms.WeightOf(v.Tier)
	}
	return weight * (1 + clamp01(c.RiskEstimate)) * (2 - clamp01(c.Confidence))
}

func clamp01(x float64) float64 {
	switch {
	case x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}

// Rank scores candidates and orders them best first. Equal scores keep
// submission order.
func Rank(cands []contracts.Candidate) []contracts.CandidateScore {
	scores, _ := rank(cands)
	return scores
}

// rank also returns, per position, the index of the candidate in cands.
func rank(cands []contracts.Candidate) ([]contracts.CandidateScore, []int) {
	order := make([]int, len(cands))
	raw := make([]float64, len(cands))
	for i, c := range cands {
		order[i] = i
		raw[i] = Score(c)
	}
	sort.SliceStable(order, func(i, j int) bool { return raw[order[i]] < raw[order[j]] })

	scores := make([]contracts.CandidateScore, len(order))
	for pos, idx := range order {
		scores[pos] = contracts.CandidateScore{
			CandidateID: cands[idx].ID,
			Score:       raw[idx],
			Rank:        pos + 1,
		}
	}
	return scores, order
}

func h0Violations(cands []contracts.Candidate) ([]contracts.Violation, []string) {
	var (
		vs  []contracts.Violation
		ids []string
	)
	for _, c := range cands {
		hit := false
		for _, v := range c.Violations {
			if v.Tier == contracts.TierH0 {
				vs = append(vs, v)
				hit = true
			}
		}
		if hit {
			ids = append(ids, c.ID)
		}
	}
	return vs, ids
}
