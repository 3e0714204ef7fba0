package arbitration

import (
	"sort"

	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/contracts"
)

func copyViolations(vs []contracts.Violation) []contracts.Violation {
	if vs == nil {
		return nil
	}
	out := make([]contracts.Violation, len(vs))
	copy(out, vs)
	return out
}

func copyCandidates(cs []contracts.Candidate) []contracts.Candidate {
	out := make([]contracts.Candidate, len(cs))
	for i, c := range cs {
		c.Violations = copyViolations(c.Violations)
		out[i] = c
	}
	return out
}

func copyResult(r *contracts.ArbitrationResult) *contracts.ArbitrationResult {
	out := *r
	if r.Chosen != nil {
		c := *r.Chosen
		c.Violations = copyViolations(r.Chosen.Violations)
		out.Chosen = &c
	}
	out.Violations = copyViolations(r.Violations)
	out.Scores = append([]contracts.CandidateScore(nil), r.Scores...)
	out.DecisionLog = append([]contracts.LogEntry(nil), r.DecisionLog...)
	if r.Override != nil {
		o := *r.Override
		out.Override = &o
	}
	return &out
}

func sortApprovals(reqs []contracts.ApprovalRequest) {
	sort.SliceStable(reqs, func(i, j int) bool {
		if reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].ConflictID < reqs[j].ConflictID
		}
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})
}
