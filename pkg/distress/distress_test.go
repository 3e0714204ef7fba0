package distress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/contracts"
)

func issue(sev contracts.Severity, tier contracts.Tier) contracts.Issue {
	return contracts.Issue{Severity: sev, Tier: tier, Active: true}
}

func TestRawWeights(t *testing.T) {
	issues := []contracts.Issue{
		issue(contracts.SeverityCritical, contracts.TierH0),
		issue(contracts.SeverityHigh, contracts.TierH1),
		issue(contracts.SeverityMedium, contracts.TierH2),
		issue(contracts.SeverityLow, contracts.TierH3),
	}
	assert.Equal(t, 25+15+8+3, Raw(issues, 0, 0))
	assert.Equal(t, 25+15+8+3+2*5+1*10, Raw(issues, 2, 1))
	assert.Equal(t, MaxScore, Raw(issues, 100, 100), "capped")
	assert.Zero(t, Raw(nil, -3, -1))
}

func TestCompute_CallerIssuesAreOpen(t *testing.T) {
	issues := []contracts.Issue{
		{Severity: contracts.SeverityCritical},
		{Severity: contracts.SeverityCritical},
		{Severity: contracts.SeverityHigh},
	}
	assert.Equal(t, 65, Compute(issues, 0, 0, 0))
	assert.True(t, ShouldInitiateCorrection(Compute(issues, 0, 0, 0)))
}

func TestComputeHysteresis(t *testing.T) {
	// raw = 3 * 8 = 24
	issues := []contracts.Issue{
		issue(contracts.SeverityMedium, contracts.TierH2),
		issue(contracts.SeverityMedium, contracts.TierH2),
		issue(contracts.SeverityMedium, contracts.TierH2),
	}
	for prev := 20; prev <= 28; prev++ {
		assert.Equal(t, prev, Compute(issues, 0, 0, prev), "raw 24 within ±4 of %d holds", prev)
	}
	assert.Equal(t, 24, Compute(issues, 0, 0, 19))
	assert.Equal(t, 24, Compute(issues, 0, 0, 29))
}

func TestShouldInitiateCorrection(t *testing.T) {
	assert.False(t, ShouldInitiateCorrection(50))
	assert.True(t, ShouldInitiateCorrection(51))
}

func TestPrioritize(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	in := []contracts.Issue{
		{ID: "h3", Tier: contracts.TierH3, LastSeenAt: t0.Add(5 * time.Minute)},
		{ID: "h1-old", Tier: contracts.TierH1, LastSeenAt: t0},
		{ID: "h0", Tier: contracts.TierH0, LastSeenAt: t0},
		{ID: "h1-new", Tier: contracts.TierH1, LastSeenAt: t0.Add(time.Minute)},
	}
	out := Prioritize(in)
	var got []string
	for _, is := range out {
		got = append(got, is.ID)
	}
	assert.Equal(t, []string{"h0", "h1-new", "h1-old", "h3"}, got)
	assert.Equal(t, "h3", in[0].ID, "input is not reordered")
}

func TestMonitorObserveUpserts(t *testing.T) {
	m := NewMonitor(Config{})
	ctx := context.Background()
	v := contracts.Violation{AxiomID: "privacy", Tier: contracts.TierH1, Severity: contracts.SeverityHigh}

	m.Observe(ctx, []contracts.Violation{v})
	m.Observe(ctx, []contracts.Violation{v})

	issues := m.Issues(false)
	require.Len(t, issues, 1)
	assert.Equal(t, 2, issues[0].MentionCount)
	assert.Equal(t, uint64(2), m.Cycle())
}

func TestMonitorIssuesGoInactive(t *testing.T) {
	m := NewMonitor(Config{InactiveAfterCycles: 3})
	ctx := context.Background()
	m.Observe(ctx, []contracts.Violation{{AxiomID: "tone", Tier: contracts.TierH3, Severity: contracts.SeverityLow}})

	m.Observe(ctx, nil)
	m.Observe(ctx, nil)
	assert.Len(t, m.Issues(false), 1, "two unreferenced cycles keep it active")

	m.Observe(ctx, nil)
	assert.Empty(t, m.Issues(false))
	all := m.Issues(true)
	require.Len(t, all, 1, "inactive issues are kept")
	assert.False(t, all[0].Active)

	m.Observe(ctx, []contracts.Violation{{AxiomID: "tone", Tier: contracts.TierH3, Severity: contracts.SeverityLow}})
	active := m.Issues(false)
	require.Len(t, active, 1)
	assert.Equal(t, 2, active[0].MentionCount)
}

func TestMonitorUpdateAndCorrection(t *testing.T) {
	m := NewMonitor(Config{})
	ctx := context.Background()
	m.Observe(ctx, []contracts.Violation{
		{AxiomID: "no_harm", Tier: contracts.TierH0, Severity: contracts.SeverityCritical},
		{AxiomID: "privacy", Tier: contracts.TierH1, Severity: contracts.SeverityHigh},
	})
	assert.Equal(t, 40, m.Update(ctx, 0, 0))
	assert.False(t, m.ShouldInitiateCorrection())

	// A low issue adds 3, inside the band.
	m.Observe(ctx, []contracts.Violation{{AxiomID: "tone", Tier: contracts.TierH3, Severity: contracts.SeverityLow}})
	assert.Equal(t, 40, m.Update(ctx, 0, 0))

	assert.Equal(t, 63, m.Update(ctx, 0, 2))
	assert.True(t, m.ShouldInitiateCorrection())
	assert.Equal(t, 63, m.Score())
}

func TestMonitorResolveIssue(t *testing.T) {
	m := NewMonitor(Config{})
	ctx := context.Background()
	m.Observe(ctx, []contracts.Violation{{AxiomID: "privacy", Tier: contracts.TierH1, Severity: contracts.SeverityHigh}})
	id := m.Issues(false)[0].ID

	require.NoError(t, m.ResolveIssue(id))
	assert.Empty(t, m.Issues(false))
	assert.Len(t, m.Issues(true), 1)
	assert.ErrorIs(t, m.ResolveIssue("missing"), ErrIssueNotFound)
}

func TestMonitorUpdate_InactiveIssuesDoNotWeigh(t *testing.T) {
	m := NewMonitor(Config{InactiveAfterCycles: 1})
	ctx := context.Background()
	m.Observe(ctx, []contracts.Violation{{AxiomID: "no_harm", Tier: contracts.TierH0, Severity: contracts.SeverityCritical}})
	assert.Equal(t, 25, m.Update(ctx, 0, 0))

	m.Observe(ctx, nil)
	assert.Zero(t, m.Update(ctx, 0, 0))
}
