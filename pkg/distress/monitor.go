package distress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/contracts"
)

var ErrIssueNotFound = errors.New("distress: issue not found")

// Config tunes the monitor.
type Config struct {
	Hysteresis          int
	InactiveAfterCycles int
}

// Monitor owns the issue set and the process-wide distress score.
type Monitor struct {
	mu     sync.Mutex
	cfg    Config
	issues map[string]*contracts.Issue // keyed by axiom id or description
	cycle  uint64
	score  int
	clock  func() time.Time
	log    *slog.Logger
}

func NewMonitor(cfg Config) *Monitor {
	if cfg.Hysteresis <= 0 {
		cfg.Hysteresis = DefaultHysteresis
	}
	if cfg.InactiveAfterCycles <= 0 {
		cfg.InactiveAfterCycles = DefaultInactiveCycles
	}
	return &Monitor{
		cfg:    cfg,
		issues: make(map[string]*contracts.Issue),
		clock:  time.Now,
		log:    slog.Default().With("component", "distress"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Monitor) WithClock(clock func() time.Time) *Monitor {
	m.clock = clock
	return m
}

func issueKey(v contracts.Violation) string {
	if v.AxiomID != "" {
		return "axiom:" + v.AxiomID
	}
	return "desc:" + v.Description
}

// Observe folds one decision cycle's violations into the issue set and
// advances the cycle. Issues unreferenced for InactiveAfterCycles cycles
// turn inactive.
func (m *Monitor) Observe(ctx context.Context, violations []contracts.Violation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cycle++
	now := m.clock()
	for _, v := range violations {
		key := issueKey(v)
		is, ok := m.issues[key]
		if !ok {
			is = &contracts.Issue{
				ID:          uuid.New().String(),
				AxiomID:     v.AxiomID,
				Tier:        v.Tier,
				Severity:    v.Severity,
				Description: v.Description,
				FirstSeenAt: now,
			}
			m.issues[key] = is
		} else if severityWeights[v.Severity] > severityWeights[is.Severity] {
			is.Severity = v.Severity
		}
		is.Active = true
		is.MentionCount++
		is.LastSeenAt = now
		is.LastCycle = m.cycle
	}
	for _, is := range m.issues {
		if is.Active && m.cycle-is.LastCycle >= uint64(m.cfg.InactiveAfterCycles) {
			is.Active = false
			m.log.DebugContext(ctx, "issue inactive", "issue_id", is.ID, "axiom", is.AxiomID)
		}
	}
}

// Update recomputes the score from active issues and the given counts.
func (m *Monitor) Update(ctx context.Context, lowConfidence, memoryConflicts int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.score
	m.score = ComputeWithHysteresis(m.snapshot(false), lowConfidence, memoryConflicts, prev, m.cfg.Hysteresis)
	if m.score != prev {
		m.log.InfoContext(ctx, "distress score changed", "from", prev, "to", m.score)
	}
	return m.score
}

// Score returns the current score.
func (m *Monitor) Score() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.score
}

// ShouldInitiateCorrection applies the correction threshold to the current score.
func (m *Monitor) ShouldInitiateCorrection() bool {
	return ShouldInitiateCorrection(m.Score())
}

// Cycle returns the number of observed decision cycles.
func (m *Monitor) Cycle() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cycle
}

// Issues returns issues in priority order.
func (m *Monitor) Issues(includeInactive bool) []contracts.Issue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Prioritize(m.snapshot(includeInactive))
}

func (m *Monitor) snapshot(includeInactive bool) []contracts.Issue {
	out := make([]contracts.Issue, 0, len(m.issues))
	for _, is := range m.issues {
		if includeInactive || is.Active {
			out = append(out, *is)
		}
	}
	return out
}

// ResolveIssue deactivates an issue. Issues are never deleted.
func (m *Monitor) ResolveIssue(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, is := range m.issues {
		if is.ID == id {
			is.Active = false
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrIssueNotFound, id)
}
