package arbitration

import (
	"context"
	"sync"
	"time"

	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/audit"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/contracts"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/notify"
)

type recordedEvent struct {
	Type     audit.EventType
	Action   string
	Resource string
	Meta     map[string]any
}

type recordingSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (s *recordingSink) Record(_ context.Context, t audit.EventType, action, resource string, meta map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{t, action, resource, meta})
	return nil
}

func (s *recordingSink) ofType(t audit.EventType) []recordedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []recordedEvent
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func violation(id string, tier contracts.Tier) contracts.Violation {
	return contracts.Violation{
		AxiomID:   id,
		AxiomName: id,
		Tier:      tier,
		Severity:  contracts.SeverityForTier(tier),
	}
}

func newTestArbitrator(cfg Config) (*Arbitrator, *recordingSink, *notify.Recorder) {
	sink := &recordingSink{}
	rec := notify.NewRecorder(64)
	t0 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	n := 0
	a := New(cfg, sink, rec).WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return t0.Add(time.Duration(n) * time.Millisecond)
	})
	return a, sink, rec
}
