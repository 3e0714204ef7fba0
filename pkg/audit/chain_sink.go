package audit

import (
	"context"
	"errors"
	"time"

	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/store"
)

var ErrNoStore = errors.New("audit: no chain store configured")

// ChainSink appends each event to a hash-chained store. The resource becomes
// the entry subject; the actor and event id go into entry metadata.
type ChainSink struct {
	chain store.Appender
	clock func() time.Time
}

func NewChainSink(chain store.Appender) *ChainSink {
	return &ChainSink{chain: chain, clock: time.Now}
}

func (s *ChainSink) Record(ctx context.Context, t EventType, action, resource string, metadata map[string]any) error {
	if s.chain == nil {
		return ErrNoStore
	}
	evt := stamp(ctx, s.clock(), t, action, resource, metadata)
	_, err := s.chain.Append(ctx, store.EntryType(t), resource, action, evt, map[string]string{
		"actor_id": evt.ActorID,
		"event_id": evt.ID,
	})
	return err
}
