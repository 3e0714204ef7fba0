package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// WriterSink writes one JSON object per line.
type WriterSink struct {
	mu    sync.Mutex
	enc   *json.Encoder
	clock func() time.Time
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{enc: json.NewEncoder(w), clock: time.Now}
}

// WithClock overrides the timestamp source for tests.
func (s *WriterSink) WithClock(clock func() time.Time) *WriterSink {
	s.clock = clock
	return s
}

func (s *WriterSink) Record(ctx context.Context, t EventType, action, resource string, metadata map[string]any) error {
	evt := stamp(ctx, s.clock(), t, action, resource, metadata)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(evt)
}
