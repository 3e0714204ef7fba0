package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/audit"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/store"
)

func TestWriterSink_OneEventPerLine(t *testing.T) {
	var buf bytes.Buffer
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	sink := audit.NewWriterSink(&buf).WithClock(func() time.Time { return at })

	ctx := context.Background()
	require.NoError(t, sink.Record(ctx, audit.EventConflict, "approved", "conflict:c1", map[string]any{"chosen": "a"}))
	require.NoError(t, sink.Record(audit.WithActor(ctx, "admin-7"), audit.EventOverride, "approved", "conflict:c2", nil))

	dec := json.NewDecoder(&buf)
	var first, second audit.Event
	require.NoError(t, dec.Decode(&first))
	require.NoError(t, dec.Decode(&second))

	assert.Equal(t, audit.EventConflict, first.Type)
	assert.Equal(t, "conflict:c1", first.Resource)
	assert.Equal(t, "system", first.ActorID)
	assert.Equal(t, "a", first.Metadata["chosen"])
	assert.Len(t, first.ID, 36)
	assert.Equal(t, time.UTC, first.Timestamp.Location())
	assert.True(t, first.Timestamp.Equal(at))

	assert.Equal(t, "admin-7", second.ActorID)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestChainSink_AppendsToChain(t *testing.T) {
	s := store.NewAuditStore()
	sink := audit.NewChainSink(s)
	ctx := audit.WithActor(context.Background(), "admin-1")

	require.NoError(t, sink.Record(ctx, audit.EventRecovery, "completed", "cycle:1", map[string]any{"errors_cleared": 2}))
	require.NoError(t, sink.Record(ctx, audit.EventLock, "locked", "cycle:2", nil))

	entries, err := s.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, store.EntryType(audit.EventRecovery), entries[0].EntryType)
	assert.Equal(t, "cycle:1", entries[0].Subject)
	assert.Equal(t, "admin-1", entries[0].Metadata["actor_id"])
	assert.NotEmpty(t, entries[0].Metadata["event_id"])
	assert.NoError(t, s.VerifyChain())
}

func TestChainSink_NoStore(t *testing.T) {
	err := audit.NewChainSink(nil).Record(context.Background(), audit.EventError, "reported", "error:1", nil)
	assert.ErrorIs(t, err, audit.ErrNoStore)
}

type failingSink struct{ calls int }

func (f *failingSink) Record(context.Context, audit.EventType, string, string, map[string]any) error {
	f.calls++
	return errors.New("sink down")
}

func TestMulti_KeepsRecordingAfterFailure(t *testing.T) {
	var buf bytes.Buffer
	bad := &failingSink{}
	sink := audit.Multi(bad, audit.NewWriterSink(&buf), audit.Discard)

	err := sink.Record(context.Background(), audit.EventAuthorization, "denied", "action:a1", nil)
	assert.EqualError(t, err, "sink down")
	assert.Equal(t, 1, bad.calls)
	assert.Contains(t, buf.String(), "action:a1")
}

func TestActorFrom_DefaultsToSystem(t *testing.T) {
	assert.Equal(t, "system", audit.ActorFrom(context.Background()))
	assert.Equal(t, "system", audit.ActorFrom(audit.WithActor(context.Background(), "")))
}
