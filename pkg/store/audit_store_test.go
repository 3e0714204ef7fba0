package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	typeConflict EntryType = "conflict"
	typeRecovery EntryType = "recovery_cycle"
)

func fixedClock() func() time.Time {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return t0.Add(time.Duration(n) * time.Second)
	}
}

func TestAuditStore_AppendChains(t *testing.T) {
	ctx := context.Background()
	s := NewAuditStore().WithClock(fixedClock())

	e1, err := s.Append(ctx, typeConflict, "conflict:c1", "approved", map[string]string{"chosen": "a"}, nil)
	require.NoError(t, err)
	e2, err := s.Append(ctx, typeRecovery, "cycle:r1", "completed", nil, map[string]string{"actor": "system"})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), e1.Sequence)
	assert.Equal(t, "genesis", e1.PreviousHash)
	assert.Equal(t, e1.EntryHash, e2.PreviousHash)
	assert.Equal(t, e2.EntryHash, s.ChainHead())
	assert.Equal(t, 2, s.Size())
	assert.Zero(t, e1.Timestamp.Nanosecond()%1000, "timestamps are truncated to microseconds")

	require.NoError(t, s.VerifyChain())
}

func TestAuditStore_RejectsEmptyType(t *testing.T) {
	_, err := NewAuditStore().Append(context.Background(), "", "s", "a", nil, nil)
	assert.ErrorIs(t, err, ErrInvalidEntryType)
}

func TestAuditStore_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	s := NewAuditStore()
	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, typeConflict, "conflict:x", "approved", map[string]int{"i": i}, nil)
		require.NoError(t, err)
	}
	require.NoError(t, s.VerifyChain())

	s.entries[1].Payload = json.RawMessage(`{"i":42}`)
	err := s.VerifyChain()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChainBroken))
}

func TestAuditStore_Query(t *testing.T) {
	ctx := context.Background()
	s := NewAuditStore().WithClock(fixedClock())

	_, _ = s.Append(ctx, typeConflict, "conflict:a", "blocked", nil, map[string]string{"actor_id": "system"})
	_, _ = s.Append(ctx, typeRecovery, "cycle:1", "completed", nil, map[string]string{"actor_id": "system"})
	_, _ = s.Append(ctx, typeConflict, "conflict:b", "override", nil, map[string]string{"actor_id": "alice"})

	assert.Len(t, s.Query(QueryFilter{EntryType: typeConflict}), 2)
	assert.Len(t, s.Query(QueryFilter{Subject: "conflict:b"}), 1)
	assert.Len(t, s.Query(QueryFilter{SubjectPrefix: "conflict:"}), 2)
	assert.Len(t, s.Query(QueryFilter{Actor: "system", Limit: 1}), 1)

	byAlice := s.Query(QueryFilter{Actor: "alice"})
	require.Len(t, byAlice, 1)
	assert.Equal(t, "override", byAlice[0].Action)

	second := s.Query(QueryFilter{Subject: "cycle:1"})[0]
	assert.Len(t, s.Query(QueryFilter{Since: second.Timestamp}), 2)
	assert.Empty(t, s.Query(QueryFilter{EntryType: "lock"}))
}

func TestVerifyEntries_ReportsSequence(t *testing.T) {
	ctx := context.Background()
	s := NewAuditStore()
	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, typeRecovery, "cycle:x", "completed", nil, nil)
		require.NoError(t, err)
	}
	entries, _ := s.Entries(ctx)
	entries[2].PreviousHash = entries[0].EntryHash
	err := VerifyEntries(entries)
	require.ErrorIs(t, err, ErrChainBroken)
	assert.Contains(t, err.Error(), "seq 3")
}

func TestBundleExportAndArchive(t *testing.T) {
	ctx := context.Background()
	s := NewAuditStore()
	_, err := ExportBundle(ctx, s)
	assert.ErrorIs(t, err, ErrEmptyChain)

	for _, a := range []string{"approved", "rolled_back", "override"} {
		_, err := s.Append(ctx, typeConflict, "conflict:c", a, map[string]string{"a": a}, nil)
		require.NoError(t, err)
	}
	b, err := ExportBundle(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 3, b.Count)
	assert.Equal(t, s.ChainHead(), b.Head)
	require.NoError(t, VerifyBundle(b))

	sink := &memSink{}
	key, err := Archive(ctx, sink, "phoenix/", b)
	require.NoError(t, err)
	assert.Regexp(t, `^phoenix/audit-000001-000003-.+\.json$`, key)
	obj := sink.objects[key]
	assert.Equal(t, b.Head, obj.Metadata["phoenix-chain-head"])
	assert.Equal(t, "3", obj.Metadata["phoenix-entries"])

	// The archived body is indented; payload hashes survive the round trip.
	var decoded Bundle
	require.NoError(t, json.Unmarshal(obj.Body, &decoded))
	require.NoError(t, VerifyBundle(&decoded))

	decoded.Entries[0].Action = "forged"
	assert.ErrorIs(t, VerifyBundle(&decoded), ErrChainBroken)

	var truncated Bundle
	require.NoError(t, json.Unmarshal(obj.Body, &truncated))
	truncated.Entries = truncated.Entries[:2]
	assert.Error(t, VerifyBundle(&truncated), "a truncated bundle no longer matches its count")
}

type memSink struct {
	objects map[string]Object
}

func (m *memSink) Put(_ context.Context, obj Object) error {
	if m.objects == nil {
		m.objects = map[string]Object{}
	}
	m.objects[obj.Key] = obj
	return nil
}

func TestSQLiteAuditStore(t *testing.T) {
	ctx := context.Background()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer db.Close()

	s, err := NewSQLiteAuditStore(db)
	require.NoError(t, err)
	s.WithClock(fixedClock())

	first, err := s.Append(ctx, typeConflict, "conflict:c1", "blocked", map[string]any{"axioms": []string{"no_harm"}}, map[string]string{"tier": "H0"})
	require.NoError(t, err)
	second, err := s.Append(ctx, typeRecovery, "cycle:1", "completed", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, first.EntryHash, second.PreviousHash)

	entries, err := s.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, first.EntryHash, entries[0].EntryHash)
	assert.Equal(t, map[string]string{"tier": "H0"}, entries[0].Metadata)
	require.NoError(t, s.VerifyChain(ctx))

	_, err = db.ExecContext(ctx, `UPDATE audit_entries SET action = 'approved' WHERE sequence = 1`)
	require.NoError(t, err)
	assert.ErrorIs(t, s.VerifyChain(ctx), ErrChainBroken)
}

func TestPostgresAuditStore_Append(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	s := NewPostgresAuditStore(db).WithClock(fixedClock())
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT sequence, entry_hash FROM phoenix_audit ORDER BY sequence DESC LIMIT 1 FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "entry_hash"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO phoenix_audit")).
		WithArgs(int64(1), sqlmock.AnyArg(), sqlmock.AnyArg(), "conflict", "conflict:c1", "approved",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "genesis", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	e, err := s.Append(ctx, typeConflict, "conflict:c1", "approved", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Sequence)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT sequence, entry_hash FROM phoenix_audit")).
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "entry_hash"}).AddRow(int64(1), e.EntryHash))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO phoenix_audit")).
		WithArgs(int64(2), sqlmock.AnyArg(), sqlmock.AnyArg(), "recovery_cycle", "cycle:1", "completed",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), e.EntryHash, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	e2, err := s.Append(ctx, typeRecovery, "cycle:1", "completed", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, e.EntryHash, e2.PreviousHash)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAuditStore_InsertFailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresAuditStore(db)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT sequence, entry_hash")).
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "entry_hash"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO phoenix_audit")).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err = s.Append(context.Background(), typeConflict, "conflict:c1", "approved", nil, nil)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAuditStore_Entries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	clock := fixedClock()
	e1, err := newEntry(1, genesis, clock(), typeConflict, "conflict:c1", "approved", map[string]string{"k": "v"}, map[string]string{"actor": "system"})
	require.NoError(t, err)
	e2, err := newEntry(2, e1.EntryHash, clock(), typeRecovery, "cycle:1", "completed", nil, nil)
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"sequence", "entry_id", "ts", "entry_type", "subject", "action", "payload_raw", "payload_hash", "previous_hash", "entry_hash", "metadata"}).
		AddRow(int64(1), e1.EntryID, e1.Timestamp, "conflict", e1.Subject, e1.Action, string(e1.Payload), e1.PayloadHash, e1.PreviousHash, e1.EntryHash, `{"actor":"system"}`).
		AddRow(int64(2), e2.EntryID, e2.Timestamp, "recovery_cycle", e2.Subject, e2.Action, string(e2.Payload), e2.PayloadHash, e2.PreviousHash, e2.EntryHash, nil)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT sequence, entry_id, ts")).WillReturnRows(rows)

	s := NewPostgresAuditStore(db)
	entries, err := s.Entries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "system", entries[0].Metadata["actor"])
	assert.NoError(t, VerifyEntries(entries))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAuditStore_Migrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS phoenix_audit")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, NewPostgresAuditStore(db).Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
