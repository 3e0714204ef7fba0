package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresAuditStore persists the audit chain in PostgreSQL. Appends lock the
// chain head row so concurrent writers serialise.
type PostgresAuditStore struct {
	db    *sql.DB
	clock func() time.Time
}

// PostgresSchema creates the audit table.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS phoenix_audit (
	sequence BIGINT PRIMARY KEY,
	entry_id TEXT NOT NULL UNIQUE,
	ts TIMESTAMPTZ NOT NULL,
	entry_type TEXT NOT NULL,
	subject TEXT NOT NULL,
	action TEXT NOT NULL,
	payload JSONB NOT NULL,
	payload_raw TEXT NOT NULL,
	payload_hash TEXT NOT NULL,
	previous_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL UNIQUE,
	metadata JSONB
)`

func NewPostgresAuditStore(db *sql.DB) *PostgresAuditStore {
	return &PostgresAuditStore{db: db, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *PostgresAuditStore) WithClock(clock func() time.Time) *PostgresAuditStore {
	s.clock = clock
	return s
}

// Migrate creates the schema if needed.
func (s *PostgresAuditStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("failed to migrate audit schema: %w", err)
	}
	return nil
}

func (s *PostgresAuditStore) Append(ctx context.Context, entryType EntryType, subject, action string, payload any, metadata map[string]string) (*AuditEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		seq  uint64
		prev = genesis
	)
	err = tx.QueryRowContext(ctx,
		"SELECT sequence, entry_hash FROM phoenix_audit ORDER BY sequence DESC LIMIT 1 FOR UPDATE",
	).Scan(&seq, &prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read chain head: %w", err)
	}

	entry, err := newEntry(seq+1, prev, s.clock(), entryType, subject, action, payload, metadata)
	if err != nil {
		return nil, err
	}
	meta, _ := json.Marshal(entry.Metadata)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO phoenix_audit (sequence, entry_id, ts, entry_type, subject, action, payload, payload_raw, payload_hash, previous_hash, entry_hash, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		int64(entry.Sequence), entry.EntryID, entry.Timestamp, string(entry.EntryType), entry.Subject, entry.Action,
		string(entry.Payload), string(entry.Payload), entry.PayloadHash, entry.PreviousHash, entry.EntryHash, string(meta),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert audit entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return entry, nil
}

// Entries returns the chain in sequence order. The raw payload column is
// read back because JSONB does not preserve the hashed bytes.
func (s *PostgresAuditStore) Entries(ctx context.Context) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT sequence, entry_id, ts, entry_type, subject, action, payload_raw, payload_hash, previous_hash, entry_hash, metadata FROM phoenix_audit ORDER BY sequence ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*AuditEntry
	for rows.Next() {
		var (
			e        AuditEntry
			seq      int64
			et       string
			payload  string
			metadata sql.NullString
		)
		if err := rows.Scan(&seq, &e.EntryID, &e.Timestamp, &et, &e.Subject, &e.Action, &payload,
			&e.PayloadHash, &e.PreviousHash, &e.EntryHash, &metadata); err != nil {
			return nil, err
		}
		e.Sequence = uint64(seq)
		e.Timestamp = e.Timestamp.UTC()
		e.EntryType = EntryType(et)
		e.Payload = json.RawMessage(payload)
		if metadata.Valid && metadata.String != "" && metadata.String != "null" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("entry %d: bad metadata: %w", seq, err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
