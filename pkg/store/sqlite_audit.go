package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteAuditStore persists the audit chain in SQLite.
type SQLiteAuditStore struct {
	db    *sql.DB
	mu    sync.Mutex
	clock func() time.Time
}

// OpenSQLite opens (or creates) a SQLite database at path.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// NewSQLiteAuditStore migrates the schema and returns the store.
func NewSQLiteAuditStore(db *sql.DB) (*SQLiteAuditStore, error) {
	s := &SQLiteAuditStore{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *SQLiteAuditStore) WithClock(clock func() time.Time) *SQLiteAuditStore {
	s.clock = clock
	return s
}

func (s *SQLiteAuditStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		sequence INTEGER PRIMARY KEY,
		entry_id TEXT NOT NULL UNIQUE,
		timestamp TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		subject TEXT NOT NULL,
		action TEXT NOT NULL,
		payload TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		previous_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL UNIQUE,
		metadata TEXT
	);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("migrate audit_entries: %w", err)
	}
	return nil
}

// Append adds an entry inside a transaction so the chain head stays consistent.
func (s *SQLiteAuditStore) Append(ctx context.Context, entryType EntryType, subject, action string, payload any, metadata map[string]string) (*AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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
		`SELECT sequence, entry_hash FROM audit_entries ORDER BY sequence DESC LIMIT 1`,
	).Scan(&seq, &prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read chain head: %w", err)
	}

	entry, err := newEntry(seq+1, prev, s.clock(), entryType, subject, action, payload, metadata)
	if err != nil {
		return nil, err
	}
	meta, _ := json.Marshal(entry.Metadata)
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_entries (
		sequence, entry_id, timestamp, entry_type, subject, action, payload, payload_hash, previous_hash, entry_hash, metadata
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Sequence, entry.EntryID, entry.Timestamp.Format(time.RFC3339Nano), string(entry.EntryType),
		entry.Subject, entry.Action, string(entry.Payload), entry.PayloadHash, entry.PreviousHash, entry.EntryHash, string(meta),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert audit entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return entry, nil
}

// Entries returns the chain in sequence order.
func (s *SQLiteAuditStore) Entries(ctx context.Context) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, entry_id, timestamp, entry_type, subject, action, payload, payload_hash, previous_hash, entry_hash, metadata
		FROM audit_entries
		ORDER BY sequence ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*AuditEntry
	for rows.Next() {
		var (
			e        AuditEntry
			ts       string
			et       string
			payload  string
			metadata sql.NullString
		)
		if err := rows.Scan(&e.Sequence, &e.EntryID, &ts, &et, &e.Subject, &e.Action, &payload,
			&e.PayloadHash, &e.PreviousHash, &e.EntryHash, &metadata); err != nil {
			return nil, err
		}
		e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("entry %d: bad timestamp: %w", e.Sequence, err)
		}
		e.EntryType = EntryType(et)
		e.Payload = json.RawMessage(payload)
		if metadata.Valid && metadata.String != "" && metadata.String != "null" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("entry %d: bad metadata: %w", e.Sequence, err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// VerifyChain reads and verifies the whole chain.
func (s *SQLiteAuditStore) VerifyChain(ctx context.Context) error {
	entries, err := s.Entries(ctx)
	if err != nil {
		return err
	}
	return VerifyEntries(entries)
}
