package store

import (
	"context"
	"strings"
	"sync"
	"time"
)

// AuditStore is the in-memory backend, used when no database is configured
// and in tests.
type AuditStore struct {
	mu      sync.RWMutex
	entries []*AuditEntry
	head    string
	clock   func() time.Time
}

// NewAuditStore creates an empty chain.
func NewAuditStore() *AuditStore {
	return &AuditStore{head: genesis, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *AuditStore) WithClock(clock func() time.Time) *AuditStore {
	s.clock = clock
	return s
}

// Append links a new entry to the chain head.
func (s *AuditStore) Append(ctx context.Context, entryType EntryType, subject, action string, payload any, metadata map[string]string) (*AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := newEntry(uint64(len(s.entries))+1, s.head, s.clock(), entryType, subject, action, payload, metadata)
	if err != nil {
		return nil, err
	}
	s.entries = append(s.entries, e)
	s.head = e.EntryHash
	return e, nil
}

// Entries returns the chain in sequence order.
func (s *AuditStore) Entries(context.Context) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*AuditEntry(nil), s.entries...), nil
}

// ChainHead returns the hash of the last entry, or "genesis".
func (s *AuditStore) ChainHead() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head
}

// Size returns the number of entries.
func (s *AuditStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// VerifyChain verifies every link.
func (s *AuditStore) VerifyChain() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return VerifyEntries(s.entries)
}

// QueryFilter selects entries. Zero fields match everything.
type QueryFilter struct {
	EntryType EntryType
	Subject   string
	// SubjectPrefix matches a family of subjects, e.g. "conflict:".
	SubjectPrefix string
	// Actor matches the "actor_id" metadata recorded by the audit sink.
	Actor string
	Since time.Time
	Limit int
}

// Query returns matching entries in sequence order.
func (s *AuditStore) Query(f QueryFilter) []*AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*AuditEntry
	for _, e := range s.entries {
		if !f.matches(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

func (f QueryFilter) matches(e *AuditEntry) bool {
	switch {
	case f.EntryType != "" && e.EntryType != f.EntryType:
		return false
	case f.Subject != "" && e.Subject != f.Subject:
		return false
	case f.SubjectPrefix != "" && !strings.HasPrefix(e.Subject, f.SubjectPrefix):
		return false
	case f.Actor != "" && e.Metadata["actor_id"] != f.Actor:
		return false
	case !f.Since.IsZero() && e.Timestamp.Before(f.Since):
		return false
	}
	return true
}
