// Package store keeps the audit trail as an append-only hash chain.
//
// Each entry commits to the hash of its payload and to the hash of the entry
// before it; the first entry links to "genesis". Entry hashes are computed over
// RFC 8785 canonical JSON so the memory, SQLite and Postgres backends produce
// chains that verify with the same VerifyEntries.
package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

var (
	ErrChainBroken      = errors.New("store: audit chain is broken")
	ErrInvalidEntryType = errors.New("store: entry type is required")
)

const genesis = "genesis"

// EntryType names the kind of event an entry records, e.g. "conflict".
type EntryType string

// AuditEntry is one link of the chain. Entries are never updated.
type AuditEntry struct {
	EntryID      string            `json:"entry_id"`
	Sequence     uint64            `json:"sequence"`
	Timestamp    time.Time         `json:"timestamp"`
	EntryType    EntryType         `json:"entry_type"`
	Subject      string            `json:"subject"`
	Action       string            `json:"action"`
	Payload      json.RawMessage   `json:"payload"`
	PayloadHash  string            `json:"payload_hash"`
	PreviousHash string            `json:"previous_hash"`
	EntryHash    string            `json:"entry_hash"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Appender appends entries to a chain.
type Appender interface {
	Append(ctx context.Context, entryType EntryType, subject, action string, payload any, metadata map[string]string) (*AuditEntry, error)
}

// Reader lists a chain in sequence order.
type Reader interface {
	Entries(ctx context.Context) ([]*AuditEntry, error)
}

// Backend is a full audit chain backend.
type Backend interface {
	Appender
	Reader
}

func computeHash(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// payloadHash ignores insignificant whitespace, so a payload re-indented by
// an exported bundle still matches.
func payloadHash(raw json.RawMessage) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", err
	}
	return computeHash(buf.Bytes()), nil
}

// linkHash is the entry hash. Metadata and the entry id are not covered; the
// payload is covered through its hash.
func linkHash(e *AuditEntry) (string, error) {
	raw, err := json.Marshal(map[string]any{
		"seq":     e.Sequence,
		"ts":      e.Timestamp.UTC().Format(time.RFC3339Nano),
		"type":    e.EntryType,
		"subject": e.Subject,
		"action":  e.Action,
		"payload": e.PayloadHash,
		"prev":    e.PreviousHash,
	})
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize entry %d: %w", e.Sequence, err)
	}
	return computeHash(canonical), nil
}

// newEntry builds the link that follows prev. Timestamps keep microsecond
// precision so SQL round trips reproduce the hash.
func newEntry(seq uint64, prev string, now time.Time, entryType EntryType, subject, action string, payload any, metadata map[string]string) (*AuditEntry, error) {
	if entryType == "" {
		return nil, ErrInvalidEntryType
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", entryType, err)
	}
	e := &AuditEntry{
		EntryID:      uuid.New().String(),
		Sequence:     seq,
		Timestamp:    now.UTC().Truncate(time.Microsecond),
		EntryType:    entryType,
		Subject:      subject,
		Action:       action,
		Payload:      body,
		PreviousHash: prev,
		Metadata:     metadata,
	}
	if e.PayloadHash, err = payloadHash(body); err != nil {
		return nil, err
	}
	if e.EntryHash, err = linkHash(e); err != nil {
		return nil, err
	}
	return e, nil
}

// VerifyEntries walks a chain from genesis and reports the first bad link by
// sequence number.
func VerifyEntries(entries []*AuditEntry) error {
	prev := genesis
	for _, e := range entries {
		if e.PreviousHash != prev {
			return fmt.Errorf("%w: seq %d does not link to its predecessor", ErrChainBroken, e.Sequence)
		}
		if ph, err := payloadHash(e.Payload); err != nil || ph != e.PayloadHash {
			return fmt.Errorf("%w: seq %d payload was altered", ErrChainBroken, e.Sequence)
		}
		h, err := linkHash(e)
		if err != nil {
			return fmt.Errorf("%w: seq %d: %w", ErrChainBroken, e.Sequence, err)
		}
		if h != e.EntryHash {
			return fmt.Errorf("%w: seq %d was altered", ErrChainBroken, e.Sequence)
		}
		prev = e.EntryHash
	}
	return nil
}
