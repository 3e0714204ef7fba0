package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// BundleFormat identifies the bundle layout.
const BundleFormat = "phoenix.audit.bundle/v1"

var ErrEmptyChain = errors.New("store: audit chain is empty")

// Bundle is a whole audit chain exported for offline verification. Digest
// covers the canonical JSON of Entries.
type Bundle struct {
	ID         string        `json:"id"`
	Format     string        `json:"format"`
	ExportedAt time.Time     `json:"exported_at"`
	First      uint64        `json:"first_sequence"`
	Last       uint64        `json:"last_sequence"`
	Count      int           `json:"count"`
	Head       string        `json:"head"`
	Digest     string        `json:"digest"`
	Entries    []*AuditEntry `json:"entries"`
}

func entriesDigest(entries []*AuditEntry) (string, error) {
	raw, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize bundle: %w", err)
	}
	return computeHash(canonical), nil
}

// ExportBundle reads the chain from r and bundles it. A chain that fails
// VerifyEntries is not exported.
func ExportBundle(ctx context.Context, r Reader) (*Bundle, error) {
	entries, err := r.Entries(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: read chain: %w", err)
	}
	if len(entries) == 0 {
		return nil, ErrEmptyChain
	}
	if err := VerifyEntries(entries); err != nil {
		return nil, err
	}
	digest, err := entriesDigest(entries)
	if err != nil {
		return nil, err
	}
	last := entries[len(entries)-1]
	return &Bundle{
		ID:         uuid.NewString(),
		Format:     BundleFormat,
		ExportedAt: time.Now().UTC(),
		First:      entries[0].Sequence,
		Last:       last.Sequence,
		Count:      len(entries),
		Head:       last.EntryHash,
		Digest:     digest,
		Entries:    entries,
	}, nil
}

// VerifyBundle re-verifies every link of b and its summary fields.
func VerifyBundle(b *Bundle) error {
	switch {
	case b.Format != BundleFormat:
		return fmt.Errorf("store: unsupported bundle format %q", b.Format)
	case len(b.Entries) == 0:
		return ErrEmptyChain
	case len(b.Entries) != b.Count:
		return fmt.Errorf("store: bundle declares %d entries, holds %d", b.Count, len(b.Entries))
	}
	if err := VerifyEntries(b.Entries); err != nil {
		return err
	}
	if head := b.Entries[len(b.Entries)-1].EntryHash; head != b.Head {
		return fmt.Errorf("%w: bundle head %s, chain ends at %s", ErrChainBroken, b.Head, head)
	}
	digest, err := entriesDigest(b.Entries)
	if err != nil {
		return err
	}
	if digest != b.Digest {
		return fmt.Errorf("store: bundle digest mismatch")
	}
	return nil
}

// Object is one archived file.
type Object struct {
	Key         string
	Body        []byte
	ContentType string
	Metadata    map[string]string
}

// Sink stores archived objects.
type Sink interface {
	Put(ctx context.Context, obj Object) error
}

// ObjectKey names b under prefix by its sequence range.
func (b *Bundle) ObjectKey(prefix string) string {
	return fmt.Sprintf("%saudit-%06d-%06d-%s.json", prefix, b.First, b.Last, b.ID)
}

// Archive writes b to sink and returns its key. The chain head and entry
// count travel as object metadata so a listing can be checked without
// downloading.
func Archive(ctx context.Context, sink Sink, prefix string, b *Bundle) (string, error) {
	body, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return "", fmt.Errorf("store: encode bundle: %w", err)
	}
	key := b.ObjectKey(prefix)
	err = sink.Put(ctx, Object{
		Key:         key,
		Body:        body,
		ContentType: "application/json",
		Metadata: map[string]string{
			"phoenix-chain-head": b.Head,
			"phoenix-entries":    strconv.Itoa(b.Count),
			"phoenix-digest":     b.Digest,
		},
	})
	if err != nil {
		return "", fmt.Errorf("store: archive %s: %w", key, err)
	}
	return key, nil
}
