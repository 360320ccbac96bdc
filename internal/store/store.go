// Package store provides the record store consumed by the import/export
// engine: an atomic-write, queryable collection keyed by owner and content
// fingerprint. Two implementations exist: Postgres (production) and an
// in-memory store (tests, single-binary development).
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"time"
	"unicode"
)

// ErrDuplicate is returned by Tx.Insert when the owner already has a record
// with the same normalized tag set. The uniqueness check lives in the store
// so concurrent jobs resolve to a deterministic conflict-then-skip outcome
// instead of a check-then-insert race.
var ErrDuplicate = errors.New("record with identical tag set already exists")

// Record is one stored record.
type Record struct {
	ID          string
	OwnerID     string
	Content     string
	Tags        []string
	Fingerprint string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NormalizationRules are the owner's stored tag normalization preferences.
type NormalizationRules struct {
	CaseSensitive bool
	RemoveAccents bool
}

// Tx is the write scope of one chunk transaction. Inserts within a Tx become
// visible if and only if the transaction commits.
type Tx interface {
	// Insert writes rec, returning ErrDuplicate when the owner already has a
	// record with rec.Fingerprint. Any other failure is record-local: the
	// implementation must leave the transaction usable for the next insert.
	Insert(ctx context.Context, rec Record) error
}

// RecordStore is the storage collaborator for the import/export engine.
type RecordStore interface {
	// RunInTx runs fn inside one atomic transaction. If fn returns an error
	// the transaction is rolled back in full and the error is returned;
	// otherwise commit errors are returned as-is.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error

	// ListByOwner returns the owner's records in stable creation order.
	ListByOwner(ctx context.Context, ownerID string, offset, limit int) ([]Record, error)

	// CountByOwner returns the owner's total record count.
	CountByOwner(ctx context.Context, ownerID string) (int64, error)

	// FindByTags returns up to limit records of the owner matching all of
	// the given normalized tags.
	FindByTags(ctx context.Context, ownerID string, tags []string, limit int) ([]Record, error)

	// Settings returns the owner's normalization rules. ok is false when the
	// owner has no stored settings.
	Settings(ctx context.Context, ownerID string) (rules NormalizationRules, ok bool, err error)
}

// TagSet derives the normalized tag set from record content: whitespace
// split, empty tokens dropped, case-folded, deduplicated, sorted. An empty
// result means the content carries no importable tags.
func TagSet(content string) []string {
	fields := strings.FieldsFunc(content, unicode.IsSpace)
	seen := make(map[string]struct{}, len(fields))
	tags := make([]string, 0, len(fields))
	for _, f := range fields {
		t := strings.ToLower(f)
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// Fingerprint computes the duplicate-detection key for a normalized tag set.
func Fingerprint(tags []string) string {
	h := sha256.New()
	for i, t := range tags {
		if i > 0 {
			h.Write([]byte{0x1f})
		}
		h.Write([]byte(t))
	}
	return hex.EncodeToString(h.Sum(nil))
}
