package store

// memory.go implements RecordStore on an in-process map guarded by a mutex.
// It backs unit tests and the single-binary development mode, and mirrors
// the Postgres implementation's semantics: staged writes become visible
// only when the chunk transaction commits, and duplicate fingerprints fail
// with ErrDuplicate even within a single transaction.

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-memory RecordStore.
type Memory struct {
	mu       sync.Mutex
	records  map[string][]Record // ownerID -> records in insertion order
	settings map[string]NormalizationRules

	// CommitHook, when set, runs before a transaction's staged writes are
	// applied; a non-nil return aborts the commit. Used to exercise
	// chunk-failure paths in tests.
	CommitHook func() error

	// InsertHook, when set, runs before each staged insert; a non-nil
	// return is surfaced as that record's insert error.
	InsertHook func(rec Record) error
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records:  make(map[string][]Record),
		settings: make(map[string]NormalizationRules),
	}
}

type memoryTx struct {
	store  *Memory
	staged []Record
}

func (t *memoryTx) Insert(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.store.InsertHook != nil {
		if err := t.store.InsertHook(rec); err != nil {
			return err
		}
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	for _, existing := range t.store.records[rec.OwnerID] {
		if existing.Fingerprint == rec.Fingerprint {
			return ErrDuplicate
		}
	}
	for _, staged := range t.staged {
		if staged.OwnerID == rec.OwnerID && staged.Fingerprint == rec.Fingerprint {
			return ErrDuplicate
		}
	}

	t.staged = append(t.staged, rec)
	return nil
}

// RunInTx stages writes and applies them atomically on commit.
func (m *Memory) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memoryTx{store: m}
	if err := fn(tx); err != nil {
		return err
	}
	if m.CommitHook != nil {
		if err := m.CommitHook(); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range tx.staged {
		m.records[rec.OwnerID] = append(m.records[rec.OwnerID], rec)
	}
	return nil
}

// ListByOwner returns records in stable creation order.
func (m *Memory) ListByOwner(ctx context.Context, ownerID string, offset, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := make([]Record, len(m.records[ownerID]))
	copy(all, m.records[ownerID])
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	out := make([]Record, end-offset)
	copy(out, all[offset:end])
	return out, nil
}

// CountByOwner returns the owner's record count.
func (m *Memory) CountByOwner(ctx context.Context, ownerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.records[ownerID])), nil
}

// FindByTags returns up to limit records matching all given tags.
func (m *Memory) FindByTags(ctx context.Context, ownerID string, tags []string, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record
	for _, rec := range m.records[ownerID] {
		if containsAll(rec.Tags, tags) {
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// Settings returns the owner's stored normalization rules, if any.
func (m *Memory) Settings(ctx context.Context, ownerID string) (NormalizationRules, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rules, ok := m.settings[ownerID]
	return rules, ok, nil
}

// PutSettings stores normalization rules for an owner.
func (m *Memory) PutSettings(ownerID string, rules NormalizationRules) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[ownerID] = rules
}

// Seed inserts a record directly, bypassing transactions. Test helper.
func (m *Memory) Seed(rec Record) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.OwnerID] = append(m.records[rec.OwnerID], rec)
}

func containsAll(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
