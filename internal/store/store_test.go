package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestTagSet(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{"simple", "alpha beta", []string{"alpha", "beta"}},
		{"case folded", "Alpha BETA", []string{"alpha", "beta"}},
		{"deduped", "alpha alpha beta", []string{"alpha", "beta"}},
		{"sorted", "zebra alpha mango", []string{"alpha", "mango", "zebra"}},
		{"mixed whitespace", "alpha\tbeta\n gamma", []string{"alpha", "beta", "gamma"}},
		{"empty", "", nil},
		{"whitespace only", " \t\n ", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TagSet(tt.content)
			if len(got) != len(tt.want) {
				t.Fatalf("TagSet(%q) = %v, want %v", tt.content, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("TagSet(%q)[%d] = %q, want %q", tt.content, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestFingerprint_OrderAndCaseInsensitive(t *testing.T) {
	a := Fingerprint(TagSet("alpha beta gamma"))
	b := Fingerprint(TagSet("GAMMA beta Alpha"))
	c := Fingerprint(TagSet("alpha beta"))

	if a != b {
		t.Errorf("fingerprints differ for equivalent tag sets: %q vs %q", a, b)
	}
	if a == c {
		t.Error("fingerprints collide for different tag sets")
	}
}

func TestFingerprint_SeparatorAmbiguity(t *testing.T) {
	// "ab" + "c" must not fingerprint like "a" + "bc".
	a := Fingerprint([]string{"ab", "c"})
	b := Fingerprint([]string{"a", "bc"})
	if a == b {
		t.Error("fingerprint does not separate adjacent tags")
	}
}

func seedRecord(m *Memory, owner, content string, at time.Time) Record {
	tags := TagSet(content)
	rec := Record{
		ID:          fmt.Sprintf("%s-%d", owner, at.UnixNano()),
		OwnerID:     owner,
		Content:     content,
		Tags:        tags,
		Fingerprint: Fingerprint(tags),
		CreatedAt:   at,
		UpdatedAt:   at,
	}
	m.Seed(rec)
	return rec
}

func TestMemory_TxCommitAppliesWrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	err := m.RunInTx(ctx, func(tx Tx) error {
		for i := 0; i < 3; i++ {
			content := fmt.Sprintf("tag%d", i)
			tags := TagSet(content)
			if err := tx.Insert(ctx, Record{
				ID: fmt.Sprintf("r%d", i), OwnerID: "o1", Content: content,
				Tags: tags, Fingerprint: Fingerprint(tags),
				CreatedAt: time.Now(), UpdatedAt: time.Now(),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunInTx() error = %v", err)
	}

	count, _ := m.CountByOwner(ctx, "o1")
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}

func TestMemory_TxFailureDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.CommitHook = func() error { return errors.New("boom") }

	err := m.RunInTx(ctx, func(tx Tx) error {
		tags := TagSet("alpha")
		return tx.Insert(ctx, Record{
			ID: "r1", OwnerID: "o1", Content: "alpha",
			Tags: tags, Fingerprint: Fingerprint(tags),
			CreatedAt: time.Now(), UpdatedAt: time.Now(),
		})
	})
	if err == nil {
		t.Fatal("RunInTx() expected commit error")
	}

	count, _ := m.CountByOwner(ctx, "o1")
	if count != 0 {
		t.Errorf("count = %d, want 0 after rollback", count)
	}
}

func TestMemory_DuplicateDetection(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedRecord(m, "o1", "alpha beta", time.Now())

	// Committed duplicate.
	err := m.RunInTx(ctx, func(tx Tx) error {
		tags := TagSet("BETA alpha")
		return tx.Insert(ctx, Record{
			ID: "dup", OwnerID: "o1", Content: "BETA alpha",
			Tags: tags, Fingerprint: Fingerprint(tags),
			CreatedAt: time.Now(), UpdatedAt: time.Now(),
		})
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("error = %v, want ErrDuplicate", err)
	}

	// Staged duplicate within one transaction.
	var insertErrs []error
	m.RunInTx(ctx, func(tx Tx) error {
		for _, content := range []string{"new tags", "tags new"} {
			tags := TagSet(content)
			insertErrs = append(insertErrs, tx.Insert(ctx, Record{
				ID: content, OwnerID: "o1", Content: content,
				Tags: tags, Fingerprint: Fingerprint(tags),
				CreatedAt: time.Now(), UpdatedAt: time.Now(),
			}))
		}
		return nil
	})
	if insertErrs[0] != nil {
		t.Errorf("first staged insert error = %v", insertErrs[0])
	}
	if !errors.Is(insertErrs[1], ErrDuplicate) {
		t.Errorf("second staged insert error = %v, want ErrDuplicate", insertErrs[1])
	}

	// Different owners do not conflict.
	err = m.RunInTx(ctx, func(tx Tx) error {
		tags := TagSet("alpha beta")
		return tx.Insert(ctx, Record{
			ID: "other-owner", OwnerID: "o2", Content: "alpha beta",
			Tags: tags, Fingerprint: Fingerprint(tags),
			CreatedAt: time.Now(), UpdatedAt: time.Now(),
		})
	})
	if err != nil {
		t.Errorf("cross-owner insert error = %v, want nil", err)
	}
}

func TestMemory_ListByOwnerPagination(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		seedRecord(m, "o1", fmt.Sprintf("tag%d", i), base.Add(time.Duration(i)*time.Hour))
	}

	page, err := m.ListByOwner(ctx, "o1", 1, 2)
	if err != nil {
		t.Fatalf("ListByOwner() error = %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("len = %d, want 2", len(page))
	}
	if page[0].Content != "tag1" || page[1].Content != "tag2" {
		t.Errorf("page = %q, %q, want tag1, tag2", page[0].Content, page[1].Content)
	}

	empty, err := m.ListByOwner(ctx, "o1", 10, 2)
	if err != nil {
		t.Fatalf("ListByOwner() error = %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("offset past end returned %d records", len(empty))
	}
}

func TestMemory_FindByTags(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedRecord(m, "o1", "go database tools", time.Now())
	seedRecord(m, "o1", "go web server", time.Now())
	seedRecord(m, "o1", "rust tools", time.Now())

	got, err := m.FindByTags(ctx, "o1", []string{"go"}, 0)
	if err != nil {
		t.Fatalf("FindByTags() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("go matches = %d, want 2", len(got))
	}

	got, _ = m.FindByTags(ctx, "o1", []string{"go", "tools"}, 0)
	if len(got) != 1 {
		t.Errorf("go+tools matches = %d, want 1", len(got))
	}
}

func TestMemory_Settings(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, ok, err := m.Settings(ctx, "o1")
	if err != nil || ok {
		t.Errorf("Settings() = ok=%v err=%v, want absent", ok, err)
	}

	m.PutSettings("o1", NormalizationRules{CaseSensitive: true})
	rules, ok, err := m.Settings(ctx, "o1")
	if err != nil || !ok {
		t.Fatalf("Settings() = ok=%v err=%v, want present", ok, err)
	}
	if !rules.CaseSensitive {
		t.Error("CaseSensitive = false, want stored value")
	}
}
