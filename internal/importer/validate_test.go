package importer

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestParsePayload_CurrentVersion(t *testing.T) {
	data := []byte(`{
		"version": "2.0",
		"records": [
			{"content": "alpha beta", "createdAt": "2024-01-15T10:30:00Z", "updatedAt": "2024-02-01T08:00:00Z"},
			{"content": "gamma", "createdAt": "2024-01-16T10:30:00Z", "updatedAt": "2024-01-16T10:30:00Z"}
		]
	}`)

	payload, err := ParsePayload(data, DefaultLimits)
	if err != nil {
		t.Fatalf("ParsePayload() error = %v", err)
	}

	if payload.Version != VersionCurrent {
		t.Errorf("Version = %q, want %q", payload.Version, VersionCurrent)
	}
	if len(payload.Records) != 2 {
		t.Fatalf("len(Records) = %d, want 2", len(payload.Records))
	}
	if payload.Records[0].Content != "alpha beta" {
		t.Errorf("Records[0].Content = %q", payload.Records[0].Content)
	}
}

func TestParsePayload_LegacyBackfillsUpdatedAt(t *testing.T) {
	data := []byte(`{
		"version": "1.0",
		"records": [
			{"content": "alpha", "createdAt": "2024-01-15T10:30:00Z"}
		]
	}`)

	payload, err := ParsePayload(data, DefaultLimits)
	if err != nil {
		t.Fatalf("ParsePayload() error = %v", err)
	}

	if payload.Version != VersionCurrent {
		t.Errorf("Version = %q, want normalized %q", payload.Version, VersionCurrent)
	}
	if got := payload.Records[0].UpdatedAt; got != "2024-01-15T10:30:00Z" {
		t.Errorf("UpdatedAt = %q, want backfilled createdAt", got)
	}
}

func TestParsePayload_Rejections(t *testing.T) {
	tests := []struct {
		name      string
		data      string
		wantField string
	}{
		{
			name:      "not an object",
			data:      `[1,2,3]`,
			wantField: "payload",
		},
		{
			name:      "missing version",
			data:      `{"records": []}`,
			wantField: "version",
		},
		{
			name:      "unsupported version",
			data:      `{"version": "3.0", "records": []}`,
			wantField: "version",
		},
		{
			name:      "missing records",
			data:      `{"version": "2.0"}`,
			wantField: "records",
		},
		{
			name:      "records not an array",
			data:      `{"version": "2.0", "records": {}}`,
			wantField: "records",
		},
		{
			name:      "empty content",
			data:      `{"version": "2.0", "records": [{"content": "", "createdAt": "2024-01-15T10:30:00Z", "updatedAt": "2024-01-15T10:30:00Z"}]}`,
			wantField: "records[0].content",
		},
		{
			name:      "missing createdAt",
			data:      `{"version": "2.0", "records": [{"content": "a", "updatedAt": "2024-01-15T10:30:00Z"}]}`,
			wantField: "records[0].createdAt",
		},
		{
			name:      "bad createdAt",
			data:      `{"version": "2.0", "records": [{"content": "a", "createdAt": "15/01/2024", "updatedAt": "2024-01-15T10:30:00Z"}]}`,
			wantField: "records[0].createdAt",
		},
		{
			name:      "v2 missing updatedAt",
			data:      `{"version": "2.0", "records": [{"content": "a", "createdAt": "2024-01-15T10:30:00Z"}]}`,
			wantField: "records[0].updatedAt",
		},
		{
			name:      "bad updatedAt",
			data:      `{"version": "2.0", "records": [{"content": "a", "createdAt": "2024-01-15T10:30:00Z", "updatedAt": "never"}]}`,
			wantField: "records[0].updatedAt",
		},
		{
			name:      "metadata not an object",
			data:      `{"version": "2.0", "records": [], "metadata": 7}`,
			wantField: "metadata",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePayload([]byte(tt.data), DefaultLimits)
			if err == nil {
				t.Fatal("ParsePayload() expected error")
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("error type = %T, want *ValidationError", err)
			}
			if ve.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", ve.Field, tt.wantField)
			}
		})
	}
}

func TestParsePayload_RecordLimit(t *testing.T) {
	var b strings.Builder
	b.WriteString(`{"version": "2.0", "records": [`)
	for i := 0; i < 4; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `{"content": "r%d", "createdAt": "2024-01-15T10:30:00Z", "updatedAt": "2024-01-15T10:30:00Z"}`, i)
	}
	b.WriteString(`]}`)

	_, err := ParsePayload([]byte(b.String()), Limits{MaxRecords: 3, MaxContentBytes: 100})
	if err == nil {
		t.Fatal("ParsePayload() expected error for record limit")
	}
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "records" {
		t.Errorf("want *ValidationError on records, got %v", err)
	}
}

func TestParsePayload_ContentLimit(t *testing.T) {
	long := strings.Repeat("x", 50)
	data := fmt.Sprintf(`{"version": "2.0", "records": [{"content": %q, "createdAt": "2024-01-15T10:30:00Z", "updatedAt": "2024-01-15T10:30:00Z"}]}`, long)

	_, err := ParsePayload([]byte(data), Limits{MaxRecords: 10, MaxContentBytes: 20})
	if err == nil {
		t.Fatal("ParsePayload() expected error for content limit")
	}
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "records[0].content" {
		t.Errorf("want *ValidationError on records[0].content, got %v", err)
	}
}

func TestParsePayload_Metadata(t *testing.T) {
	data := []byte(`{
		"version": "2.0",
		"records": [],
		"metadata": {"exportedAt": "2024-03-01T00:00:00Z", "recordCount": 0}
	}`)

	payload, err := ParsePayload(data, DefaultLimits)
	if err != nil {
		t.Fatalf("ParsePayload() error = %v", err)
	}
	if payload.Metadata == nil {
		t.Fatal("Metadata = nil, want parsed")
	}
	if payload.Metadata.ExportedAt != "2024-03-01T00:00:00Z" {
		t.Errorf("ExportedAt = %q", payload.Metadata.ExportedAt)
	}
}
