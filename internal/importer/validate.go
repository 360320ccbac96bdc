package importer

// validate.go is the validation gate: it structurally checks an inbound
// payload against the versioned envelope schema and normalizes older
// versions to the current shape, before any session is created. It is a
// pure function of its input.

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope versions accepted at the boundary.
const (
	VersionLegacy  = "1.0"
	VersionCurrent = "2.0"
)

// Limits are the boundary size limits enforced by the gate.
type Limits struct {
	// MaxRecords is the maximum total records per job.
	MaxRecords int
	// MaxContentBytes is the maximum content length per record.
	MaxContentBytes int
}

// DefaultLimits match the documented boundary defaults.
var DefaultLimits = Limits{MaxRecords: 50000, MaxContentBytes: 20000}

// ValidationError names the offending field path of a structural rejection.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ParsePayload validates raw JSON against the envelope schema and returns a
// normalized payload in the current shape, or a *ValidationError naming the
// offending field. Legacy (v1) records lacking updatedAt are back-filled
// from createdAt.
func ParsePayload(data []byte, limits Limits) (*Payload, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, invalid("payload", "must be a JSON object")
	}

	rawVersion, ok := root["version"]
	if !ok {
		return nil, invalid("version", "missing required field")
	}
	var version string
	if err := json.Unmarshal(rawVersion, &version); err != nil {
		return nil, invalid("version", "must be a string")
	}
	if version != VersionLegacy && version != VersionCurrent {
		return nil, invalid("version", "unsupported envelope version %q", version)
	}

	rawRecords, ok := root["records"]
	if !ok {
		return nil, invalid("records", "missing required field")
	}
	var rawList []json.RawMessage
	if err := json.Unmarshal(rawRecords, &rawList); err != nil {
		return nil, invalid("records", "must be an array")
	}

	if limits.MaxRecords > 0 && len(rawList) > limits.MaxRecords {
		return nil, invalid("records", "too many records: %d exceeds the %d record limit", len(rawList), limits.MaxRecords)
	}

	records := make([]ImportRecord, 0, len(rawList))
	for i, raw := range rawList {
		rec, err := parseRecord(raw, i, version, limits)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	payload := &Payload{Version: VersionCurrent, Records: records}

	if rawMeta, ok := root["metadata"]; ok {
		var meta PayloadMetadata
		if err := json.Unmarshal(rawMeta, &meta); err != nil {
			return nil, invalid("metadata", "must be an object")
		}
		payload.Metadata = &meta
	}

	return payload, nil
}

func parseRecord(raw json.RawMessage, index int, version string, limits Limits) (ImportRecord, error) {
	field := func(name string) string { return fmt.Sprintf("records[%d].%s", index, name) }

	var rec ImportRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, invalid(fmt.Sprintf("records[%d]", index), "must be an object")
	}

	if rec.Content == "" {
		return rec, invalid(field("content"), "must not be empty")
	}
	if limits.MaxContentBytes > 0 && len(rec.Content) > limits.MaxContentBytes {
		return rec, invalid(field("content"), "content length %d exceeds the %d byte limit", len(rec.Content), limits.MaxContentBytes)
	}

	if rec.CreatedAt == "" {
		return rec, invalid(field("createdAt"), "missing required field")
	}
	if _, err := time.Parse(time.RFC3339, rec.CreatedAt); err != nil {
		return rec, invalid(field("createdAt"), "unparsable timestamp %q", rec.CreatedAt)
	}

	switch version {
	case VersionLegacy:
		// v1 records carry no updatedAt; inherit the creation instant.
		if rec.UpdatedAt == "" {
			rec.UpdatedAt = rec.CreatedAt
		}
	case VersionCurrent:
		if rec.UpdatedAt == "" {
			return rec, invalid(field("updatedAt"), "missing required field")
		}
	}
	if _, err := time.Parse(time.RFC3339, rec.UpdatedAt); err != nil {
		return rec, invalid(field("updatedAt"), "unparsable timestamp %q", rec.UpdatedAt)
	}

	return rec, nil
}
