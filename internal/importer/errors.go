package importer

// errors.go defines the fixed error taxonomy for import jobs and the repair
// advisor that turns a session's error log into actionable suggestions.
//
// Every caller-visible message is produced here; raw storage errors are
// logged server-side but never propagated verbatim.

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCode is one of the fixed import failure kinds.
type ErrorCode string

const (
	CodeEmptyContent      ErrorCode = "EMPTY_CONTENT"
	CodeDuplicateRecord   ErrorCode = "DUPLICATE_RECORD"
	CodeInvalidDateFormat ErrorCode = "INVALID_DATE_FORMAT"
	CodeTooManyRecords    ErrorCode = "TOO_MANY_RECORDS"
	CodeInvalidCharacters ErrorCode = "INVALID_CHARACTERS"
	CodeDatabaseError     ErrorCode = "DATABASE_ERROR"
	CodeConnectionError   ErrorCode = "CONNECTION_ERROR"
	CodeChunkFailed       ErrorCode = "CHUNK_FAILED"
	CodeImportFailed      ErrorCode = "IMPORT_FAILED"
)

// Sentinel errors surfaced by the session store and engine.
var (
	ErrSessionNotFound = errors.New("import session not found")
	ErrNotResumable    = errors.New("import session is not resumable")
	ErrTooManyJobs     = errors.New("too many concurrent import jobs, please try again later")
)

// InvalidTransitionError is returned when a session status change violates
// the lifecycle state machine.
type InvalidTransitionError struct {
	From SessionStatus
	To   SessionStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid session transition %s -> %s", e.From, e.To)
}

// AcceptedTimeFormat is the timestamp layout import payloads must use.
const AcceptedTimeFormat = "2006-01-02T15:04:05Z07:00" // RFC 3339

// exampleTimestamp is shown in date-format repair suggestions.
const exampleTimestamp = "2024-01-15T10:30:00Z"

// newEntry builds an error log entry with the standard message for code.
func newEntry(code ErrorCode, recordIndex int, detail string) ErrorLogEntry {
	return ErrorLogEntry{
		Code:        code,
		RecordIndex: recordIndex,
		Message:     messageFor(code, recordIndex, detail),
		Severity:    severityFor(code),
	}
}

// messageFor is the single message builder for the taxonomy. detail is
// optional context (a reason, never a raw driver error).
func messageFor(code ErrorCode, recordIndex int, detail string) string {
	switch code {
	case CodeEmptyContent:
		return fmt.Sprintf("record %d has no content after tag splitting", recordIndex)
	case CodeDuplicateRecord:
		return fmt.Sprintf("record %d duplicates an existing record with the same tag set", recordIndex)
	case CodeInvalidDateFormat:
		return fmt.Sprintf("record %d has an unparsable timestamp (expected RFC 3339, e.g. %s)", recordIndex, exampleTimestamp)
	case CodeTooManyRecords:
		return detail
	case CodeInvalidCharacters:
		return fmt.Sprintf("record %d contains invalid characters", recordIndex)
	case CodeDatabaseError:
		return fmt.Sprintf("record %d could not be written due to a storage error", recordIndex)
	case CodeConnectionError:
		return fmt.Sprintf("storage connection lost: %s", detail)
	case CodeChunkFailed:
		return detail
	case CodeImportFailed:
		return fmt.Sprintf("import failed: %s", detail)
	default:
		return detail
	}
}

func severityFor(code ErrorCode) Severity {
	switch code {
	case CodeDuplicateRecord:
		return SeverityWarning
	default:
		return SeverityError
	}
}

// maxSuggestionIndices bounds how many affected record indices a single
// suggestion lists before switching to an ellipsis indicator.
const maxSuggestionIndices = 10

// RepairSuggestions inspects the distinct error codes present in entries
// and emits at most one suggestion per code. It is a pure function of the
// error set and safe to call repeatedly.
func RepairSuggestions(entries []ErrorLogEntry) []RepairSuggestion {
	byCode := make(map[ErrorCode][]int)
	for _, e := range entries {
		byCode[e.Code] = append(byCode[e.Code], e.RecordIndex)
	}

	var out []RepairSuggestion

	if _, ok := byCode[CodeDuplicateRecord]; ok {
		out = append(out, RepairSuggestion{
			Type:    "duplicates",
			Message: fmt.Sprintf("%d record(s) already exist with the same tag set", len(byCode[CodeDuplicateRecord])),
			Action:  "Use the update endpoint to modify existing records instead of re-importing them",
		})
	}

	if _, ok := byCode[CodeInvalidDateFormat]; ok {
		out = append(out, RepairSuggestion{
			Type:    "date-format",
			Message: "Some records carry timestamps that could not be parsed",
			Action:  "Format createdAt and updatedAt as RFC 3339",
			Example: exampleTimestamp,
		})
	}

	if idx, ok := byCode[CodeEmptyContent]; ok {
		out = append(out, RepairSuggestion{
			Type:    "empty-content",
			Message: fmt.Sprintf("Records at index %s have no content", formatIndices(idx)),
			Action:  "Remove empty records from the payload or add content to them",
		})
	}

	if _, ok := byCode[CodeTooManyRecords]; ok {
		out = append(out, RepairSuggestion{
			Type:    "batch-size",
			Message: "The submitted batch exceeds the per-job record limit",
			Action:  "Split the payload into smaller batches and import them sequentially",
		})
	}

	retryable := false
	for _, code := range []ErrorCode{CodeDatabaseError, CodeConnectionError, CodeChunkFailed} {
		if _, ok := byCode[code]; ok {
			retryable = true
			break
		}
	}
	if retryable {
		out = append(out, RepairSuggestion{
			Type:    "retry",
			Message: "A storage failure interrupted part of the import",
			Action:  "Resume the session to retry the uncommitted remainder",
		})
	}

	return out
}

// formatIndices renders record indices for display, capped at
// maxSuggestionIndices with an ellipsis indicator beyond that.
func formatIndices(indices []int) string {
	sorted := make([]int, len(indices))
	copy(sorted, indices)
	sort.Ints(sorted)

	shown := sorted
	truncated := false
	if len(shown) > maxSuggestionIndices {
		shown = shown[:maxSuggestionIndices]
		truncated = true
	}

	parts := make([]string, len(shown))
	for i, v := range shown {
		parts[i] = fmt.Sprintf("%d", v)
	}
	s := strings.Join(parts, ", ")
	if truncated {
		s += fmt.Sprintf(", … (%d more)", len(sorted)-maxSuggestionIndices)
	}
	return s
}

// connectionPatterns mark transaction-level failures that stem from lost
// connectivity rather than data defects.
var connectionPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"unexpected eof",
	"conn closed",
}

// classifyTxError maps a chunk transaction failure to its taxonomy code.
func classifyTxError(err error) ErrorCode {
	msg := strings.ToLower(err.Error())
	for _, p := range connectionPatterns {
		if strings.Contains(msg, p) {
			return CodeConnectionError
		}
	}
	return CodeChunkFailed
}
