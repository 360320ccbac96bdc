// Package importer provides the business logic for bulk record import and
// export. This package has no HTTP dependencies and can be driven by any
// frontend.
package importer

import (
	"time"
)

// SessionStatus is the lifecycle state of an import session.
type SessionStatus string

const (
	StatusInitializing SessionStatus = "initializing"
	StatusInProgress   SessionStatus = "in-progress"
	StatusPaused       SessionStatus = "paused"
	StatusCompleted    SessionStatus = "completed"
	StatusFailed       SessionStatus = "failed"
	StatusCancelled    SessionStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Severity classifies how serious an error log entry is.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// ErrorLogEntry is one classified failure recorded against a session.
type ErrorLogEntry struct {
	Code        ErrorCode `json:"errorCode"`
	RecordIndex int       `json:"recordIndex"`
	Message     string    `json:"message"`
	Severity    Severity  `json:"severity"`
}

// MaxErrorLogEntries caps a session's error log. Once full, the oldest
// entries are evicted so the most recent failures are always preserved.
const MaxErrorLogEntries = 1000

// SessionTTL is how long after creation a session remains resumable.
const SessionTTL = 24 * time.Hour

// Session is the durable record of one import job's lifecycle.
type Session struct {
	ID               string          `json:"sessionId"`
	OwnerID          string          `json:"ownerId"`
	Status           SessionStatus   `json:"status"`
	TotalRecords     int             `json:"totalRecords"`
	ProcessedRecords int             `json:"processedRecords"`
	ImportedRecords  int             `json:"importedRecords"`
	SkippedRecords   int             `json:"skippedRecords"`
	FailedRecords    int             `json:"failedRecords"`
	// LastProcessedIndex is the resume cursor: the zero-based index of the
	// last record whose outcome was durably committed, or -1 when nothing
	// has committed yet.
	LastProcessedIndex int             `json:"lastProcessedIndex"`
	ErrorLog           []ErrorLogEntry `json:"errorLog"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// CanResume reports whether the session may be resumed at the given instant.
// Only paused or failed sessions younger than SessionTTL qualify.
func (s *Session) CanResume(now time.Time) bool {
	if s.Status != StatusPaused && s.Status != StatusFailed {
		return false
	}
	return now.Sub(s.CreatedAt) < SessionTTL
}

// assumedThroughput is the records-per-second rate used for resume-time
// estimates when no live measurement exists.
const assumedThroughput = 100

// ResumeInfo describes the remaining work for a resumable session.
type ResumeInfo struct {
	LastProcessedIndex int `json:"lastProcessedIndex"`
	RemainingRecords   int `json:"remainingRecords"`
	// EstimatedSeconds is a coarse projection at assumedThroughput.
	EstimatedSeconds int `json:"estimatedSeconds"`
}

// ResumeInfo computes the remaining-work estimate for the session.
func (s *Session) ResumeInfo() ResumeInfo {
	remaining := s.TotalRecords - s.ProcessedRecords
	if remaining < 0 {
		remaining = 0
	}
	est := (remaining + assumedThroughput - 1) / assumedThroughput
	return ResumeInfo{
		LastProcessedIndex: s.LastProcessedIndex,
		RemainingRecords:   remaining,
		EstimatedSeconds:   est,
	}
}

// ChunkRollbackInfo describes a chunk transaction that was rolled back.
// It exists for diagnostics and resume planning only; a rolled-back chunk
// contributes nothing to the session's committed counters.
type ChunkRollbackInfo struct {
	ChunkNumber     int    `json:"chunkNumber"`
	ChunkSize       int    `json:"chunkSize"`
	StartIndex      int    `json:"startIndex"`
	EndIndex        int    `json:"endIndex"`
	Reason          string `json:"reason"`
	RecordsAffected int    `json:"recordsAffected"`
}

// ImportRecord is one record as submitted in the import payload. Timestamps
// stay in wire form until the engine parses them, so a defective record can
// be classified individually instead of failing the batch.
type ImportRecord struct {
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// NormalizationRules are the owner's tag normalization preferences, echoed
// in export metadata.
type NormalizationRules struct {
	CaseSensitive bool `json:"caseSensitive"`
	RemoveAccents bool `json:"removeAccents"`
}

// DefaultNormalizationRules is used when an owner has no stored settings.
var DefaultNormalizationRules = NormalizationRules{CaseSensitive: false, RemoveAccents: false}

// PayloadMetadata is the metadata block of an import/export envelope.
type PayloadMetadata struct {
	ExportedAt         string              `json:"exportedAt,omitempty"`
	RecordCount        int                 `json:"recordCount,omitempty"`
	NormalizationRules *NormalizationRules `json:"normalizationRules,omitempty"`
}

// Payload is a validated, version-normalized import envelope.
type Payload struct {
	Version  string           `json:"version"`
	Records  []ImportRecord   `json:"records"`
	Metadata *PayloadMetadata `json:"metadata,omitempty"`
}

// Result is the synchronous outcome of an import job.
type Result struct {
	// Success is true only if every chunk committed. Per-record defects are
	// reported through Errors without flipping it.
	Success  bool     `json:"success"`
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors"`
}

// ProgressStatus is the coarse state carried by a progress update.
type ProgressStatus string

const (
	ProgressStarted    ProgressStatus = "started"
	ProgressProcessing ProgressStatus = "processing"
	ProgressCompleted  ProgressStatus = "completed"
	ProgressError      ProgressStatus = "error"
)

// Terminal reports whether the status ends a progress channel.
func (p ProgressStatus) Terminal() bool {
	return p == ProgressCompleted || p == ProgressError
}

// ProgressUpdate is one snapshot published to observers. It is derived from
// session and engine state at emission time and never persisted.
type ProgressUpdate struct {
	Processed  int            `json:"processed"`
	Total      int            `json:"total"`
	Percentage int            `json:"percentage"`
	Status     ProgressStatus `json:"status"`

	CurrentOperation string `json:"currentOperation,omitempty"`
	Log              string `json:"log,omitempty"`

	// EstimatedTimeRemaining (seconds) and EstimatedCompletionTime are set
	// by the publisher once 0 < processed < total.
	EstimatedTimeRemaining  *int64     `json:"estimatedTimeRemaining,omitempty"`
	EstimatedCompletionTime *time.Time `json:"estimatedCompletionTime,omitempty"`

	Imported *int `json:"imported,omitempty"`
	Skipped  *int `json:"skipped,omitempty"`
	Errors   *int `json:"errors,omitempty"`
}

// RepairSuggestion is a human-actionable hint derived from the distinct
// error codes present in a session's error log.
type RepairSuggestion struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Action  string `json:"action"`
	Example string `json:"example,omitempty"`
}
