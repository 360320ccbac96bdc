package importer

// engine.go is the chunked transactional engine. It partitions the record
// list into fixed-size chunks and processes each chunk inside one atomic
// store transaction: a chunk's per-record outcomes are visible if and only
// if that chunk committed. Per-record defects are classified and recorded
// without aborting the chunk; a failed commit rolls the whole chunk back,
// pauses the session, and leaves the resume cursor at the last committed
// record.

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"tagvault/internal/store"
)

// DefaultChunkSize is the number of records processed per transaction.
const DefaultChunkSize = 500

// DefaultMaxRecords caps the total records accepted for one job.
const DefaultMaxRecords = 50000

// Options tune the engine.
type Options struct {
	ChunkSize  int
	MaxRecords int
}

// Engine drives chunked imports. It holds no session state of its own: a
// single logical worker per job reads and writes everything through the
// session store, so a job survives process restarts at chunk granularity.
type Engine struct {
	records  store.RecordStore
	sessions SessionStore
	progress *Publisher

	chunkSize  int
	maxRecords int

	// yield is the cooperative breakpoint between chunks, overridable in
	// tests to observe chunk ordering.
	yield func()

	// now feeds the resumability window check.
	now func() time.Time
}

// NewEngine creates an engine over the given stores. progress may be nil
// when no observer will ever attach.
func NewEngine(records store.RecordStore, sessions SessionStore, progress *Publisher, opts Options) *Engine {
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	maxRecords := opts.MaxRecords
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	return &Engine{
		records:    records,
		sessions:   sessions,
		progress:   progress,
		chunkSize:  chunkSize,
		maxRecords: maxRecords,
		yield:      runtime.Gosched,
		now:        time.Now,
	}
}

// Run imports records for ownerID against a freshly created session.
// The returned Result reports Success=false only when a chunk failed to
// commit or a fatal condition stopped the job; per-record defects are
// reported through Result.Errors without failing the job.
func (e *Engine) Run(ctx context.Context, ownerID string, records []ImportRecord, sessionID, channelID string) (*Result, error) {
	if len(records) > e.maxRecords {
		msg := fmt.Sprintf("too many records: %d exceeds the %d record limit", len(records), e.maxRecords)
		entry := ErrorLogEntry{
			Code:        CodeTooManyRecords,
			RecordIndex: -1,
			Message:     messageFor(CodeTooManyRecords, -1, msg),
			Severity:    SeverityError,
		}
		if err := e.sessions.AppendError(ctx, sessionID, entry); err != nil {
			return nil, err
		}
		if err := e.sessions.UpdateStatus(ctx, sessionID, StatusFailed); err != nil {
			return nil, err
		}
		e.publish(channelID, ProgressUpdate{
			Total:  len(records),
			Status: ProgressError,
			Log:    entry.Message,
		})
		return &Result{Success: false, Errors: []string{entry.Message}}, nil
	}

	return e.run(ctx, ownerID, records, sessionID, channelID)
}

// Resume continues a paused or failed session. The store does not retain
// the source payload, so the caller re-supplies the full original record
// list; processing restarts at the record after the resume cursor.
func (e *Engine) Resume(ctx context.Context, sessionID string, records []ImportRecord, channelID string) (*Result, error) {
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.CanResume(e.now()) {
		return nil, ErrNotResumable
	}
	if len(records) != sess.TotalRecords {
		return nil, invalid("records", "resume payload has %d records, session expects %d", len(records), sess.TotalRecords)
	}
	return e.run(ctx, sess.OwnerID, records, sessionID, channelID)
}

// Cancel marks the session cancelled. A chunk already in flight resolves on
// its own terms; cancellation only prevents further chunks from starting.
func (e *Engine) Cancel(ctx context.Context, sessionID string) error {
	return e.sessions.UpdateStatus(ctx, sessionID, StatusCancelled)
}

func (e *Engine) run(ctx context.Context, ownerID string, records []ImportRecord, sessionID, channelID string) (*Result, error) {
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if err := e.sessions.UpdateStatus(ctx, sessionID, StatusInProgress); err != nil {
		return nil, err
	}

	log := slog.With("session_id", sessionID, "owner_id", ownerID, "total", len(records))
	log.Info("import started", "chunk_size", e.chunkSize, "start_index", sess.LastProcessedIndex+1)

	counters := Progress{
		Processed:          sess.ProcessedRecords,
		Imported:           sess.ImportedRecords,
		Skipped:            sess.SkippedRecords,
		Failed:             sess.FailedRecords,
		LastProcessedIndex: sess.LastProcessedIndex,
	}
	result := &Result{Errors: []string{}}

	e.publish(channelID, ProgressUpdate{
		Processed:        counters.Processed,
		Total:            len(records),
		Status:           ProgressStarted,
		CurrentOperation: "importing records",
	})

	chunkNumber := counters.Processed / e.chunkSize
	for chunkStart := sess.LastProcessedIndex + 1; chunkStart < len(records); chunkStart += e.chunkSize {
		// Cancellation is honored between chunks only.
		if stopped, err := e.cancelled(ctx, sessionID); err != nil {
			if ctx.Err() != nil {
				return e.pauseOnInterrupt(ctx, sessionID, channelID, result, counters, len(records), err, log)
			}
			return result, err
		} else if stopped {
			log.Info("import cancelled", "last_index", counters.LastProcessedIndex)
			e.publish(channelID, ProgressUpdate{
				Processed: counters.Processed,
				Total:     len(records),
				Status:    ProgressError,
				Log:       "import cancelled",
			})
			return result, nil
		}

		chunkEnd := chunkStart + e.chunkSize
		if chunkEnd > len(records) {
			chunkEnd = len(records)
		}
		chunk := records[chunkStart:chunkEnd]
		chunkNumber++

		var entries []ErrorLogEntry
		var imported, skipped, failed int

		txErr := e.records.RunInTx(ctx, func(tx store.Tx) error {
			for i, rec := range chunk {
				idx := chunkStart + i
				entry, wrote := e.processRecord(ctx, tx, ownerID, rec, idx)
				switch {
				case wrote:
					imported++
				case entry != nil && entry.Code == CodeDuplicateRecord:
					skipped++
				default:
					failed++
				}
				if entry != nil {
					entries = append(entries, *entry)
				}
			}
			return nil
		})

		if txErr != nil {
			// The chunk rolled back in full; none of its outcomes persist.
			return e.pauseOnChunkFailure(ctx, sessionID, channelID, result, counters, ChunkRollbackInfo{
				ChunkNumber:     chunkNumber,
				ChunkSize:       e.chunkSize,
				StartIndex:      chunkStart,
				EndIndex:        chunkEnd - 1,
				Reason:          "transaction failed to commit",
				RecordsAffected: len(chunk),
			}, len(records), txErr, log)
		}

		counters.Processed += len(chunk)
		counters.Imported += imported
		counters.Skipped += skipped
		counters.Failed += failed
		counters.LastProcessedIndex = chunkEnd - 1
		result.Imported += imported
		result.Skipped += skipped

		if err := e.sessions.UpdateProgress(ctx, sessionID, counters); err != nil {
			// Committed record writes stay; the job cannot continue safely
			// without a durable cursor.
			log.Error("progress persist failed", "error", err)
			return e.failFatal(ctx, sessionID, channelID, result, len(records), counters, err)
		}
		for _, entry := range entries {
			if err := e.sessions.AppendError(ctx, sessionID, entry); err != nil {
				log.Error("error log persist failed", "error", err)
			}
			result.Errors = append(result.Errors, entry.Message)
		}

		e.publish(channelID, ProgressUpdate{
			Processed:        counters.Processed,
			Total:            len(records),
			Status:           ProgressProcessing,
			CurrentOperation: fmt.Sprintf("chunk %d committed", chunkNumber),
			Imported:         intPtr(counters.Imported),
			Skipped:          intPtr(counters.Skipped),
			Errors:           intPtr(counters.Failed),
		})

		// Cooperative breakpoint: let other jobs and observers run before
		// the next chunk starts.
		e.yield()
	}

	if err := e.sessions.UpdateStatus(ctx, sessionID, StatusCompleted); err != nil {
		return result, err
	}
	result.Success = true

	log.Info("import completed",
		"imported", counters.Imported,
		"skipped", counters.Skipped,
		"failed", counters.Failed,
	)
	e.publish(channelID, ProgressUpdate{
		Processed: counters.Processed,
		Total:     len(records),
		Status:    ProgressCompleted,
		Imported:  intPtr(counters.Imported),
		Skipped:   intPtr(counters.Skipped),
		Errors:    intPtr(counters.Failed),
	})
	return result, nil
}

// processRecord applies the per-record pipeline inside a chunk transaction.
// It returns the error log entry for a defective record (nil when the
// record imported cleanly) and whether a row was written. No outcome here
// aborts the chunk.
func (e *Engine) processRecord(ctx context.Context, tx store.Tx, ownerID string, rec ImportRecord, idx int) (*ErrorLogEntry, bool) {
	if !utf8.ValidString(rec.Content) {
		entry := newEntry(CodeInvalidCharacters, idx, "")
		return &entry, false
	}

	tags := store.TagSet(rec.Content)
	if len(tags) == 0 {
		entry := newEntry(CodeEmptyContent, idx, "")
		return &entry, false
	}

	createdAt, err := time.Parse(time.RFC3339, rec.CreatedAt)
	if err != nil {
		entry := newEntry(CodeInvalidDateFormat, idx, "")
		return &entry, false
	}
	updatedRaw := rec.UpdatedAt
	if updatedRaw == "" {
		updatedRaw = rec.CreatedAt
	}
	updatedAt, err := time.Parse(time.RFC3339, updatedRaw)
	if err != nil {
		entry := newEntry(CodeInvalidDateFormat, idx, "")
		return &entry, false
	}

	err = tx.Insert(ctx, store.Record{
		ID:          uuid.New().String(),
		OwnerID:     ownerID,
		Content:     rec.Content,
		Tags:        tags,
		Fingerprint: store.Fingerprint(tags),
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	})
	switch {
	case err == nil:
		return nil, true
	case err == store.ErrDuplicate:
		entry := newEntry(CodeDuplicateRecord, idx, "")
		return &entry, false
	default:
		slog.Error("record insert failed", "owner_id", ownerID, "record_index", idx, "error", err)
		entry := newEntry(CodeDatabaseError, idx, "")
		return &entry, false
	}
}

// pauseOnChunkFailure records the rollback, pauses the session, and returns
// the results accumulated from fully-committed prior chunks.
func (e *Engine) pauseOnChunkFailure(ctx context.Context, sessionID, channelID string, result *Result, counters Progress, info ChunkRollbackInfo, total int, txErr error, log *slog.Logger) (*Result, error) {
	log.Error("chunk transaction failed",
		"chunk", info.ChunkNumber,
		"start_index", info.StartIndex,
		"end_index", info.EndIndex,
		"error", txErr,
	)

	code := classifyTxError(txErr)
	msg := fmt.Sprintf("chunk %d (records %d-%d) was rolled back; %d record(s) were not written",
		info.ChunkNumber, info.StartIndex, info.EndIndex, info.RecordsAffected)
	if code == CodeConnectionError {
		msg = messageFor(CodeConnectionError, -1, msg)
	}
	entry := ErrorLogEntry{
		Code:        code,
		RecordIndex: info.StartIndex,
		Message:     msg,
		Severity:    SeverityError,
	}

	if err := e.sessions.AppendError(ctx, sessionID, entry); err != nil {
		return result, err
	}
	if err := e.sessions.UpdateStatus(ctx, sessionID, StatusPaused); err != nil {
		return result, err
	}

	result.Errors = append(result.Errors, entry.Message)
	e.publish(channelID, ProgressUpdate{
		Processed: counters.Processed,
		Total:     total,
		Status:    ProgressError,
		Log:       entry.Message,
		Imported:  intPtr(counters.Imported),
		Skipped:   intPtr(counters.Skipped),
		Errors:    intPtr(counters.Failed),
	})
	return result, nil
}

// pauseOnInterrupt pauses the session when the job's context ends between
// chunks (a job timeout or caller disconnect). Committed chunks and the
// cursor are durable, so the remainder stays resumable within the session
// window. The status write uses a detached context because the job's own
// context is already done.
func (e *Engine) pauseOnInterrupt(ctx context.Context, sessionID, channelID string, result *Result, counters Progress, total int, cause error, log *slog.Logger) (*Result, error) {
	log.Warn("import interrupted", "last_index", counters.LastProcessedIndex, "reason", cause)

	detached := context.WithoutCancel(ctx)
	if err := e.sessions.UpdateStatus(detached, sessionID, StatusPaused); err != nil {
		log.Error("status persist failed", "error", err)
	}

	e.publish(channelID, ProgressUpdate{
		Processed: counters.Processed,
		Total:     total,
		Status:    ProgressError,
		Log:       "import interrupted; the session is paused and can be resumed",
		Imported:  intPtr(counters.Imported),
		Skipped:   intPtr(counters.Skipped),
		Errors:    intPtr(counters.Failed),
	})
	return result, cause
}

// failFatal transitions the session to failed after a non-chunk-local error.
func (e *Engine) failFatal(ctx context.Context, sessionID, channelID string, result *Result, total int, counters Progress, cause error) (*Result, error) {
	entry := newEntry(CodeImportFailed, -1, "session state could not be persisted")
	if err := e.sessions.AppendError(ctx, sessionID, entry); err != nil {
		slog.Error("error log persist failed", "session_id", sessionID, "error", err)
	}
	if err := e.sessions.UpdateStatus(ctx, sessionID, StatusFailed); err != nil {
		slog.Error("status persist failed", "session_id", sessionID, "error", err)
	}
	result.Errors = append(result.Errors, entry.Message)
	e.publish(channelID, ProgressUpdate{
		Processed: counters.Processed,
		Total:     total,
		Status:    ProgressError,
		Log:       entry.Message,
	})
	return result, cause
}

// cancelled reports whether the session was moved to cancelled out of band.
func (e *Engine) cancelled(ctx context.Context, sessionID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return sess.Status == StatusCancelled, nil
}

func (e *Engine) publish(channelID string, update ProgressUpdate) {
	if e.progress == nil || channelID == "" {
		return
	}
	if err := e.progress.Publish(channelID, update); err != nil {
		slog.Warn("progress publish failed", "channel_id", channelID, "error", err)
	}
}

func intPtr(v int) *int { return &v }
