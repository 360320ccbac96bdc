package importer

// service.go is the facade the HTTP layer drives. It owns the validation
// gate, the session and record stores, the engine, the progress publisher,
// and the job limiter, and enforces owner scoping on every lookup: a
// session or channel belonging to another owner is indistinguishable from
// one that does not exist.

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tagvault/internal/store"
)

// JobTimeout bounds how long one import job may run.
var JobTimeout = 10 * time.Minute

// ServiceOptions tune the service's engine, exporter, and limiter.
type ServiceOptions struct {
	Limits        Limits
	ChunkSize     int
	MaxConcurrent int
	SlotWait      time.Duration
	ChannelGrace  time.Duration
}

// Service provides the business logic for bulk import and export.
type Service struct {
	records  store.RecordStore
	sessions SessionStore
	engine   *Engine
	exporter *Exporter
	progress *Publisher
	limiter  *JobLimiter
	limits   Limits
}

// NewService wires a service over the given stores.
func NewService(records store.RecordStore, sessions SessionStore, opts ServiceOptions) *Service {
	limits := opts.Limits
	if limits.MaxRecords <= 0 {
		limits.MaxRecords = DefaultLimits.MaxRecords
	}
	if limits.MaxContentBytes <= 0 {
		limits.MaxContentBytes = DefaultLimits.MaxContentBytes
	}

	progress := NewPublisher(opts.ChannelGrace)
	engine := NewEngine(records, sessions, progress, Options{
		ChunkSize:  opts.ChunkSize,
		MaxRecords: limits.MaxRecords,
	})
	return &Service{
		records:  records,
		sessions: sessions,
		engine:   engine,
		exporter: NewExporter(records, progress, opts.ChunkSize),
		progress: progress,
		limiter:  NewJobLimiter(opts.MaxConcurrent, opts.SlotWait),
		limits:   limits,
	}
}

// Started identifies a job accepted for processing.
type Started struct {
	SessionID string `json:"sessionId"`
	ChannelID string `json:"channelId"`
}

// Outcome is the full result of a synchronous import.
type Outcome struct {
	Started
	Result *Result `json:"result"`
}

// Import validates raw payload bytes and runs the job to completion. The
// caller holds the connection for the duration; use StartImport for large
// payloads.
func (s *Service) Import(ctx context.Context, ownerID string, payload []byte) (*Outcome, error) {
	parsed, err := ParsePayload(payload, s.limits)
	if err != nil {
		return nil, err
	}

	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.limiter.Release()

	started, err := s.open(ctx, ownerID, len(parsed.Records))
	if err != nil {
		return nil, err
	}

	result, err := s.engine.Run(ctx, ownerID, parsed.Records, started.SessionID, started.ChannelID)
	if err != nil {
		return nil, err
	}
	return &Outcome{Started: started, Result: result}, nil
}

// StartImport validates raw payload bytes and runs the job in the
// background, returning identifiers the caller can poll and subscribe with.
func (s *Service) StartImport(ctx context.Context, ownerID string, payload []byte) (*Started, error) {
	parsed, err := ParsePayload(payload, s.limits)
	if err != nil {
		return nil, err
	}

	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, err
	}

	started, err := s.open(ctx, ownerID, len(parsed.Records))
	if err != nil {
		s.limiter.Release()
		return nil, err
	}

	// The job outlives the request; it gets its own deadline.
	jobCtx, cancel := context.WithTimeout(context.Background(), JobTimeout)
	go func() {
		defer cancel()
		defer s.limiter.Release()
		if _, err := s.engine.Run(jobCtx, ownerID, parsed.Records, started.SessionID, started.ChannelID); err != nil {
			slog.Error("background import failed", "session_id", started.SessionID, "error", err)
		}
	}()

	return &started, nil
}

// Resume re-runs a paused or failed session from its cursor. The caller
// resubmits the original payload; records before the cursor are not
// reprocessed.
func (s *Service) Resume(ctx context.Context, ownerID, sessionID string, payload []byte) (*Outcome, error) {
	sess, err := s.owned(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	parsed, err := ParsePayload(payload, s.limits)
	if err != nil {
		return nil, err
	}

	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.limiter.Release()

	channelID := s.progress.CreateChannel(ownerID)
	result, err := s.engine.Resume(ctx, sess.ID, parsed.Records, channelID)
	if err != nil {
		return nil, err
	}
	return &Outcome{
		Started: Started{SessionID: sess.ID, ChannelID: channelID},
		Result:  result,
	}, nil
}

// SessionState describes a session for status responses, including repair
// suggestions derived from its error log and, when applicable, resume info.
type SessionState struct {
	Session     *Session           `json:"session"`
	Suggestions []RepairSuggestion `json:"suggestions,omitempty"`
	Resume      *ResumeInfo        `json:"resume,omitempty"`
}

// Session returns the owner's session with derived advice attached.
func (s *Service) Session(ctx context.Context, ownerID, sessionID string) (*SessionState, error) {
	sess, err := s.owned(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}

	state := &SessionState{
		Session:     sess,
		Suggestions: RepairSuggestions(sess.ErrorLog),
	}
	if sess.CanResume(time.Now()) {
		info := sess.ResumeInfo()
		state.Resume = &info
	}
	return state, nil
}

// ResumeInfo returns the remaining-work estimate for a resumable session,
// or ErrNotResumable.
func (s *Service) ResumeInfo(ctx context.Context, ownerID, sessionID string) (*ResumeInfo, error) {
	sess, err := s.owned(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.CanResume(time.Now()) {
		return nil, ErrNotResumable
	}
	info := sess.ResumeInfo()
	return &info, nil
}

// Cancel stops the owner's session before its next chunk.
func (s *Service) Cancel(ctx context.Context, ownerID, sessionID string) error {
	if _, err := s.owned(ctx, ownerID, sessionID); err != nil {
		return err
	}
	return s.engine.Cancel(ctx, sessionID)
}

// Export assembles the owner's full export envelope.
func (s *Service) Export(ctx context.Context, ownerID string) (*Payload, error) {
	return s.exporter.Export(ctx, ownerID, "")
}

// ExportWithProgress assembles the envelope while publishing progress on a
// fresh channel. The channel replays its history, so subscribers attaching
// after the export finished still see the full sequence.
func (s *Service) ExportWithProgress(ctx context.Context, ownerID string) (*Payload, string, error) {
	channelID := s.progress.CreateChannel(ownerID)
	payload, err := s.exporter.Export(ctx, ownerID, channelID)
	if err != nil {
		return nil, "", err
	}
	return payload, channelID, nil
}

// SubscribeProgress attaches to a progress channel, replaying any updates
// published before the subscription.
func (s *Service) SubscribeProgress(ctx context.Context, ownerID, channelID string) (<-chan ProgressUpdate, error) {
	owner, err := s.progress.Owner(channelID)
	if err != nil {
		return nil, err
	}
	if owner != ownerID {
		return nil, ErrChannelNotFound
	}
	return s.progress.Subscribe(ctx, channelID)
}

// Records lists the owner's records for read access, bounded by the read
// limit window.
func (s *Service) Records(ctx context.Context, ownerID string, offset, limit int) ([]store.Record, int64, error) {
	records, err := s.records.ListByOwner(ctx, ownerID, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list records: %w", err)
	}
	total, err := s.records.CountByOwner(ctx, ownerID)
	if err != nil {
		return nil, 0, fmt.Errorf("count records: %w", err)
	}
	return records, total, nil
}

// RecordsByTags returns the owner's records carrying every given tag.
func (s *Service) RecordsByTags(ctx context.Context, ownerID string, tags []string, limit int) ([]store.Record, error) {
	records, err := s.records.FindByTags(ctx, ownerID, tags, limit)
	if err != nil {
		return nil, fmt.Errorf("find records by tags: %w", err)
	}
	return records, nil
}

// LimiterStatus reports job-slot occupancy for health endpoints.
func (s *Service) LimiterStatus() LimiterStatus {
	return s.limiter.Status()
}

// Drain blocks until all running jobs finish or ctx expires.
func (s *Service) Drain(ctx context.Context) error {
	return s.limiter.WaitForDrain(ctx)
}

// open creates a session and its progress channel for a new job.
func (s *Service) open(ctx context.Context, ownerID string, totalRecords int) (Started, error) {
	sess, err := s.sessions.Create(ctx, ownerID, totalRecords)
	if err != nil {
		return Started{}, fmt.Errorf("create session: %w", err)
	}
	return Started{
		SessionID: sess.ID,
		ChannelID: s.progress.CreateChannel(ownerID),
	}, nil
}

// owned fetches a session and hides it from non-owners.
func (s *Service) owned(ctx context.Context, ownerID, sessionID string) (*Session, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.OwnerID != ownerID {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}
