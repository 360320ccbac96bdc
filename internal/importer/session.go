package importer

// session.go defines the import session store: the durable record of one
// job's counters, status, bounded error log, and resume cursor. The store
// is an injected interface; MemorySessions backs tests and the in-memory
// development mode, PgSessions (session_pg.go) backs production.

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// sessionIDPrefix makes session ids recognizable in logs and URLs.
const sessionIDPrefix = "imp_"

// NewSessionID generates a prefixed, globally unique session id.
func NewSessionID() string {
	return sessionIDPrefix + uuid.New().String()
}

// Progress is one counter snapshot persisted after a chunk commits.
type Progress struct {
	Processed          int
	Imported           int
	Skipped            int
	Failed             int
	LastProcessedIndex int
}

// SessionStore persists import sessions. A session is mutated only by the
// engine that owns it; implementations need no locking beyond what their
// backing store requires for durability.
type SessionStore interface {
	// Create starts a new session in StatusInitializing.
	Create(ctx context.Context, ownerID string, totalRecords int) (*Session, error)

	// Get returns the session or ErrSessionNotFound.
	Get(ctx context.Context, id string) (*Session, error)

	// UpdateProgress persists counters and the resume cursor.
	UpdateProgress(ctx context.Context, id string, p Progress) error

	// UpdateStatus transitions the session, rejecting moves the lifecycle
	// state machine does not allow with *InvalidTransitionError.
	UpdateStatus(ctx context.Context, id string, status SessionStatus) error

	// AppendError appends an entry to the session's error log, evicting the
	// oldest entries beyond MaxErrorLogEntries.
	AppendError(ctx context.Context, id string, entry ErrorLogEntry) error
}

// allowedTransitions is the session lifecycle state machine.
var allowedTransitions = map[SessionStatus][]SessionStatus{
	StatusInitializing: {StatusInProgress, StatusFailed},
	StatusInProgress:   {StatusCompleted, StatusPaused, StatusFailed, StatusCancelled},
	StatusPaused:       {StatusInProgress, StatusCancelled},
	StatusFailed:       {StatusInProgress, StatusCancelled},
}

func canTransition(from, to SessionStatus) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// appendCapped appends entry to log, evicting the oldest entries FIFO so
// the result never exceeds MaxErrorLogEntries.
func appendCapped(log []ErrorLogEntry, entry ErrorLogEntry) []ErrorLogEntry {
	log = append(log, entry)
	if len(log) > MaxErrorLogEntries {
		log = log[len(log)-MaxErrorLogEntries:]
	}
	return log
}

// MemorySessions is an in-process SessionStore guarded by a mutex.
type MemorySessions struct {
	mu       sync.Mutex
	sessions map[string]*Session

	// Now is the clock used for timestamps; tests override it to exercise
	// the resumability window.
	Now func() time.Time
}

// NewMemorySessions creates an empty in-memory session store.
func NewMemorySessions() *MemorySessions {
	return &MemorySessions{
		sessions: make(map[string]*Session),
		Now:      time.Now,
	}
}

func (m *MemorySessions) Create(ctx context.Context, ownerID string, totalRecords int) (*Session, error) {
	now := m.Now()
	s := &Session{
		ID:                 NewSessionID(),
		OwnerID:            ownerID,
		Status:             StatusInitializing,
		TotalRecords:       totalRecords,
		LastProcessedIndex: -1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return snapshot(s), nil
}

func (m *MemorySessions) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return snapshot(s), nil
}

func (m *MemorySessions) UpdateProgress(ctx context.Context, id string, p Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.ProcessedRecords = p.Processed
	s.ImportedRecords = p.Imported
	s.SkippedRecords = p.Skipped
	s.FailedRecords = p.Failed
	s.LastProcessedIndex = p.LastProcessedIndex
	s.UpdatedAt = m.Now()
	return nil
}

func (m *MemorySessions) UpdateStatus(ctx context.Context, id string, status SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if !canTransition(s.Status, status) {
		return &InvalidTransitionError{From: s.Status, To: status}
	}
	s.Status = status
	s.UpdatedAt = m.Now()
	return nil
}

func (m *MemorySessions) AppendError(ctx context.Context, id string, entry ErrorLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.ErrorLog = appendCapped(s.ErrorLog, entry)
	s.UpdatedAt = m.Now()
	return nil
}

// snapshot copies a session so callers cannot mutate store state.
func snapshot(s *Session) *Session {
	cp := *s
	cp.ErrorLog = make([]ErrorLogEntry, len(s.ErrorLog))
	copy(cp.ErrorLog, s.ErrorLog)
	return &cp
}
