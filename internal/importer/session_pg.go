package importer

// session_pg.go implements SessionStore on PostgreSQL via pgx.
//
// Expected schema (provisioned externally):
//
//	import_sessions(id text primary key, owner_id text not null,
//	                status text not null,
//	                total_records int not null,
//	                processed_records int not null default 0,
//	                imported_records int not null default 0,
//	                skipped_records int not null default 0,
//	                failed_records int not null default 0,
//	                last_processed_index int not null default -1,
//	                error_log jsonb not null default '[]',
//	                created_at timestamptz not null,
//	                updated_at timestamptz not null)

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgSessions is the pgx-backed SessionStore.
type PgSessions struct {
	pool *pgxpool.Pool
}

// NewPgSessions creates a Postgres session store on the given pool.
func NewPgSessions(pool *pgxpool.Pool) *PgSessions {
	return &PgSessions{pool: pool}
}

func (p *PgSessions) Create(ctx context.Context, ownerID string, totalRecords int) (*Session, error) {
	now := time.Now()
	s := &Session{
		ID:                 NewSessionID(),
		OwnerID:            ownerID,
		Status:             StatusInitializing,
		TotalRecords:       totalRecords,
		LastProcessedIndex: -1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO import_sessions
			(id, owner_id, status, total_records, last_processed_index, error_log, created_at, updated_at)
		VALUES ($1, $2, $3, $4, -1, '[]', $5, $5)`,
		s.ID, s.OwnerID, s.Status, s.TotalRecords, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s, nil
}

func (p *PgSessions) Get(ctx context.Context, id string) (*Session, error) {
	return p.get(ctx, p.pool, id)
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (p *PgSessions) get(ctx context.Context, q pgQuerier, id string) (*Session, error) {
	var s Session
	var errorLog []byte
	err := q.QueryRow(ctx, `
		SELECT id, owner_id, status, total_records, processed_records,
		       imported_records, skipped_records, failed_records,
		       last_processed_index, error_log, created_at, updated_at
		FROM import_sessions WHERE id = $1`,
		id,
	).Scan(&s.ID, &s.OwnerID, &s.Status, &s.TotalRecords, &s.ProcessedRecords,
		&s.ImportedRecords, &s.SkippedRecords, &s.FailedRecords,
		&s.LastProcessedIndex, &errorLog, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	if len(errorLog) > 0 {
		if err := json.Unmarshal(errorLog, &s.ErrorLog); err != nil {
			return nil, fmt.Errorf("decode error log: %w", err)
		}
	}
	return &s, nil
}

func (p *PgSessions) UpdateProgress(ctx context.Context, id string, prog Progress) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE import_sessions
		SET processed_records = $2, imported_records = $3, skipped_records = $4,
		    failed_records = $5, last_processed_index = $6, updated_at = now()
		WHERE id = $1`,
		id, prog.Processed, prog.Imported, prog.Skipped, prog.Failed, prog.LastProcessedIndex,
	)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (p *PgSessions) UpdateStatus(ctx context.Context, id string, status SessionStatus) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var current SessionStatus
	err = tx.QueryRow(ctx,
		`SELECT status FROM import_sessions WHERE id = $1 FOR UPDATE`, id,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}

	if !canTransition(current, status) {
		return &InvalidTransitionError{From: current, To: status}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE import_sessions SET status = $2, updated_at = now() WHERE id = $1`,
		id, status,
	); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return tx.Commit(ctx)
}

func (p *PgSessions) AppendError(ctx context.Context, id string, entry ErrorLogEntry) error {
	// One engine instance owns a session, so read-modify-write under a row
	// lock is sufficient to apply the FIFO cap.
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var raw []byte
	err = tx.QueryRow(ctx,
		`SELECT error_log FROM import_sessions WHERE id = $1 FOR UPDATE`, id,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("read error log: %w", err)
	}

	var log []ErrorLogEntry
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &log); err != nil {
			return fmt.Errorf("decode error log: %w", err)
		}
	}
	log = appendCapped(log, entry)

	encoded, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("encode error log: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE import_sessions SET error_log = $2, updated_at = now() WHERE id = $1`,
		id, encoded,
	); err != nil {
		return fmt.Errorf("update error log: %w", err)
	}
	return tx.Commit(ctx)
}
