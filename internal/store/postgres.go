package store

// postgres.go implements RecordStore on PostgreSQL via pgx.
//
// Expected schema (provisioned externally):
//
//	records(id uuid primary key, owner_id text not null, content text not null,
//	        tags text[] not null, fingerprint text not null,
//	        created_at timestamptz not null, updated_at timestamptz not null,
//	        unique (owner_id, fingerprint))
//	owner_settings(owner_id text primary key,
//	               case_sensitive boolean not null default false,
//	               remove_accents boolean not null default false)
//
// The unique constraint on (owner_id, fingerprint) is what turns the
// duplicate-detection race between concurrent jobs into a deterministic
// conflict. Each insert runs under its own savepoint so one failing record
// does not poison the surrounding chunk transaction.

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolation is the PostgreSQL error code for unique constraint hits.
const uniqueViolation = "23505"

// Postgres is the pgx-backed RecordStore.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres store on the given pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

type pgTx struct {
	tx pgx.Tx
	n  int // savepoint counter
}

func (t *pgTx) Insert(ctx context.Context, rec Record) error {
	sp := fmt.Sprintf("sp_%d", t.n)
	t.n++

	if _, err := t.tx.Exec(ctx, "SAVEPOINT "+sp); err != nil {
		return fmt.Errorf("create savepoint: %w", err)
	}

	_, err := t.tx.Exec(ctx, `
		INSERT INTO records (id, owner_id, content, tags, fingerprint, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.OwnerID, rec.Content, rec.Tags, rec.Fingerprint, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		// Roll back to the savepoint so the chunk transaction stays usable.
		_, _ = t.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+sp)

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicate
		}
		return err
	}

	_, _ = t.tx.Exec(ctx, "RELEASE SAVEPOINT "+sp)
	return nil
}

// RunInTx runs fn inside one chunk transaction.
func (p *Postgres) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListByOwner returns the owner's records in stable creation order.
func (p *Postgres) ListByOwner(ctx context.Context, ownerID string, offset, limit int) ([]Record, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, owner_id, content, tags, fingerprint, created_at, updated_at
		FROM records
		WHERE owner_id = $1
		ORDER BY created_at, id
		LIMIT $2 OFFSET $3`,
		ownerID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// CountByOwner returns the owner's total record count.
func (p *Postgres) CountByOwner(ctx context.Context, ownerID string) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM records WHERE owner_id = $1`, ownerID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return count, nil
}

// FindByTags returns up to limit records containing all given tags.
func (p *Postgres) FindByTags(ctx context.Context, ownerID string, tags []string, limit int) ([]Record, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, owner_id, content, tags, fingerprint, created_at, updated_at
		FROM records
		WHERE owner_id = $1 AND tags @> $2
		ORDER BY created_at, id
		LIMIT $3`,
		ownerID, tags, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query records by tags: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Settings returns the owner's normalization rules, if stored.
func (p *Postgres) Settings(ctx context.Context, ownerID string) (NormalizationRules, bool, error) {
	var rules NormalizationRules
	err := p.pool.QueryRow(ctx,
		`SELECT case_sensitive, remove_accents FROM owner_settings WHERE owner_id = $1`,
		ownerID,
	).Scan(&rules.CaseSensitive, &rules.RemoveAccents)
	if errors.Is(err, pgx.ErrNoRows) {
		return NormalizationRules{}, false, nil
	}
	if err != nil {
		return NormalizationRules{}, false, fmt.Errorf("query settings: %w", err)
	}
	return rules, true, nil
}

func scanRecords(rows pgx.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &rec.Content, &rec.Tags,
			&rec.Fingerprint, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}
