// ABOUTME: Store handle and record persistence over a single SQLite file
// ABOUTME: Provides fetch, scan, commit and merge-copy used by coordinators and sessions

package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Journal modes for store files. Cloud stores use DELETE so every commit
// lands in the main file that the sync layer watches.
const (
	JournalWAL    = "WAL"
	JournalDelete = "DELETE"
)

// AttachMode controls what happens when the store file is absent.
type AttachMode int

const (
	// AttachCreate creates an empty store when the file is missing.
	AttachCreate AttachMode = iota
	// AttachExisting fails with ErrStoreMissing when the file is missing.
	AttachExisting
)

// AttachRequest describes the store a backend registers into a coordinator.
type AttachRequest struct {
	Backend     string
	Path        string
	Mode        AttachMode
	JournalMode string
}

// Store is an attached store file. It is only valid while attached.
type Store struct {
	ID          string
	Backend     string
	Path        string
	JournalMode string
	AttachedAt  time.Time

	db          *sql.DB
	dataVersion int64
}

// RecordKey identifies a record within a store.
type RecordKey struct {
	Entity string
	ID     string
}

// Record is a schemaless entity row.
type Record struct {
	Entity    string
	ID        string
	Fields    map[string]any
	UpdatedAt time.Time
}

// Key returns the record's identity.
func (r *Record) Key() RecordKey { return RecordKey{Entity: r.Entity, ID: r.ID} }

// clone returns a deep-enough copy so callers cannot mutate session state.
func (r *Record) clone() *Record {
	out := *r
	out.Fields = make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		out.Fields[k] = v
	}
	return &out
}

func newStore(req AttachRequest, db *sql.DB) *Store {
	return &Store{
		ID:          uuid.New().String(),
		Backend:     req.Backend,
		Path:        req.Path,
		JournalMode: req.JournalMode,
		AttachedAt:  time.Now(),
		db:          db,
	}
}

func (s *Store) close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// fetch loads one record.
func (s *Store) fetch(ctx context.Context, key RecordKey) (*Record, error) {
	var fields, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT fields, updated_at FROM records WHERE entity = ? AND id = ?`,
		key.Entity, key.ID,
	).Scan(&fields, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying record: %w", err)
	}
	return decodeRecord(key.Entity, key.ID, fields, updatedAt)
}

// scan loads every record of an entity.
func (s *Store) scan(ctx context.Context, entity string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, fields, updated_at FROM records WHERE entity = ? ORDER BY id`, entity)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var id, fields, updatedAt string
		if err := rows.Scan(&id, &fields, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		rec, err := decodeRecord(entity, id, fields, updatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// count returns the total number of records.
func (s *Store) count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting records: %w", err)
	}
	return n, nil
}

// commit applies a change set in one transaction.
func (s *Store) commit(ctx context.Context, cs changeSet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for key := range cs.deleted {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM records WHERE entity = ? AND id = ?`, key.Entity, key.ID); err != nil {
			return fmt.Errorf("deleting record: %w", err)
		}
	}

	for _, rec := range cs.pending {
		fields, err := json.Marshal(rec.Fields)
		if err != nil {
			return fmt.Errorf("encoding fields for %s/%s: %w", rec.Entity, rec.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO records (entity, id, fields, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(entity, id) DO UPDATE SET fields = excluded.fields, updated_at = excluded.updated_at
		`, rec.Entity, rec.ID, string(fields), rec.UpdatedAt.UTC().Format(timeFormat))
		if err != nil {
			return fmt.Errorf("writing record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

// copyInto merges every record of s into dst. On key conflicts the newer
// updated_at wins; ties go to s.
func (s *Store) copyInto(ctx context.Context, dst *sql.DB) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT entity, id, fields, updated_at FROM records`)
	if err != nil {
		return 0, fmt.Errorf("reading source records: %w", err)
	}
	defer rows.Close()

	tx, err := dst.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	copied := 0
	for rows.Next() {
		var entity, id, fields, updatedAt string
		if err := rows.Scan(&entity, &id, &fields, &updatedAt); err != nil {
			return 0, fmt.Errorf("scanning source record: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO records (entity, id, fields, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(entity, id) DO UPDATE SET fields = excluded.fields, updated_at = excluded.updated_at
			WHERE excluded.updated_at >= records.updated_at
		`, entity, id, fields, updatedAt)
		if err != nil {
			return 0, fmt.Errorf("writing record %s/%s: %w", entity, id, err)
		}
		copied++
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("reading source records: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing migration: %w", err)
	}
	return copied, nil
}

// readDataVersion returns PRAGMA data_version for the store connection.
func (s *Store) readDataVersion(ctx context.Context) (int64, error) {
	var v int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA data_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("reading data_version: %w", err)
	}
	return v, nil
}

func decodeRecord(entity, id, fields, updatedAt string) (*Record, error) {
	rec := &Record{Entity: entity, ID: id}
	if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
		return nil, fmt.Errorf("decoding fields for %s/%s: %w", entity, id, err)
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	t, err := time.Parse(timeFormat, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	rec.UpdatedAt = t
	return rec, nil
}
