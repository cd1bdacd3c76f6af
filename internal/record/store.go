package record

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Store defines persistence for signed records.
//
// Records live in a single flat table keyed by their content-derived id;
// references between records are id strings resolved at read time, so no
// in-memory object graph is required.
type Store interface {
	// Put inserts or replaces a record by id.
	Put(ctx context.Context, m Model) error

	// Get retrieves a record by tag and id.
	// Returns ErrNotFound if the record does not exist.
	Get(ctx context.Context, tag, id string) (Model, error)

	// Exists reports whether a record with this tag and id is stored.
	Exists(ctx context.Context, tag, id string) (bool, error)

	// CountFrom counts records of a class by one signer with counter >= from.
	// A non-empty fallbackZone restricts to records with that zone_fallback.
	CountFrom(ctx context.Context, tag, signedBy string, from int64, fallbackZone string) (int, error)

	// ListCounterRange lists records of a class by one signer with
	// counter in [lo, hi). A non-empty fallbackZone restricts to records
	// with that zone_fallback.
	ListCounterRange(ctx context.Context, tag, signedBy string, lo, hi int64, fallbackZone string) ([]Model, error)

	// ListByModel lists all records of a class.
	ListByModel(ctx context.Context, tag string) ([]Model, error)
}

// SQLiteStore implements Store over the synced_records table.
//
// Common signed columns are duplicated out of the fields document so the
// batch selector can query by signer and counter without JSON scans; the
// fields document is the hydration source.
type SQLiteStore struct {
	db  *sql.DB
	reg *Registry
}

// NewSQLiteStore creates a SQLite-backed record store.
func NewSQLiteStore(db *sql.DB, reg *Registry) *SQLiteStore {
	return &SQLiteStore{db: db, reg: reg}
}

// Put inserts or replaces a record by id.
func (s *SQLiteStore) Put(ctx context.Context, m Model) error {
	b := m.GetBase()
	if b.ID == "" {
		return fmt.Errorf("storing %s: record has no id", m.ModelTag())
	}

	fields, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshalling %s %s: %w", m.ModelTag(), b.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO synced_records (
			id, model, counter, signature, signed_version, signed_by,
			zone_fallback, deleted, fields, saved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			counter = excluded.counter,
			signature = excluded.signature,
			signed_version = excluded.signed_version,
			signed_by = excluded.signed_by,
			zone_fallback = excluded.zone_fallback,
			deleted = excluded.deleted,
			fields = excluded.fields,
			saved_at = excluded.saved_at`,
		b.ID,
		m.ModelTag(),
		b.Counter,
		b.Signature,
		b.SignedVersion,
		b.SignedBy,
		b.ZoneFallback,
		boolToInt(b.Deleted),
		string(fields),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("storing %s %s: %w", m.ModelTag(), b.ID, err)
	}

	return nil
}

// Get retrieves a record by tag and id.
func (s *SQLiteStore) Get(ctx context.Context, tag, id string) (Model, error) {
	var fields string
	err := s.db.QueryRowContext(ctx,
		"SELECT fields FROM synced_records WHERE model = ? AND id = ?",
		tag, id,
	).Scan(&fields)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying %s %s: %w", tag, id, err)
	}

	return s.hydrate(tag, id, fields)
}

// Exists reports whether a record with this tag and id is stored.
func (s *SQLiteStore) Exists(ctx context.Context, tag, id string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM synced_records WHERE model = ? AND id = ?",
		tag, id,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking %s %s exists: %w", tag, id, err)
	}
	return count > 0, nil
}

// CountFrom counts records of a class by one signer with counter >= from.
func (s *SQLiteStore) CountFrom(ctx context.Context, tag, signedBy string, from int64, fallbackZone string) (int, error) {
	query := `
		SELECT COUNT(*) FROM synced_records
		WHERE model = ? AND signed_by = ? AND counter >= ?`
	args := []any{tag, signedBy, from}
	if fallbackZone != "" {
		query += " AND zone_fallback = ?"
		args = append(args, fallbackZone)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting %s records: %w", tag, err)
	}
	return count, nil
}

// ListCounterRange lists records of a class by one signer with counter
// in [lo, hi).
func (s *SQLiteStore) ListCounterRange(ctx context.Context, tag, signedBy string, lo, hi int64, fallbackZone string) ([]Model, error) {
	query := `
		SELECT id, fields FROM synced_records
		WHERE model = ? AND signed_by = ? AND counter >= ? AND counter < ?`
	args := []any{tag, signedBy, lo, hi}
	if fallbackZone != "" {
		query += " AND zone_fallback = ?"
		args = append(args, fallbackZone)
	}
	query += " ORDER BY counter"

	return s.queryModels(ctx, tag, query, args...)
}

// ListByModel lists all records of a class, ordered by signer and counter.
func (s *SQLiteStore) ListByModel(ctx context.Context, tag string) ([]Model, error) {
	return s.queryModels(ctx, tag, `
		SELECT id, fields FROM synced_records
		WHERE model = ?
		ORDER BY signed_by, counter`, tag)
}

// queryModels executes a (id, fields) query and hydrates the results.
func (s *SQLiteStore) queryModels(ctx context.Context, tag, query string, args ...any) ([]Model, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s records: %w", tag, err)
	}
	defer rows.Close()

	var models []Model
	for rows.Next() {
		var id, fields string
		if err := rows.Scan(&id, &fields); err != nil {
			return nil, fmt.Errorf("scanning %s record: %w", tag, err)
		}
		m, err := s.hydrate(tag, id, fields)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s records: %w", tag, err)
	}

	return models, nil
}

// hydrate builds a record instance from its stored fields document.
func (s *SQLiteStore) hydrate(tag, id, fields string) (Model, error) {
	m, err := s.reg.New(tag)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fields), m); err != nil {
		return nil, fmt.Errorf("unmarshalling %s %s: %w", tag, id, err)
	}
	m.GetBase().ID = id
	return m, nil
}

// boolToInt converts a boolean to 0/1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
