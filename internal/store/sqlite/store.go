// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nemesis Contributors

// Package sqlite implements store.RecordStore and store.SnapshotStore on a
// single SQLite database in WAL mode.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nemesis-dev/nemesis/internal/store"
	nemerr "github.com/nemesis-dev/nemesis/pkg/errors"
)

func init() {
	sqlite_vec.Auto()
}

// Compile-time interface checks.
var (
	_ store.RecordStore   = (*Store)(nil)
	_ store.SnapshotStore = (*Store)(nil)
)

// Store is the SQLite-backed durable store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dbPath and runs migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging sqlite db: %w", err)
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating tables: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS tenants (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	dimension   INTEGER NOT NULL,
	vocabulary  TEXT NOT NULL DEFAULT '{}',
	deadline_ms INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS situations (
	tenant_id     TEXT NOT NULL,
	entry_id      TEXT NOT NULL,
	embedding     BLOB NOT NULL,
	payload       TEXT NOT NULL DEFAULT '{}',
	effectiveness REAL NOT NULL DEFAULT 0,
	recorded_at   TIMESTAMP NOT NULL,
	PRIMARY KEY (tenant_id, entry_id)
);

CREATE TABLE IF NOT EXISTS outcomes (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id     TEXT NOT NULL,
	entry_id      TEXT NOT NULL,
	effectiveness REAL NOT NULL,
	reported_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outcomes_tenant ON outcomes(tenant_id, entry_id);

CREATE TABLE IF NOT EXISTS snapshot_entries (
	tenant_id     TEXT NOT NULL,
	entry_id      TEXT NOT NULL,
	seq           INTEGER NOT NULL,
	embedding     BLOB NOT NULL,
	payload       TEXT NOT NULL DEFAULT '{}',
	effectiveness REAL NOT NULL DEFAULT 0,
	usage_count   INTEGER NOT NULL DEFAULT 0,
	quality       REAL NOT NULL DEFAULT 0,
	inserted_at   TIMESTAMP NOT NULL,
	PRIMARY KEY (tenant_id, entry_id)
);`
	if _, err := db.Exec(ddl); err != nil {
		return err
	}
	return nil
}

// --- RecordStore ---

// AppendSituation upserts the durable record of a served situation.
func (s *Store) AppendSituation(ctx context.Context, rec *store.SituationRecord) error {
	blob, err := sqlite_vec.SerializeFloat32(rec.Vector)
	if err != nil {
		return fmt.Errorf("serializing situation vector: %w", err)
	}

	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshalling situation payload: %w", err)
	}

	const q = `INSERT INTO situations(tenant_id, entry_id, embedding, payload, effectiveness, recorded_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(tenant_id, entry_id) DO UPDATE SET
	embedding = excluded.embedding,
	payload = excluded.payload,
	effectiveness = excluded.effectiveness`
	if _, err := s.db.ExecContext(ctx, q, rec.TenantID, rec.EntryID, blob, string(payload), rec.Effectiveness, rec.RecordedAt); err != nil {
		return fmt.Errorf("inserting situation %s: %w", rec.EntryID, err)
	}
	return nil
}

// AppendOutcome appends one reported outcome.
func (s *Store) AppendOutcome(ctx context.Context, rec *store.OutcomeRecord) error {
	const q = `INSERT INTO outcomes(tenant_id, entry_id, effectiveness, reported_at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, rec.TenantID, rec.EntryID, rec.Effectiveness, rec.ReportedAt); err != nil {
		return fmt.Errorf("inserting outcome for %s: %w", rec.EntryID, err)
	}
	return nil
}

// GetSituation returns one situation record or store.record.not_found.
func (s *Store) GetSituation(ctx context.Context, tenantID, entryID string) (*store.SituationRecord, error) {
	const q = `SELECT embedding, payload, effectiveness, recorded_at FROM situations
WHERE tenant_id = ? AND entry_id = ?`

	rec := &store.SituationRecord{TenantID: tenantID, EntryID: entryID}
	var blob []byte
	var payload string

	err := s.db.QueryRowContext(ctx, q, tenantID, entryID).Scan(&blob, &payload, &rec.Effectiveness, &rec.RecordedAt)
	if err == sql.ErrNoRows {
		return nil, nemerr.New(nemerr.CodeStoreRecordNotFound, "situation not found",
			nemerr.FieldTenantID(tenantID), nemerr.FieldEntryID(entryID))
	}
	if err != nil {
		return nil, fmt.Errorf("querying situation %s: %w", entryID, err)
	}

	if rec.Vector, err = deserializeFloat32(blob); err != nil {
		return nil, fmt.Errorf("decoding situation vector %s: %w", entryID, err)
	}
	if rec.Payload, err = store.DecodePayload([]byte(payload)); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListSituations returns all situations for a tenant in recording order.
func (s *Store) ListSituations(ctx context.Context, tenantID string) ([]*store.SituationRecord, error) {
	const q = `SELECT entry_id, embedding, payload, effectiveness, recorded_at FROM situations
WHERE tenant_id = ? ORDER BY recorded_at, entry_id`

	rows, err := s.db.QueryContext(ctx, q, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying situations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []*store.SituationRecord
	for rows.Next() {
		rec := &store.SituationRecord{TenantID: tenantID}
		var blob []byte
		var payload string

		if err := rows.Scan(&rec.EntryID, &blob, &payload, &rec.Effectiveness, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scanning situation: %w", err)
		}
		if rec.Vector, err = deserializeFloat32(blob); err != nil {
			return nil, fmt.Errorf("decoding situation vector %s: %w", rec.EntryID, err)
		}
		if rec.Payload, err = store.DecodePayload([]byte(payload)); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating situations: %w", err)
	}
	return recs, nil
}

// OutcomeStats aggregates reported outcomes per entry.
func (s *Store) OutcomeStats(ctx context.Context, tenantID string) (map[string]store.OutcomeAggregate, error) {
	const q = `SELECT entry_id, AVG(effectiveness), COUNT(*) FROM outcomes WHERE tenant_id = ? GROUP BY entry_id`

	rows, err := s.db.QueryContext(ctx, q, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying outcome stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := make(map[string]store.OutcomeAggregate)
	for rows.Next() {
		var entryID string
		var agg store.OutcomeAggregate
		if err := rows.Scan(&entryID, &agg.Mean, &agg.Count); err != nil {
			return nil, fmt.Errorf("scanning outcome stats: %w", err)
		}
		stats[entryID] = agg
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outcome stats: %w", err)
	}
	return stats, nil
}

// SaveTenant upserts a tenant registration.
func (s *Store) SaveTenant(ctx context.Context, rec *store.TenantRecord) error {
	vocab, err := json.Marshal(rec.Vocabulary)
	if err != nil {
		return fmt.Errorf("marshalling tenant vocabulary: %w", err)
	}

	const q = `INSERT INTO tenants(id, name, description, dimension, vocabulary, deadline_ms, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	description = excluded.description,
	vocabulary = excluded.vocabulary,
	deadline_ms = excluded.deadline_ms`
	if _, err := s.db.ExecContext(ctx, q, rec.ID, rec.Name, rec.Description, rec.Dimension,
		string(vocab), rec.Deadline.Milliseconds(), rec.CreatedAt); err != nil {
		return fmt.Errorf("upserting tenant %s: %w", rec.ID, err)
	}
	return nil
}

// ListTenants returns all registered tenants.
func (s *Store) ListTenants(ctx context.Context) ([]*store.TenantRecord, error) {
	const q = `SELECT id, name, description, dimension, vocabulary, deadline_ms, created_at FROM tenants ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying tenants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []*store.TenantRecord
	for rows.Next() {
		rec := &store.TenantRecord{}
		var vocab string
		var deadlineMS int64

		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Description, &rec.Dimension, &vocab, &deadlineMS, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning tenant: %w", err)
		}
		if rec.Vocabulary, err = store.DecodePayload([]byte(vocab)); err != nil {
			return nil, err
		}
		rec.Deadline = time.Duration(deadlineMS) * time.Millisecond
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tenants: %w", err)
	}
	return recs, nil
}

// --- SnapshotStore ---

// SaveEntry upserts a single snapshot entry (Insert write-through).
func (s *Store) SaveEntry(ctx context.Context, tenantID string, e *store.Entry) error {
	blob, err := sqlite_vec.SerializeFloat32(e.Vector)
	if err != nil {
		return fmt.Errorf("serializing entry vector: %w", err)
	}

	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshalling entry payload: %w", err)
	}

	const q = `INSERT INTO snapshot_entries(tenant_id, entry_id, seq, embedding, payload, effectiveness, usage_count, quality, inserted_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(tenant_id, entry_id) DO UPDATE SET
	seq = excluded.seq,
	embedding = excluded.embedding,
	payload = excluded.payload,
	effectiveness = excluded.effectiveness,
	usage_count = excluded.usage_count,
	quality = excluded.quality`
	if _, err := s.db.ExecContext(ctx, q, tenantID, e.ID, e.Seq, blob, string(payload),
		e.Effectiveness, e.UsageCount, e.Quality, e.InsertedAt); err != nil {
		return fmt.Errorf("upserting snapshot entry %s: %w", e.ID, err)
	}
	return nil
}

// UpdateEntryScore updates effectiveness and usage for one entry.
func (s *Store) UpdateEntryScore(ctx context.Context, tenantID, entryID string, score float64, usage int) error {
	const q = `UPDATE snapshot_entries SET effectiveness = ?, usage_count = ? WHERE tenant_id = ? AND entry_id = ?`
	if _, err := s.db.ExecContext(ctx, q, score, usage, tenantID, entryID); err != nil {
		return fmt.Errorf("updating snapshot entry %s: %w", entryID, err)
	}
	return nil
}

// ReplaceEntries swaps a tenant's full snapshot in one transaction.
func (s *Store) ReplaceEntries(ctx context.Context, tenantID string, entries []*store.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshot_entries WHERE tenant_id = ?`, tenantID); err != nil {
		return fmt.Errorf("clearing snapshot: %w", err)
	}

	const q = `INSERT INTO snapshot_entries(tenant_id, entry_id, seq, embedding, payload, effectiveness, usage_count, quality, inserted_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	for _, e := range entries {
		blob, err := sqlite_vec.SerializeFloat32(e.Vector)
		if err != nil {
			return fmt.Errorf("serializing entry vector %s: %w", e.ID, err)
		}
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("marshalling entry payload %s: %w", e.ID, err)
		}
		if _, err := tx.ExecContext(ctx, q, tenantID, e.ID, e.Seq, blob, string(payload),
			e.Effectiveness, e.UsageCount, e.Quality, e.InsertedAt); err != nil {
			return fmt.Errorf("inserting snapshot entry %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing snapshot replace: %w", err)
	}
	return nil
}

// LoadEntries reads a tenant's snapshot in insertion order. A blob or
// payload that fails to decode reports vector.snapshot.load.corrupt so the
// caller can fall back to RebuildFromSource.
func (s *Store) LoadEntries(ctx context.Context, tenantID string) ([]*store.Entry, error) {
	const q = `SELECT entry_id, seq, embedding, payload, effectiveness, usage_count, quality, inserted_at
FROM snapshot_entries WHERE tenant_id = ? ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, q, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying snapshot: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*store.Entry
	for rows.Next() {
		e := &store.Entry{}
		var blob []byte
		var payload string

		if err := rows.Scan(&e.ID, &e.Seq, &blob, &payload, &e.Effectiveness, &e.UsageCount, &e.Quality, &e.InsertedAt); err != nil {
			return nil, fmt.Errorf("scanning snapshot entry: %w", err)
		}
		if e.Vector, err = deserializeFloat32(blob); err != nil {
			return nil, nemerr.Wrap(err, nemerr.CodeVectorSnapshotCorrupt, "decoding snapshot vector",
				nemerr.FieldTenantID(tenantID), nemerr.FieldEntryID(e.ID))
		}
		if e.Payload, err = store.DecodePayload([]byte(payload)); err != nil {
			return nil, nemerr.Wrap(err, nemerr.CodeVectorSnapshotCorrupt, "decoding snapshot payload",
				nemerr.FieldTenantID(tenantID), nemerr.FieldEntryID(e.ID))
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating snapshot entries: %w", err)
	}
	return entries, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
