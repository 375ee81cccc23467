// Copyright 2025 Dmitry Markhasin
// SPDX-License-Identifier: Apache-2.0

// Package replica implements the bounded local replica of the video
// record store: a transactional SQLite database holding cached records,
// scalar metadata, and the pending-mutation queue.
package replica

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Metadata keys.
const (
	MetaOfflineEnabled = "offline_enabled"
	MetaLastSyncAt     = "last_sync_at"
	MetaReplicaBytes   = "replica_bytes"
)

// ErrNotFound is returned when a record lookup misses.
var ErrNotFound = errors.New("replica: record not found")

// Config bounds the replica. Both caps apply independently; whichever is
// hit first wins.
type Config struct {
	MaxRecords int   // maximum cached record count
	MaxBytes   int64 // maximum total estimated byte size
}

// DefaultConfig returns the caps used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxRecords: 500,
		MaxBytes:   8 << 20, // 8 MiB
	}
}

// ReplaceResult reports what a bulk replace kept.
type ReplaceResult struct {
	Kept       int   `json:"kept"`
	TotalBytes int64 `json:"totalBytes"`
}

// Store is the durable local replica. All operations are transactional;
// concurrent refresh-while-serving is expected and must never expose a
// partially written record set.
type Store struct {
	DB      *sql.DB
	cfg     Config
	logger  *slog.Logger
	writeMu sync.Mutex // serialize writes to avoid SQLite lock contention
}

// Open opens (or creates) the replica database at path and initializes
// the schema. Use ":memory:" for an ephemeral store in tests.
func Open(path string, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.MaxRecords <= 0 || cfg.MaxBytes <= 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open replica database: %w", err)
	}
	// A single connection keeps in-memory databases coherent and sidesteps
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	if err := initializeDatabase(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{DB: db, cfg: cfg, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Config returns the configured caps.
func (s *Store) Config() Config {
	return s.cfg
}

func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS cached_records (
			id           INTEGER NOT NULL DEFAULT 0,
			external_id  TEXT NOT NULL,
			title        TEXT NOT NULL DEFAULT '',
			channel      TEXT NOT NULL DEFAULT '',
			description  TEXT NOT NULL DEFAULT '',
			tags         TEXT NOT NULL DEFAULT '[]',
			people       TEXT NOT NULL DEFAULT '[]',
			topics       TEXT NOT NULL DEFAULT '[]',
			created_at   TEXT NOT NULL DEFAULT '',
			updated_at   TEXT NOT NULL DEFAULT '',
			published_at TEXT NOT NULL DEFAULT '',
			completed_at TEXT NOT NULL DEFAULT '',
			byte_size    INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (external_id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_cached_records_created
			ON cached_records (created_at DESC, id DESC)`,

		`CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT NOT NULL PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS pending_mutations (
			id          TEXT NOT NULL PRIMARY KEY,
			external_id TEXT NOT NULL,
			kind        TEXT NOT NULL CHECK (kind IN ('update','delete')),
			patch       TEXT,
			queued_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE INDEX IF NOT EXISTS idx_pending_queued
			ON pending_mutations (queued_at)`,

		`CREATE INDEX IF NOT EXISTS idx_pending_target
			ON pending_mutations (external_id)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create replica table: %w", err)
		}
	}
	return nil
}

// GetAllCached returns every cached record, newest first by creation time.
func (s *Store) GetAllCached(ctx context.Context) ([]CachedRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, external_id, title, channel, description, tags, people, topics,
		       created_at, updated_at, published_at, completed_at
		FROM cached_records
		ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cached records: %w", err)
	}
	defer rows.Close()

	var records []CachedRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cached records: %w", err)
	}
	return records, nil
}

// GetByExternalID returns a single cached record or ErrNotFound.
func (s *Store) GetByExternalID(ctx context.Context, externalID string) (*CachedRecord, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, external_id, title, channel, description, tags, people, topics,
		       created_at, updated_at, published_at, completed_at
		FROM cached_records WHERE external_id = ?
	`, externalID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpsertOne writes a single record, merging field by field onto any
// existing row so a partial detail payload never erases previously
// cached fields. Caps are re-enforced afterwards, dropping the oldest
// records if the write pushed the replica over a bound.
func (s *Store) UpsertOne(ctx context.Context, rec CachedRecord) error {
	if rec.ExternalID == "" {
		return fmt.Errorf("replica: record has no external id")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := getByExternalIDInTx(ctx, tx, rec.ExternalID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err == nil {
		rec = merge(*existing, rec)
	}

	if err := upsertInTx(ctx, tx, rec); err != nil {
		return err
	}
	if err := s.enforceCapsInTx(ctx, tx); err != nil {
		return err
	}
	if err := refreshByteTotalInTx(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	return nil
}

// ReplaceAll atomically replaces the whole cached set. Records are kept
// newest-first until either cap would be exceeded; older records are
// dropped rather than truncating the newest ones. Either the whole batch
// replaces the cached set or, on error, none of it does.
func (s *Store) ReplaceAll(ctx context.Context, records []CachedRecord) (*ReplaceResult, error) {
	kept, totalBytes := s.applyCaps(records)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cached_records`); err != nil {
		return nil, fmt.Errorf("failed to clear cached records: %w", err)
	}
	for _, rec := range kept {
		if err := upsertInTx(ctx, tx, rec); err != nil {
			return nil, err
		}
	}
	if err := setMetaInTx(ctx, tx, MetaReplicaBytes, strconv.FormatInt(totalBytes, 10)); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit replace: %w", err)
	}

	return &ReplaceResult{Kept: len(kept), TotalBytes: totalBytes}, nil
}

// applyCaps sorts newest-first and keeps records until a cap is hit.
func (s *Store) applyCaps(records []CachedRecord) ([]CachedRecord, int64) {
	sorted := make([]CachedRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt != sorted[j].CreatedAt {
			return sorted[i].CreatedAt > sorted[j].CreatedAt
		}
		return sorted[i].ID > sorted[j].ID
	})

	var kept []CachedRecord
	var total int64
	for _, rec := range sorted {
		if len(kept) >= s.cfg.MaxRecords {
			break
		}
		size := rec.EstimateSize()
		if total+size > s.cfg.MaxBytes {
			break
		}
		kept = append(kept, rec)
		total += size
	}
	return kept, total
}

// enforceCapsInTx drops the oldest records while either cap is exceeded.
func (s *Store) enforceCapsInTx(ctx context.Context, tx *sql.Tx) error {
	var count int
	var total sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(byte_size), 0) FROM cached_records`,
	).Scan(&count, &total); err != nil {
		return fmt.Errorf("failed to measure replica: %w", err)
	}

	for count > s.cfg.MaxRecords || total.Int64 > s.cfg.MaxBytes {
		var externalID string
		var size int64
		err := tx.QueryRowContext(ctx, `
			SELECT external_id, byte_size FROM cached_records
			ORDER BY created_at ASC, id ASC LIMIT 1
		`).Scan(&externalID, &size)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to find oldest record: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM cached_records WHERE external_id = ?`, externalID,
		); err != nil {
			return fmt.Errorf("failed to evict record %s: %w", externalID, err)
		}
		count--
		total.Int64 -= size
	}
	return nil
}

// Count returns the number of cached records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM cached_records`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

// TotalBytes returns the summed estimated size of all cached records.
func (s *Store) TotalBytes(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	if err := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(byte_size), 0) FROM cached_records`,
	).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum record sizes: %w", err)
	}
	return total.Int64, nil
}

// GetMeta returns a metadata value, or "" when the key is unset.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read metadata %s: %w", key, err)
	}
	return value, nil
}

// SetMeta overwrites a metadata value in place. No history is kept.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write metadata %s: %w", key, err)
	}
	return nil
}

// EnqueueMutation appends an edit to the pending queue, assigning an id
// and queue timestamp when the caller did not.
func (s *Store) EnqueueMutation(ctx context.Context, m PendingMutation) (*PendingMutation, error) {
	if m.Kind != MutationUpdate && m.Kind != MutationDelete {
		return nil, fmt.Errorf("replica: unknown mutation kind %q", m.Kind)
	}
	if m.ExternalID == "" {
		return nil, fmt.Errorf("replica: mutation has no target record")
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.QueuedAt == "" {
		m.QueuedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}

	var patch any
	if len(m.Patch) > 0 {
		patch = string(m.Patch)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO pending_mutations (id, external_id, kind, patch, queued_at)
		VALUES (?, ?, ?, ?, ?)
	`, m.ID, m.ExternalID, m.Kind, patch, m.QueuedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue mutation: %w", err)
	}
	return &m, nil
}

// ListPendingMutations returns the queue in enqueue order.
func (s *Store) ListPendingMutations(ctx context.Context) ([]PendingMutation, error) {
	return s.listPending(ctx, `
		SELECT id, external_id, kind, patch, queued_at
		FROM pending_mutations ORDER BY queued_at, id
	`)
}

// ListPendingForRecord returns queued mutations targeting one record.
func (s *Store) ListPendingForRecord(ctx context.Context, externalID string) ([]PendingMutation, error) {
	return s.listPending(ctx, `
		SELECT id, external_id, kind, patch, queued_at
		FROM pending_mutations WHERE external_id = ? ORDER BY queued_at, id
	`, externalID)
}

func (s *Store) listPending(ctx context.Context, query string, args ...any) ([]PendingMutation, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending mutations: %w", err)
	}
	defer rows.Close()

	var mutations []PendingMutation
	for rows.Next() {
		var m PendingMutation
		var patch sql.NullString
		if err := rows.Scan(&m.ID, &m.ExternalID, &m.Kind, &patch, &m.QueuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending mutation: %w", err)
		}
		if patch.Valid {
			m.Patch = []byte(patch.String)
		}
		mutations = append(mutations, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending mutations: %w", err)
	}
	return mutations, nil
}

// RemoveMutation deletes a queue entry after the sync endpoint confirmed
// it was applied upstream.
func (s *Store) RemoveMutation(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM pending_mutations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove mutation %s: %w", id, err)
	}
	return nil
}

// ClearAll empties the cached record set and its size accounting. The
// pending queue and the offline flag survive: queued edits must not be
// lost to a cache clear, and offline mode is cheap to re-enable.
func (s *Store) ClearAll(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cached_records`); err != nil {
		return fmt.Errorf("failed to clear cached records: %w", err)
	}
	if err := setMetaInTx(ctx, tx, MetaReplicaBytes, "0"); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM metadata WHERE key = ?`, MetaLastSyncAt); err != nil {
		return fmt.Errorf("failed to clear sync timestamp: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit clear: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (CachedRecord, error) {
	var rec CachedRecord
	var tags, people, topics string
	err := row.Scan(&rec.ID, &rec.ExternalID, &rec.Title, &rec.Channel, &rec.Description,
		&tags, &people, &topics,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.PublishedAt, &rec.CompletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("failed to scan cached record: %w", err)
	}
	rec.Tags = unmarshalList(tags)
	rec.People = unmarshalList(people)
	rec.Topics = unmarshalList(topics)
	return rec, nil
}

func getByExternalIDInTx(ctx context.Context, tx *sql.Tx, externalID string) (*CachedRecord, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, external_id, title, channel, description, tags, people, topics,
		       created_at, updated_at, published_at, completed_at
		FROM cached_records WHERE external_id = ?
	`, externalID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func upsertInTx(ctx context.Context, tx *sql.Tx, rec CachedRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO cached_records
			(id, external_id, title, channel, description, tags, people, topics,
			 created_at, updated_at, published_at, completed_at, byte_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO UPDATE SET
			id = excluded.id,
			title = excluded.title,
			channel = excluded.channel,
			description = excluded.description,
			tags = excluded.tags,
			people = excluded.people,
			topics = excluded.topics,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			published_at = excluded.published_at,
			completed_at = excluded.completed_at,
			byte_size = excluded.byte_size
	`, rec.ID, rec.ExternalID, rec.Title, rec.Channel, rec.Description,
		marshalList(rec.Tags), marshalList(rec.People), marshalList(rec.Topics),
		rec.CreatedAt, rec.UpdatedAt, rec.PublishedAt, rec.CompletedAt,
		rec.EstimateSize())
	if err != nil {
		return fmt.Errorf("failed to upsert record %s: %w", rec.ExternalID, err)
	}
	return nil
}

func refreshByteTotalInTx(ctx context.Context, tx *sql.Tx) error {
	var total sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(byte_size), 0) FROM cached_records`,
	).Scan(&total); err != nil {
		return fmt.Errorf("failed to sum record sizes: %w", err)
	}
	return setMetaInTx(ctx, tx, MetaReplicaBytes, strconv.FormatInt(total.Int64, 10))
}

func setMetaInTx(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write metadata %s: %w", key, err)
	}
	return nil
}
