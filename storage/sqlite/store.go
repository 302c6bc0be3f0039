// Package sqlite provides a SQLite implementation of the offsync LocalStore.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/prestopos/offsync"
	syncErrors "github.com/prestopos/offsync/errors"
	"github.com/prestopos/offsync/logging"
)

// Custom errors for better error handling
var (
	ErrStoreClosed = errors.New("store is closed")
)

// Config holds configuration options for the Store.
//
// Production-ready defaults are applied by DefaultConfig() including:
//   - WAL mode enabled for better concurrency
//   - Connection pool with 25 max open, 5 max idle connections
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	// Example: "file:offsync.db?_journal_mode=WAL"
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging mode for better concurrency.
	// When true, automatically appends "?_journal_mode=WAL" to DataSourceName.
	EnableWAL bool

	// Connection pool settings.
	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 1h
	ConnMaxIdleTime time.Duration // Default: 5m
}

// setDefaults applies default values to the config
func (c *Config) setDefaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.EnableWAL && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		c.DataSourceName += "?_journal_mode=WAL"
	}
}

// DefaultConfig returns a Config with production-ready defaults.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// Store implements the offsync.LocalStore interface for SQLite.
type Store struct {
	db     *sql.DB
	mu     stdSync.RWMutex
	closed bool
}

// Compile-time check to ensure Store satisfies the LocalStore interface
var _ offsync.LocalStore = (*Store)(nil)

// New creates a new Store from a Config.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	config.setDefaults()

	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	logger := logging.WithComponent(logging.Component("sqlite-store"))
	logger.InfoContext(context.Background(), "Opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	store := &Store{db: db}

	if err := store.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}

	logger.InfoContext(context.Background(), "SQLite store initialized")
	return store, nil
}

// NewWithDataSource is a convenience constructor
func NewWithDataSource(dataSourceName string) (*Store, error) {
	return New(DefaultConfig(dataSourceName))
}

func (s *Store) setupSchema() error {
	query := `
    CREATE TABLE IF NOT EXISTS entities (
        entity_type TEXT NOT NULL,
        id          TEXT NOT NULL,
        updated_at  TEXT NOT NULL,
        sync_status TEXT NOT NULL DEFAULT 'synced',
        fields      TEXT,
        PRIMARY KEY (entity_type, id)
    );
    CREATE INDEX IF NOT EXISTS idx_entities_updated ON entities (entity_type, updated_at);

    CREATE TABLE IF NOT EXISTS sync_queue (
        seq          INTEGER PRIMARY KEY AUTOINCREMENT,
        id           TEXT NOT NULL UNIQUE,
        op           TEXT NOT NULL,
        entity_type  TEXT NOT NULL,
        entity_id    TEXT NOT NULL,
        data         TEXT,
        created_at   TEXT NOT NULL,
        status       TEXT NOT NULL DEFAULT 'PENDING',
        error        TEXT,
        processed_at TEXT,
        failed_at    TEXT,
        attempts     INTEGER NOT NULL DEFAULT 0
    );
    CREATE INDEX IF NOT EXISTS idx_queue_status ON sync_queue (entity_type, status, seq);

    CREATE TABLE IF NOT EXISTS sync_metadata (
        key   TEXT PRIMARY KEY,
        value TEXT NOT NULL
    );
    `
	_, err := s.db.Exec(query)
	return err
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// GetAll returns every record of the collection, empty slice when none.
func (s *Store) GetAll(ctx context.Context, entityType string) ([]offsync.Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT id, updated_at, sync_status, fields FROM entities WHERE entity_type = ? ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, query, entityType)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, syncErrors.OpLoad, "storage/sqlite")
	}
	defer rows.Close()

	records := []offsync.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.WrapOpComponent(err, syncErrors.OpLoad, "storage/sqlite")
	}
	return records, nil
}

// Get returns the record or nil when the id is absent.
func (s *Store) Get(ctx context.Context, entityType, id string) (*offsync.Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT id, updated_at, sync_status, fields FROM entities WHERE entity_type = ? AND id = ?`
	row := s.db.QueryRowContext(ctx, query, entityType, id)

	var recID, updatedAt, syncStatus string
	var fields sql.NullString
	if err := row.Scan(&recID, &updatedAt, &syncStatus, &fields); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, syncErrors.WrapOpComponent(err, syncErrors.OpLoad, "storage/sqlite")
	}

	rec, err := buildRecord(recID, updatedAt, syncStatus, fields)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Add inserts a new record, failing with ErrDuplicateKey on an existing id.
func (s *Store) Add(ctx context.Context, entityType string, rec offsync.Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	fieldsJSON, err := marshalFields(rec.Fields)
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpStore, "storage/sqlite")
	}

	query := `INSERT INTO entities (entity_type, id, updated_at, sync_status, fields) VALUES (?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query, entityType, rec.ID, formatTime(rec.UpdatedAt), statusOrDefault(rec.SyncStatus), fieldsJSON)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%w: %s/%s", syncErrors.ErrDuplicateKey, entityType, rec.ID)
		}
		return syncErrors.WrapOpComponent(err, syncErrors.OpStore, "storage/sqlite")
	}
	return nil
}

// Put upserts a record, overwriting any existing copy.
func (s *Store) Put(ctx context.Context, entityType string, rec offsync.Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	fieldsJSON, err := marshalFields(rec.Fields)
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpStore, "storage/sqlite")
	}

	query := `INSERT INTO entities (entity_type, id, updated_at, sync_status, fields) VALUES (?, ?, ?, ?, ?)
        ON CONFLICT (entity_type, id) DO UPDATE SET updated_at = excluded.updated_at, sync_status = excluded.sync_status, fields = excluded.fields`
	_, err = s.db.ExecContext(ctx, query, entityType, rec.ID, formatTime(rec.UpdatedAt), statusOrDefault(rec.SyncStatus), fieldsJSON)
	return syncErrors.WrapOpComponent(err, syncErrors.OpStore, "storage/sqlite")
}

// Delete removes a record. Absent ids are a no-op, not an error.
func (s *Store) Delete(ctx context.Context, entityType, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	query := `DELETE FROM entities WHERE entity_type = ? AND id = ?`
	_, err := s.db.ExecContext(ctx, query, entityType, id)
	return syncErrors.WrapOpComponent(err, syncErrors.OpStore, "storage/sqlite")
}

// ApplyBatch applies upserts and deletions in a single transaction so a
// concurrent reader never observes the collection half-updated.
func (s *Store) ApplyBatch(ctx context.Context, entityType string, upserts []offsync.Record, deleteIDs []string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(upserts) == 0 && len(deleteIDs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpStore, "storage/sqlite")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	upsertStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO entities (entity_type, id, updated_at, sync_status, fields) VALUES (?, ?, ?, ?, ?)
         ON CONFLICT (entity_type, id) DO UPDATE SET updated_at = excluded.updated_at, sync_status = excluded.sync_status, fields = excluded.fields`)
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpStore, "storage/sqlite")
	}
	defer upsertStmt.Close()

	for _, rec := range upserts {
		var fieldsJSON []byte
		fieldsJSON, err = marshalFields(rec.Fields)
		if err != nil {
			return syncErrors.WrapOpComponent(err, syncErrors.OpStore, "storage/sqlite")
		}
		if _, err = upsertStmt.ExecContext(ctx, entityType, rec.ID, formatTime(rec.UpdatedAt), statusOrDefault(rec.SyncStatus), fieldsJSON); err != nil {
			return syncErrors.WrapOpComponent(err, syncErrors.OpStore, "storage/sqlite")
		}
	}

	for _, id := range deleteIDs {
		if _, err = tx.ExecContext(ctx, `DELETE FROM entities WHERE entity_type = ? AND id = ?`, entityType, id); err != nil {
			return syncErrors.WrapOpComponent(err, syncErrors.OpStore, "storage/sqlite")
		}
	}

	if err = tx.Commit(); err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpStore, "storage/sqlite")
	}
	return nil
}

// AppendEntry appends a queue entry to the sync queue.
func (s *Store) AppendEntry(ctx context.Context, entry offsync.QueueEntry) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	dataJSON, err := marshalFields(entry.Data)
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpStore, "storage/sqlite")
	}

	query := `INSERT INTO sync_queue (id, op, entity_type, entity_id, data, created_at, status, error, attempts)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		entry.ID, string(entry.Op), entry.EntityType, entry.EntityID, dataJSON,
		formatTime(entry.CreatedAt), string(entry.Status), entry.Error, entry.Attempts)
	return syncErrors.WrapOpComponent(err, syncErrors.OpStore, "storage/sqlite")
}

// UpdateEntry persists a status transition of an existing entry.
func (s *Store) UpdateEntry(ctx context.Context, entry offsync.QueueEntry) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	query := `UPDATE sync_queue SET status = ?, error = ?, processed_at = ?, failed_at = ?, attempts = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query,
		string(entry.Status), entry.Error, formatTimePtr(entry.ProcessedAt), formatTimePtr(entry.FailedAt), entry.Attempts, entry.ID)
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpStore, "storage/sqlite")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpStore, "storage/sqlite")
	}
	if affected == 0 {
		return syncErrors.WrapOpComponent(fmt.Errorf("queue entry %q not found", entry.ID), syncErrors.OpStore, "storage/sqlite")
	}
	return nil
}

// EntriesByStatus returns entries in insertion order, oldest first.
func (s *Store) EntriesByStatus(ctx context.Context, entityType string, status offsync.EntryStatus) ([]offsync.QueueEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT id, op, entity_type, entity_id, data, created_at, status, error, processed_at, failed_at, attempts
        FROM sync_queue WHERE entity_type = ? AND status = ? ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, query, entityType, string(status))
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, syncErrors.OpLoad, "storage/sqlite")
	}
	defer rows.Close()

	entries := []offsync.QueueEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.WrapOpComponent(err, syncErrors.OpLoad, "storage/sqlite")
	}
	return entries, nil
}

// QueueStats counts entries per status for the entity type.
func (s *Store) QueueStats(ctx context.Context, entityType string) (offsync.QueueStats, error) {
	if err := s.checkOpen(); err != nil {
		return offsync.QueueStats{}, err
	}

	query := `SELECT status, COUNT(*) FROM sync_queue WHERE entity_type = ? GROUP BY status`
	rows, err := s.db.QueryContext(ctx, query, entityType)
	if err != nil {
		return offsync.QueueStats{}, syncErrors.WrapOpComponent(err, syncErrors.OpLoad, "storage/sqlite")
	}
	defer rows.Close()

	var stats offsync.QueueStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return offsync.QueueStats{}, syncErrors.WrapOpComponent(err, syncErrors.OpLoad, "storage/sqlite")
		}
		stats.Total += count
		switch offsync.EntryStatus(status) {
		case offsync.EntryPending:
			stats.Pending = count
		case offsync.EntryProcessed:
			stats.Processed = count
		case offsync.EntryFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return offsync.QueueStats{}, syncErrors.WrapOpComponent(err, syncErrors.OpLoad, "storage/sqlite")
	}
	return stats, nil
}

// PruneEntries deletes terminal entries created before the cutoff.
func (s *Store) PruneEntries(ctx context.Context, entityType string, cutoff time.Time) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	query := `DELETE FROM sync_queue WHERE entity_type = ? AND status != ? AND created_at < ?`
	res, err := s.db.ExecContext(ctx, query, entityType, string(offsync.EntryPending), formatTime(cutoff))
	if err != nil {
		return 0, syncErrors.WrapOpComponent(err, syncErrors.OpStore, "storage/sqlite")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, syncErrors.WrapOpComponent(err, syncErrors.OpStore, "storage/sqlite")
	}
	return int(affected), nil
}

// GetMeta returns the metadata value, or "" when the key is absent.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", syncErrors.WrapOpComponent(err, syncErrors.OpLoad, "storage/sqlite")
	}
	return value, nil
}

// SetMeta upserts a metadata key.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	query := `INSERT INTO sync_metadata (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value`
	_, err := s.db.ExecContext(ctx, query, key, value)
	return syncErrors.WrapOpComponent(err, syncErrors.OpStore, "storage/sqlite")
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Stats returns database statistics for monitoring
func (s *Store) Stats() sql.DBStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return sql.DBStats{}
	}
	return s.db.Stats()
}

// helpers

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func statusOrDefault(status offsync.SyncStatus) string {
	if status == "" {
		return string(offsync.StatusSynced)
	}
	return string(status)
}

func marshalFields(fields map[string]interface{}) ([]byte, error) {
	if fields == nil {
		return nil, nil
	}
	return json.Marshal(fields)
}

func buildRecord(id, updatedAt, syncStatus string, fields sql.NullString) (offsync.Record, error) {
	rec := offsync.Record{
		ID:         id,
		SyncStatus: offsync.SyncStatus(syncStatus),
	}

	ts, err := parseTime(updatedAt)
	if err != nil {
		return offsync.Record{}, fmt.Errorf("invalid updated_at for record %q: %w", id, err)
	}
	rec.UpdatedAt = ts

	if fields.Valid && fields.String != "" {
		if err := json.Unmarshal([]byte(fields.String), &rec.Fields); err != nil {
			return offsync.Record{}, fmt.Errorf("invalid fields for record %q: %w", id, err)
		}
	}
	return rec, nil
}

func scanRecord(rows *sql.Rows) (offsync.Record, error) {
	var id, updatedAt, syncStatus string
	var fields sql.NullString
	if err := rows.Scan(&id, &updatedAt, &syncStatus, &fields); err != nil {
		return offsync.Record{}, fmt.Errorf("failed to scan record row: %w", err)
	}
	return buildRecord(id, updatedAt, syncStatus, fields)
}

func scanEntry(rows *sql.Rows) (offsync.QueueEntry, error) {
	var entry offsync.QueueEntry
	var op, status, createdAt string
	var data, errMsg, processedAt, failedAt sql.NullString

	if err := rows.Scan(&entry.ID, &op, &entry.EntityType, &entry.EntityID, &data,
		&createdAt, &status, &errMsg, &processedAt, &failedAt, &entry.Attempts); err != nil {
		return offsync.QueueEntry{}, fmt.Errorf("failed to scan queue entry row: %w", err)
	}

	entry.Op = offsync.OpType(op)
	entry.Status = offsync.EntryStatus(status)

	ts, err := parseTime(createdAt)
	if err != nil {
		return offsync.QueueEntry{}, fmt.Errorf("invalid created_at for entry %q: %w", entry.ID, err)
	}
	entry.CreatedAt = ts

	if errMsg.Valid {
		entry.Error = errMsg.String
	}
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &entry.Data); err != nil {
			return offsync.QueueEntry{}, fmt.Errorf("invalid data for entry %q: %w", entry.ID, err)
		}
	}
	if processedAt.Valid {
		if ts, err := parseTime(processedAt.String); err == nil {
			entry.ProcessedAt = &ts
		}
	}
	if failedAt.Valid {
		if ts, err := parseTime(failedAt.String); err == nil {
			entry.FailedAt = &ts
		}
	}
	return entry, nil
}
