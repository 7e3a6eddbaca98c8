// Package store persists morph's durable state in SQLite: the append-only
// audit log of command lifecycles and the versioned backup snapshots that
// make rollback possible.
//
// Storage location: .morph/morph.db
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"morph/internal/logging"

	_ "github.com/mattn/go-sqlite3"
)

// DB bundles the audit log and backup store over one SQLite database.
type DB struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string

	audit   *AuditStore
	backups *BackupStore
}

// Open creates (or opens) the morph database at the given path.
func Open(dbPath string) (*DB, error) {
	logging.StoreDebug("Opening morph database at path: %s", dbPath)

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &DB{db: db, dbPath: dbPath}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	s.audit = &AuditStore{parent: s}
	s.backups = &BackupStore{parent: s}

	logging.Store("morph database opened at %s", dbPath)
	return s, nil
}

// initialize creates the database schema.
func (s *DB) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS command_records (
		record_id TEXT PRIMARY KEY,
		command_name TEXT NOT NULL,
		parameters TEXT,
		submitted_at DATETIME NOT NULL,
		status TEXT NOT NULL,
		result_summary TEXT,
		duration_ms INTEGER
	);

	CREATE TABLE IF NOT EXISTS command_history (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		record_id TEXT NOT NULL,
		status TEXT NOT NULL,
		detail TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (record_id) REFERENCES command_records(record_id)
	);

	CREATE TABLE IF NOT EXISTS backups (
		module_id TEXT NOT NULL,
		version_seq INTEGER NOT NULL,
		source BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (module_id, version_seq)
	);

	CREATE INDEX IF NOT EXISTS idx_command_history_record ON command_history(record_id);
	CREATE INDEX IF NOT EXISTS idx_command_records_submitted ON command_records(submitted_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Audit returns the audit log store.
func (s *DB) Audit() *AuditStore { return s.audit }

// Backups returns the backup snapshot store.
func (s *DB) Backups() *BackupStore { return s.backups }

// Close closes the database connection.
func (s *DB) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		logging.Store("Closing morph database at %s", s.dbPath)
		return s.db.Close()
	}
	return nil
}
