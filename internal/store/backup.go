package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"morph/internal/logging"
)

// ErrBackupNotFound indicates a rollback was requested for a module
// version that was never backed up. Reported to the caller, never fatal
// to the process.
var ErrBackupNotFound = errors.New("backup snapshot not found")

// BackupSnapshot is a durably stored prior version of a module's source.
// Snapshots are append-only and ordered per module by VersionSeq; nothing
// prunes them automatically.
type BackupSnapshot struct {
	ModuleID   string
	VersionSeq int64
	Source     []byte
	CreatedAt  time.Time
}

// BackupStore owns the backups table.
type BackupStore struct {
	parent *DB
}

// Create persists a new snapshot of the given module source, assigning
// the next version sequence number for that module. The snapshot is
// durable before Create returns; callers overwrite live source only
// after that point.
func (b *BackupStore) Create(moduleID string, source []byte) (*BackupSnapshot, error) {
	b.parent.mu.Lock()
	defer b.parent.mu.Unlock()

	tx, err := b.parent.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var nextSeq int64
	row := tx.QueryRow(`SELECT COALESCE(MAX(version_seq), 0) + 1 FROM backups WHERE module_id = ?`, moduleID)
	if err := row.Scan(&nextSeq); err != nil {
		return nil, fmt.Errorf("failed to assign version sequence: %w", err)
	}

	now := time.Now().UTC()
	_, err = tx.Exec(`
		INSERT INTO backups (module_id, version_seq, source, created_at)
		VALUES (?, ?, ?, ?)`,
		moduleID, nextSeq, source, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to persist backup: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	logging.Store("Backed up module %s as version %d (%d bytes)", moduleID, nextSeq, len(source))
	return &BackupSnapshot{
		ModuleID:   moduleID,
		VersionSeq: nextSeq,
		Source:     source,
		CreatedAt:  now,
	}, nil
}

// Get retrieves a specific snapshot by module and version sequence.
func (b *BackupStore) Get(moduleID string, versionSeq int64) (*BackupSnapshot, error) {
	b.parent.mu.RLock()
	defer b.parent.mu.RUnlock()

	row := b.parent.db.QueryRow(`
		SELECT module_id, version_seq, source, created_at
		FROM backups WHERE module_id = ? AND version_seq = ?`, moduleID, versionSeq)

	return scanSnapshot(row)
}

// Latest retrieves the most recent snapshot for a module.
func (b *BackupStore) Latest(moduleID string) (*BackupSnapshot, error) {
	b.parent.mu.RLock()
	defer b.parent.mu.RUnlock()

	row := b.parent.db.QueryRow(`
		SELECT module_id, version_seq, source, created_at
		FROM backups WHERE module_id = ?
		ORDER BY version_seq DESC LIMIT 1`, moduleID)

	return scanSnapshot(row)
}

// LatestSeq returns the highest version sequence for a module, or 0 when
// the module has never been backed up.
func (b *BackupStore) LatestSeq(moduleID string) (int64, error) {
	b.parent.mu.RLock()
	defer b.parent.mu.RUnlock()

	var seq int64
	row := b.parent.db.QueryRow(`SELECT COALESCE(MAX(version_seq), 0) FROM backups WHERE module_id = ?`, moduleID)
	if err := row.Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// List returns all snapshots for a module ordered by version, without
// their source bytes.
func (b *BackupStore) List(moduleID string) ([]BackupSnapshot, error) {
	b.parent.mu.RLock()
	defer b.parent.mu.RUnlock()

	rows, err := b.parent.db.Query(`
		SELECT module_id, version_seq, created_at
		FROM backups WHERE module_id = ? ORDER BY version_seq ASC`, moduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []BackupSnapshot
	for rows.Next() {
		var s BackupSnapshot
		if err := rows.Scan(&s.ModuleID, &s.VersionSeq, &s.CreatedAt); err != nil {
			return nil, err
		}
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}

func scanSnapshot(row *sql.Row) (*BackupSnapshot, error) {
	var s BackupSnapshot
	err := row.Scan(&s.ModuleID, &s.VersionSeq, &s.Source, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrBackupNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
