package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"morph/internal/logging"
)

// Command is an immutable inbound command as accepted at intake. The
// credential is deliberately excluded from the persisted snapshot.
type Command struct {
	Name        string            `json:"name"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at"`
}

// HistoryEntry is one append-only lifecycle transition of a command.
type HistoryEntry struct {
	Seq       int64
	Status    string
	Detail    string
	CreatedAt time.Time
}

// CommandRecord is the audited view of a command: its snapshot, the
// current status projection, and the full ordered transition history.
type CommandRecord struct {
	ID            string
	Command       Command
	Status        string
	ResultSummary string
	DurationMs    int64
	History       []HistoryEntry
}

// AuditStore owns command_records and the append-only command_history
// table. Transitions are only ever appended; the status column on
// command_records is a projection of the latest history entry, updated
// in the same transaction as the append.
type AuditStore struct {
	parent *DB
}

// CreateRecord inserts a new command record in the given initial status
// and appends the first history entry. Every command produces exactly
// one record.
func (a *AuditStore) CreateRecord(recordID string, cmd Command, initialStatus string) error {
	a.parent.mu.Lock()
	defer a.parent.mu.Unlock()

	params, err := json.Marshal(cmd.Parameters)
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}

	tx, err := a.parent.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO command_records (record_id, command_name, parameters, submitted_at, status)
		VALUES (?, ?, ?, ?, ?)`,
		recordID, cmd.Name, string(params), cmd.SubmittedAt.UTC(), initialStatus,
	)
	if err != nil {
		return fmt.Errorf("failed to insert command record: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO command_history (record_id, status, detail)
		VALUES (?, ?, ?)`,
		recordID, initialStatus, "",
	)
	if err != nil {
		return fmt.Errorf("failed to append initial transition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	logging.StoreDebug("Created command record %s (%s)", recordID, cmd.Name)
	return nil
}

// AppendTransition appends a lifecycle transition and updates the status
// projection atomically. The write is durable before this returns, which
// is what makes the audit log a faithful replay even across a crash
// between pipeline steps.
func (a *AuditStore) AppendTransition(recordID, status, detail string) error {
	a.parent.mu.Lock()
	defer a.parent.mu.Unlock()

	tx, err := a.parent.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO command_history (record_id, status, detail)
		VALUES (?, ?, ?)`,
		recordID, status, detail,
	)
	if err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}

	res, err := tx.Exec(`UPDATE command_records SET status = ? WHERE record_id = ?`, status, recordID)
	if err != nil {
		return fmt.Errorf("failed to update status projection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no command record with id %s", recordID)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	logging.StoreDebug("Record %s -> %s (%s)", recordID, status, detail)
	return nil
}

// Finalize records the terminal outcome details of a command. The status
// itself still travels through AppendTransition; this only fills the
// result summary and duration columns.
func (a *AuditStore) Finalize(recordID, resultSummary string, duration time.Duration) error {
	a.parent.mu.Lock()
	defer a.parent.mu.Unlock()

	_, err := a.parent.db.Exec(`
		UPDATE command_records SET result_summary = ?, duration_ms = ?
		WHERE record_id = ?`,
		resultSummary, duration.Milliseconds(), recordID,
	)
	return err
}

// GetRecord retrieves a command record with its full history.
func (a *AuditStore) GetRecord(recordID string) (*CommandRecord, error) {
	a.parent.mu.RLock()
	defer a.parent.mu.RUnlock()

	row := a.parent.db.QueryRow(`
		SELECT record_id, command_name, parameters, submitted_at, status,
		       COALESCE(result_summary, ''), COALESCE(duration_ms, 0)
		FROM command_records WHERE record_id = ?`, recordID)

	rec, err := scanRecord(row)
	if err != nil {
		return nil, err
	}

	rows, err := a.parent.db.Query(`
		SELECT seq, status, COALESCE(detail, ''), created_at
		FROM command_history WHERE record_id = ? ORDER BY seq ASC`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.Seq, &e.Status, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		rec.History = append(rec.History, e)
	}

	return rec, rows.Err()
}

// Recent retrieves the N most recent command records, newest first,
// without their per-record history.
func (a *AuditStore) Recent(limit int) ([]CommandRecord, error) {
	a.parent.mu.RLock()
	defer a.parent.mu.RUnlock()

	rows, err := a.parent.db.Query(`
		SELECT record_id, command_name, parameters, submitted_at, status,
		       COALESCE(result_summary, ''), COALESCE(duration_ms, 0)
		FROM command_records ORDER BY submitted_at DESC, record_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []CommandRecord
	for rows.Next() {
		rec, err := scanRecordRows(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}

	return records, rows.Err()
}

func scanRecord(row *sql.Row) (*CommandRecord, error) {
	var rec CommandRecord
	var params string
	var submittedAt time.Time

	err := row.Scan(&rec.ID, &rec.Command.Name, &params, &submittedAt,
		&rec.Status, &rec.ResultSummary, &rec.DurationMs)
	if err != nil {
		return nil, err
	}

	rec.Command.SubmittedAt = submittedAt
	if params != "" && params != "null" {
		_ = json.Unmarshal([]byte(params), &rec.Command.Parameters)
	}
	return &rec, nil
}

func scanRecordRows(rows *sql.Rows) (*CommandRecord, error) {
	var rec CommandRecord
	var params string
	var submittedAt time.Time

	err := rows.Scan(&rec.ID, &rec.Command.Name, &params, &submittedAt,
		&rec.Status, &rec.ResultSummary, &rec.DurationMs)
	if err != nil {
		return nil, err
	}

	rec.Command.SubmittedAt = submittedAt
	if params != "" && params != "null" {
		_ = json.Unmarshal([]byte(params), &rec.Command.Parameters)
	}
	return &rec, nil
}
