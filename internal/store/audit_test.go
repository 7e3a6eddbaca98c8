package store

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	tmpDir := t.TempDir()
	db, err := Open(filepath.Join(tmpDir, "test_morph.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAuditStore_CreateAndTransition(t *testing.T) {
	db := newTestDB(t)
	audit := db.Audit()

	cmd := Command{
		Name:        "apply_update",
		Parameters:  map[string]string{"module": "greeter"},
		SubmittedAt: time.Now(),
	}

	if err := audit.CreateRecord("rec-001", cmd, "received"); err != nil {
		t.Fatalf("Failed to create record: %v", err)
	}

	if err := audit.AppendTransition("rec-001", "authenticating", ""); err != nil {
		t.Fatalf("Failed to append transition: %v", err)
	}
	if err := audit.AppendTransition("rec-001", "staged", "candidate staged"); err != nil {
		t.Fatalf("Failed to append transition: %v", err)
	}

	rec, err := audit.GetRecord("rec-001")
	if err != nil {
		t.Fatalf("Failed to get record: %v", err)
	}

	if rec.Status != "staged" {
		t.Errorf("Expected projected status 'staged', got %q", rec.Status)
	}
	if rec.Command.Name != "apply_update" {
		t.Errorf("Expected command name 'apply_update', got %q", rec.Command.Name)
	}
	if rec.Command.Parameters["module"] != "greeter" {
		t.Errorf("Expected module parameter 'greeter', got %q", rec.Command.Parameters["module"])
	}
	if len(rec.History) != 3 {
		t.Fatalf("Expected 3 history entries, got %d", len(rec.History))
	}

	// History is append-only and ordered.
	wantStatuses := []string{"received", "authenticating", "staged"}
	for i, want := range wantStatuses {
		if rec.History[i].Status != want {
			t.Errorf("History[%d]: expected %q, got %q", i, want, rec.History[i].Status)
		}
	}
	for i := 1; i < len(rec.History); i++ {
		if rec.History[i].Seq <= rec.History[i-1].Seq {
			t.Errorf("History sequence not monotonic at %d: %d <= %d",
				i, rec.History[i].Seq, rec.History[i-1].Seq)
		}
	}
}

func TestAuditStore_HistoryTimestampsSurviveRead(t *testing.T) {
	db := newTestDB(t)
	audit := db.Audit()

	cmd := Command{
		Name:        "apply_update",
		Parameters:  map[string]string{"module": "greeter"},
		SubmittedAt: time.Now(),
	}
	if err := audit.CreateRecord("rec-ts", cmd, "received"); err != nil {
		t.Fatalf("Failed to create record: %v", err)
	}
	if err := audit.AppendTransition("rec-ts", "authenticating", ""); err != nil {
		t.Fatalf("Failed to append transition: %v", err)
	}
	if err := audit.AppendTransition("rec-ts", "staged", "candidate staged"); err != nil {
		t.Fatalf("Failed to append transition: %v", err)
	}

	rec, err := audit.GetRecord("rec-ts")
	if err != nil {
		t.Fatalf("Failed to get record: %v", err)
	}
	if len(rec.History) != 3 {
		t.Fatalf("Expected 3 history entries, got %d", len(rec.History))
	}
	for i, entry := range rec.History {
		if entry.CreatedAt.IsZero() {
			t.Errorf("History[%d] (%s): created timestamp is zero", i, entry.Status)
		}
	}
}

func TestAuditStore_ReadAfterCloseReturnsError(t *testing.T) {
	db := newTestDB(t)
	audit := db.Audit()

	cmd := Command{Name: "history", SubmittedAt: time.Now()}
	if err := audit.CreateRecord("rec-closed", cmd, "received"); err != nil {
		t.Fatalf("Failed to create record: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Failed to close store: %v", err)
	}

	if _, err := audit.Recent(5); err == nil {
		t.Error("Expected error listing recent records on closed store")
	}
	if _, err := audit.GetRecord("rec-closed"); err == nil {
		t.Error("Expected error reading record on closed store")
	}
}

func TestAuditStore_TransitionUnknownRecord(t *testing.T) {
	db := newTestDB(t)

	if err := db.Audit().AppendTransition("missing", "staged", ""); err == nil {
		t.Fatal("Expected error appending transition to unknown record")
	}
}

func TestAuditStore_Finalize(t *testing.T) {
	db := newTestDB(t)
	audit := db.Audit()

	cmd := Command{Name: "history", SubmittedAt: time.Now()}
	if err := audit.CreateRecord("rec-final", cmd, "received"); err != nil {
		t.Fatalf("Failed to create record: %v", err)
	}
	if err := audit.AppendTransition("rec-final", "succeeded", ""); err != nil {
		t.Fatalf("Failed to append transition: %v", err)
	}
	if err := audit.Finalize("rec-final", "listed 10 records", 42*time.Millisecond); err != nil {
		t.Fatalf("Failed to finalize: %v", err)
	}

	rec, err := audit.GetRecord("rec-final")
	if err != nil {
		t.Fatalf("Failed to get record: %v", err)
	}
	if rec.ResultSummary != "listed 10 records" {
		t.Errorf("Expected result summary, got %q", rec.ResultSummary)
	}
	if rec.DurationMs != 42 {
		t.Errorf("Expected duration 42ms, got %d", rec.DurationMs)
	}
}

func TestAuditStore_Recent(t *testing.T) {
	db := newTestDB(t)
	audit := db.Audit()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"rec-a", "rec-b", "rec-c"} {
		cmd := Command{Name: "history", SubmittedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := audit.CreateRecord(id, cmd, "received"); err != nil {
			t.Fatalf("Failed to create record %s: %v", id, err)
		}
	}

	records, err := audit.Recent(2)
	if err != nil {
		t.Fatalf("Failed to list recent: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[0].ID != "rec-c" {
		t.Errorf("Expected newest record first, got %s", records[0].ID)
	}
}
