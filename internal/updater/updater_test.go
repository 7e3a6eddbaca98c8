package updater

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestStager_StageAndSupersede(t *testing.T) {
	stager, err := NewStager(t.TempDir(), 1024)
	if err != nil {
		t.Fatalf("Failed to create stager: %v", err)
	}

	first, err := stager.Stage("greeter", []byte("package greeter // v1"))
	if err != nil {
		t.Fatalf("Failed to stage: %v", err)
	}
	if first.Superseded {
		t.Error("First staging should not be marked superseded")
	}

	second, err := stager.Stage("greeter", []byte("package greeter // v2"))
	if err != nil {
		t.Fatalf("Failed to re-stage: %v", err)
	}
	if !second.Superseded {
		t.Error("Second staging should be marked superseded")
	}

	got, err := stager.Load("greeter")
	if err != nil {
		t.Fatalf("Failed to load staged candidate: %v", err)
	}
	if diff := cmp.Diff("package greeter // v2", string(got)); diff != "" {
		t.Errorf("Staged candidate mismatch (-want +got):\n%s", diff)
	}
}

func TestStager_RejectsBadInput(t *testing.T) {
	stager, err := NewStager(t.TempDir(), 16)
	if err != nil {
		t.Fatalf("Failed to create stager: %v", err)
	}

	if _, err := stager.Stage("../escape", []byte("x")); !errors.Is(err, ErrInvalidModuleID) {
		t.Errorf("Expected ErrInvalidModuleID for path traversal, got %v", err)
	}
	if _, err := stager.Stage("ok", make([]byte, 32)); !errors.Is(err, ErrCandidateTooLarge) {
		t.Errorf("Expected ErrCandidateTooLarge, got %v", err)
	}
	if _, err := stager.Load("never-staged"); !errors.Is(err, ErrNotStaged) {
		t.Errorf("Expected ErrNotStaged, got %v", err)
	}
}

func TestStager_Clear(t *testing.T) {
	stager, err := NewStager(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("Failed to create stager: %v", err)
	}

	stager.Stage("greeter", []byte("package greeter"))
	if err := stager.Clear("greeter"); err != nil {
		t.Fatalf("Failed to clear: %v", err)
	}
	if _, err := stager.Load("greeter"); !errors.Is(err, ErrNotStaged) {
		t.Errorf("Expected ErrNotStaged after clear, got %v", err)
	}

	// Clearing again is a no-op.
	if err := stager.Clear("greeter"); err != nil {
		t.Errorf("Clear of empty staging should not error: %v", err)
	}
}

func TestSourceTree_ReadWrite(t *testing.T) {
	tree, err := NewSourceTree(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create tree: %v", err)
	}

	if tree.Exists("greeter") {
		t.Error("Module should not exist before write")
	}
	if _, err := tree.Read("greeter"); !errors.Is(err, ErrModuleNotFound) {
		t.Errorf("Expected ErrModuleNotFound, got %v", err)
	}

	src := []byte("package greeter\n\nfunc Greet() string { return \"hi\" }\n")
	if err := tree.Write("greeter", src); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	got, err := tree.Read("greeter")
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	if diff := cmp.Diff(src, got); diff != "" {
		t.Errorf("Round-trip mismatch (-want +got):\n%s", diff)
	}

	ids, err := tree.ListModules()
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(ids) != 1 || ids[0] != "greeter" {
		t.Errorf("Expected [greeter], got %v", ids)
	}
}
