package updater

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"morph/internal/logging"
)

// ErrModuleNotFound indicates the live tree has no source for a module.
var ErrModuleNotFound = errors.New("module not found in live tree")

// SourceTree is the live module source store. Each module is a single
// file <modules_dir>/<id>.go. Writes go through atomicWrite and an
// exclusive lock, so a concurrent reader sees either the old source in
// full or the new source in full, never a mix.
type SourceTree struct {
	mu  sync.RWMutex
	dir string
}

// NewSourceTree creates the modules directory if needed.
func NewSourceTree(dir string) (*SourceTree, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create modules directory: %w", err)
	}
	return &SourceTree{dir: dir}, nil
}

// Dir returns the root of the live tree.
func (t *SourceTree) Dir() string { return t.dir }

// Path returns the live source path for a module id.
func (t *SourceTree) Path(moduleID string) string {
	return filepath.Join(t.dir, moduleID+".go")
}

// Read returns the current live source of a module.
func (t *SourceTree) Read(moduleID string) ([]byte, error) {
	if !moduleIDPattern.MatchString(moduleID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidModuleID, moduleID)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	data, err := os.ReadFile(t.Path(moduleID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, moduleID)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Exists reports whether the module has live source.
func (t *SourceTree) Exists(moduleID string) bool {
	if !moduleIDPattern.MatchString(moduleID) {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, err := os.Stat(t.Path(moduleID))
	return err == nil
}

// Write atomically replaces the live source of a module.
func (t *SourceTree) Write(moduleID string, source []byte) error {
	if !moduleIDPattern.MatchString(moduleID) {
		return fmt.Errorf("%w: %q", ErrInvalidModuleID, moduleID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := atomicWrite(t.Path(moduleID), source); err != nil {
		return fmt.Errorf("failed to write module %s: %w", moduleID, err)
	}
	logging.Loader("Wrote live source for module %s (%d bytes)", moduleID, len(source))
	return nil
}

// ListModules returns the ids of all modules in the live tree.
func (t *SourceTree) ListModules() ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".go") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".go")
		if moduleIDPattern.MatchString(id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
