// Package updater manages the filesystem side of the self-update
// pipeline: the staging area holding candidate module sources and the
// live module source tree. All writes are atomic (temp file + rename) so
// a reader never observes a partially-written candidate or module.
package updater

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"morph/internal/logging"
)

// ErrInvalidModuleID rejects module ids that could escape the managed
// directories.
var ErrInvalidModuleID = errors.New("invalid module id")

// ErrCandidateTooLarge rejects oversized candidate sources.
var ErrCandidateTooLarge = errors.New("candidate source exceeds size limit")

// ErrNotStaged indicates no staged candidate exists for a module.
var ErrNotStaged = errors.New("no staged candidate for module")

var moduleIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9_-]*$`)

// StagedCandidate describes a candidate source held in the staging area.
// At most one staged candidate exists per target module; a later Stage
// call for the same module supersedes the earlier one.
type StagedCandidate struct {
	TargetModuleID string
	Source         []byte
	StagedAt       time.Time
	Superseded     bool // true when this staging replaced a prior candidate
}

// Stager owns the staging directory.
type Stager struct {
	stagingDir string
	maxSize    int64
}

// NewStager creates the staging directory if needed.
func NewStager(stagingDir string, maxSize int64) (*Stager, error) {
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	logging.Stager("Staging area ready at %s", stagingDir)
	return &Stager{stagingDir: stagingDir, maxSize: maxSize}, nil
}

// Stage writes a candidate source for the target module, atomically
// replacing any prior staged candidate. Superseding is an event, not an
// error.
func (s *Stager) Stage(targetModuleID string, source []byte) (*StagedCandidate, error) {
	if !moduleIDPattern.MatchString(targetModuleID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidModuleID, targetModuleID)
	}
	if s.maxSize > 0 && int64(len(source)) > s.maxSize {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrCandidateTooLarge, len(source), s.maxSize)
	}

	path := s.candidatePath(targetModuleID)
	superseded := false
	if _, err := os.Stat(path); err == nil {
		superseded = true
		logging.Stager("Superseding staged candidate for module %s", targetModuleID)
	}

	if err := atomicWrite(path, source); err != nil {
		return nil, fmt.Errorf("failed to stage candidate: %w", err)
	}

	logging.Stager("Staged candidate for module %s (%d bytes)", targetModuleID, len(source))
	return &StagedCandidate{
		TargetModuleID: targetModuleID,
		Source:         source,
		StagedAt:       time.Now(),
		Superseded:     superseded,
	}, nil
}

// Load reads back the staged candidate for a module.
func (s *Stager) Load(targetModuleID string) ([]byte, error) {
	if !moduleIDPattern.MatchString(targetModuleID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidModuleID, targetModuleID)
	}
	data, err := os.ReadFile(s.candidatePath(targetModuleID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotStaged, targetModuleID)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Clear discards the staged candidate for a module. Clearing a module
// with nothing staged is a no-op.
func (s *Stager) Clear(targetModuleID string) error {
	if !moduleIDPattern.MatchString(targetModuleID) {
		return fmt.Errorf("%w: %q", ErrInvalidModuleID, targetModuleID)
	}
	err := os.Remove(s.candidatePath(targetModuleID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if err == nil {
		logging.Stager("Cleared staged candidate for module %s", targetModuleID)
	}
	return nil
}

func (s *Stager) candidatePath(moduleID string) string {
	return filepath.Join(s.stagingDir, moduleID+".go")
}

// atomicWrite writes data to path via a temp file and rename, so readers
// see either the old content in full or the new content in full.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
