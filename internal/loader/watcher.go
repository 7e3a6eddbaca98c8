package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"morph/internal/logging"
)

// DriftWatcher observes the modules directory and flags edits that did
// not go through the update pipeline. It never reloads anything on its
// own; out-of-band changes are only surfaced in the logs so an operator
// can decide what to do.
type DriftWatcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher
	done     chan struct{}
	once     sync.Once
}

// NewDriftWatcher creates a watcher over the registry's source tree.
func NewDriftWatcher(registry *Registry) (*DriftWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(registry.Tree().Dir()); err != nil {
		w.Close()
		return nil, err
	}
	return &DriftWatcher{
		registry: registry,
		watcher:  w,
		done:     make(chan struct{}),
	}, nil
}

// Start runs the watch loop until the context is cancelled or Close is
// called.
func (d *DriftWatcher) Start(ctx context.Context) {
	go d.loop(ctx)
}

// Close stops the watch loop and releases the underlying watcher.
func (d *DriftWatcher) Close() error {
	d.once.Do(func() { close(d.done) })
	return d.watcher.Close()
}

func (d *DriftWatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				d.inspect(event.Name)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			logging.LoaderError("Drift watcher error: %v", err)
		}
	}
}

// inspect compares the file on disk against the registry's record of
// the loaded source. Files the registry does not know about, and hash
// mismatches, are both reported as drift.
func (d *DriftWatcher) inspect(path string) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".go") || strings.HasPrefix(base, ".") {
		return
	}
	moduleID := strings.TrimSuffix(base, ".go")

	expected, loaded := d.registry.SourceHash(moduleID)
	if !loaded {
		logging.Loader("Unmanaged module file appeared: %s", base)
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		// Atomic renames can race a read of the temp path; skip quietly.
		return
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != expected {
		logging.LoaderError("Out-of-band edit detected on module %s; on-disk source no longer matches the loaded instance", moduleID)
	}
}
