// Package loader owns the live module set: the Go sources under the
// modules directory, each evaluated into its own interpreter and
// exposed through a process-wide registry. Applying an update swaps
// both the on-disk source and the in-memory instance; a failed swap
// can be undone from the backup store.
package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"go/parser"
	"go/token"
	"reflect"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"morph/internal/logging"
	"morph/internal/store"
	"morph/internal/updater"
)

// ErrModuleNotLoaded indicates the registry has no live instance for a
// module id.
var ErrModuleNotLoaded = fmt.Errorf("module not loaded")

// liveModule is one evaluated module instance.
type liveModule struct {
	id         string
	pkgName    string
	run        reflect.Value
	sourceHash string
	loadedAt   time.Time
}

// Registry holds the live module instances and coordinates source swaps
// with the on-disk tree and the backup store.
type Registry struct {
	mu      sync.RWMutex
	tree    *updater.SourceTree
	backups *store.BackupStore
	modules map[string]*liveModule
}

// NewRegistry creates an empty registry over the given source tree and
// backup store.
func NewRegistry(tree *updater.SourceTree, backups *store.BackupStore) *Registry {
	return &Registry{
		tree:    tree,
		backups: backups,
		modules: make(map[string]*liveModule),
	}
}

// LoadAll evaluates every module present in the source tree. Modules
// that fail to load are logged and skipped so one bad file does not
// keep the rest of the system down.
func (r *Registry) LoadAll(ctx context.Context) error {
	ids, err := r.tree.ListModules()
	if err != nil {
		return fmt.Errorf("listing modules: %w", err)
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.Reload(id); err != nil {
			logging.LoaderError("Module %s failed to load: %v", id, err)
			continue
		}
	}
	logging.Loader("Loaded %d of %d modules", len(r.modules), len(ids))
	return nil
}

// Apply writes the candidate source for a module and reloads it. The
// write is atomic: either the new source fully replaces the old file or
// the old file is untouched. On a reload failure the new source remains
// on disk and the caller is expected to roll back.
func (r *Registry) Apply(moduleID string, source []byte) error {
	if err := r.tree.Write(moduleID, source); err != nil {
		return fmt.Errorf("writing module source: %w", err)
	}
	return r.Reload(moduleID)
}

// Reload builds a fresh interpreter from the module's on-disk source and
// swaps it into the registry. The previous instance, if any, stays live
// until the swap point.
func (r *Registry) Reload(moduleID string) error {
	source, err := r.tree.Read(moduleID)
	if err != nil {
		return err
	}

	instance, err := evaluate(moduleID, source)
	if err != nil {
		return fmt.Errorf("reloading %s: %w", moduleID, err)
	}

	r.mu.Lock()
	r.modules[moduleID] = instance
	r.mu.Unlock()

	logging.Loader("Module %s reloaded (package %s, hash %s)", moduleID, instance.pkgName, instance.sourceHash[:12])
	return nil
}

// Rollback restores a module to a backup snapshot and reloads it. A
// seq of zero restores the most recent snapshot.
func (r *Registry) Rollback(moduleID string, seq int64) (int64, error) {
	var snap *store.BackupSnapshot
	var err error
	if seq == 0 {
		snap, err = r.backups.Latest(moduleID)
	} else {
		snap, err = r.backups.Get(moduleID, seq)
	}
	if err != nil {
		return 0, fmt.Errorf("fetching backup for %s: %w", moduleID, err)
	}

	if err := r.tree.Write(moduleID, snap.Source); err != nil {
		return 0, fmt.Errorf("restoring module source: %w", err)
	}
	if err := r.Reload(moduleID); err != nil {
		return 0, err
	}
	logging.Loader("Module %s rolled back to version %d", moduleID, snap.VersionSeq)
	return snap.VersionSeq, nil
}

// Invoke calls a live module's Run entry point.
func (r *Registry) Invoke(moduleID, input string) (string, error) {
	r.mu.RLock()
	instance, ok := r.modules[moduleID]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrModuleNotLoaded, moduleID)
	}

	results := instance.run.Call([]reflect.Value{reflect.ValueOf(input)})
	out := results[0].String()
	if errVal := results[1].Interface(); errVal != nil {
		return out, errVal.(error)
	}
	return out, nil
}

// Loaded reports whether a module has a live instance.
func (r *Registry) Loaded(moduleID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.modules[moduleID]
	return ok
}

// SourceHash returns the registry's hash of a module's loaded source,
// used by the drift watcher to detect out-of-band edits.
func (r *Registry) SourceHash(moduleID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	instance, ok := r.modules[moduleID]
	if !ok {
		return "", false
	}
	return instance.sourceHash, true
}

// Tree exposes the underlying source tree.
func (r *Registry) Tree() *updater.SourceTree {
	return r.tree
}

// evaluate builds a live instance from a module source.
func evaluate(moduleID string, source []byte) (*liveModule, error) {
	pkgName, err := packageName(source)
	if err != nil {
		return nil, err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("loading interpreter symbols: %w", err)
	}
	if _, err := i.Eval(string(source)); err != nil {
		return nil, fmt.Errorf("evaluating source: %w", err)
	}

	run, err := i.Eval(pkgName + ".Run")
	if err != nil {
		return nil, fmt.Errorf("resolving entry point: %w", err)
	}
	if run.Kind() != reflect.Func {
		return nil, fmt.Errorf("%s.Run is not a function", pkgName)
	}

	sum := sha256.Sum256(source)
	return &liveModule{
		id:         moduleID,
		pkgName:    pkgName,
		run:        run,
		sourceHash: hex.EncodeToString(sum[:]),
		loadedAt:   time.Now(),
	}, nil
}

func packageName(source []byte) (string, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "module.go", source, parser.PackageClauseOnly)
	if err != nil {
		return "", fmt.Errorf("parsing package clause: %w", err)
	}
	return file.Name.Name, nil
}
