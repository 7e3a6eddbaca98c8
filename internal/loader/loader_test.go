package loader

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"morph/internal/store"
	"morph/internal/updater"
)

const echoV1 = `package echo

func Run(input string) (string, error) {
	return "v1:" + input, nil
}
`

const echoV2 = `package echo

func Run(input string) (string, error) {
	return "v2:" + input, nil
}
`

const brokenModule = `package echo

func Run(input string) (string, error) {
	return undefinedSymbol, nil
}
`

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()

	db, err := store.Open(filepath.Join(dir, "morph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tree, err := updater.NewSourceTree(filepath.Join(dir, "modules"))
	require.NoError(t, err)

	return NewRegistry(tree, db.Backups())
}

func TestApplyAndInvoke(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Apply("echo", []byte(echoV1)))
	require.True(t, r.Loaded("echo"))

	out, err := r.Invoke("echo", "ping")
	require.NoError(t, err)
	assert.Equal(t, "v1:ping", out)
}

func TestReloadSwapsLiveInstance(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Apply("echo", []byte(echoV1)))
	require.NoError(t, r.Apply("echo", []byte(echoV2)))

	out, err := r.Invoke("echo", "ping")
	require.NoError(t, err)
	assert.Equal(t, "v2:ping", out)
}

func TestReloadFailureKeepsPreviousInstance(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Apply("echo", []byte(echoV1)))

	err := r.Apply("echo", []byte(brokenModule))
	require.Error(t, err)

	// The old instance keeps serving even though the bad source is on
	// disk; restoration is the caller's responsibility.
	out, err := r.Invoke("echo", "ping")
	require.NoError(t, err)
	assert.Equal(t, "v1:ping", out)
}

func TestRollbackRestoresSnapshot(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Apply("echo", []byte(echoV1)))

	_, err := r.backups.Create("echo", []byte(echoV1))
	require.NoError(t, err)

	require.NoError(t, r.Apply("echo", []byte(echoV2)))

	seq, err := r.Rollback("echo", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	out, err := r.Invoke("echo", "ping")
	require.NoError(t, err)
	assert.Equal(t, "v1:ping", out)

	restored, err := r.tree.Read("echo")
	require.NoError(t, err)
	assert.Equal(t, echoV1, string(restored))
}

func TestRollbackWithoutBackupFails(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Rollback("echo", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrBackupNotFound))
}

func TestInvokeUnloadedModule(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Invoke("ghost", "ping")
	assert.True(t, errors.Is(err, ErrModuleNotLoaded))
}

func TestLoadAll(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.tree.Write("echo", []byte(echoV1)))
	require.NoError(t, r.tree.Write("bad", []byte("package bad\nfunc Run(")))

	require.NoError(t, r.LoadAll(context.Background()))

	assert.True(t, r.Loaded("echo"))
	assert.False(t, r.Loaded("bad"))
}

func TestDriftWatcherShutsDownCleanly(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	r := newTestRegistry(t)
	require.NoError(t, r.Apply("echo", []byte(echoV1)))

	w, err := NewDriftWatcher(r)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	// Give the loop a beat to start before tearing it down.
	time.Sleep(50 * time.Millisecond)
	cancel()
	require.NoError(t, w.Close())
}
