package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicy(t *testing.T) {
	cfg := DefaultConfig()

	assert.True(t, cfg.RequiresConfirmation("apply_update"))
	assert.True(t, cfg.RequiresConfirmation("rollback_update"))
	assert.False(t, cfg.RequiresConfirmation("execute_code"))
	assert.False(t, cfg.RequiresConfirmation("no_such_command"))
}

func TestTimeoutParsing(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 120*time.Second, cfg.ConfirmTimeout())
	assert.Equal(t, 5*time.Second, cfg.ValidateTimeout())

	cfg.Pipeline.ConfirmTimeout = "30s"
	assert.Equal(t, 30*time.Second, cfg.ConfirmTimeout())

	// Garbage falls back rather than breaking the pipeline.
	cfg.Pipeline.ConfirmTimeout = "soon"
	assert.Equal(t, 120*time.Second, cfg.ConfirmTimeout())
	cfg.Pipeline.ValidateTimeout = "-3s"
	assert.Equal(t, 5*time.Second, cfg.ValidateTimeout())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MORPH_ADMIN_KEY_HASH", "abc123")
	t.Setenv("MORPH_CONFIRM_TIMEOUT", "7s")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "abc123", cfg.AdminKeyHash)
	assert.Equal(t, 7*time.Second, cfg.ConfirmTimeout())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".morph", "morph.yaml")

	cfg := DefaultConfig()
	cfg.Pipeline.Workers = 2
	cfg.Policy.Destructive["execute_code"] = true
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Pipeline.Workers)
	assert.True(t, loaded.RequiresConfirmation("execute_code"))
}

func TestAdminHashNeverSerialized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "morph.yaml")

	cfg := DefaultConfig()
	cfg.AdminKeyHash = "deadbeef"
	require.NoError(t, cfg.Save(path))

	t.Setenv("MORPH_ADMIN_KEY_HASH", "")
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, loaded.AdminKeyHash)
}
