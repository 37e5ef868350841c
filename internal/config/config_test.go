package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, root, content string) {
	t.Helper()
	dir := filepath.Join(root, ".wave")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(content), 0o644))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "ts_only", cfg.Sync.Strategy)
	assert.Equal(t, 0, cfg.Sync.SkewMS)
	assert.Equal(t, 30, cfg.Lock.TimeoutSeconds)
	assert.Equal(t, 100, cfg.Lock.RetryMS)
	assert.Equal(t, 50, cfg.Sync.MaxFixes)
	assert.Equal(t, 2, cfg.Sync.MaxDepth)
	assert.Equal(t, 30, cfg.EVR.StalenessMinutes)
}

func TestLoadFromFile(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, `{
  "sync": {"strategy": "etag_first_then_ts", "skew_ms": 500},
  "lock": {"timeout_seconds": 5}
}`)

	cfg, err := Load(root)
	require.NoError(t, err)

	assert.Equal(t, "etag_first_then_ts", cfg.Sync.Strategy)
	assert.Equal(t, 500, cfg.Sync.SkewMS)
	assert.Equal(t, 5, cfg.Lock.TimeoutSeconds)
	// Unset keys keep their defaults.
	assert.Equal(t, 100, cfg.Lock.RetryMS)
	assert.Equal(t, 300, cfg.Sync.CacheTTLSeconds)
}

func TestLoadRejectsUnknownStrategy(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, `{"sync": {"strategy": "last_writer_wins"}}`)

	_, err := Load(root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strategy")
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, `{"sink": {"strategy": "ts_only"}}`)

	_, err := Load(root)
	require.Error(t, err)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, `{"sync": `)

	_, err := Load(root)
	require.Error(t, err)
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 30*time.Second, cfg.LockTimeout())
	assert.Equal(t, 100*time.Millisecond, cfg.LockRetry())
	assert.Equal(t, 2*time.Second, cfg.SyncSkew())
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL())
	assert.Equal(t, 30*time.Minute, cfg.EVRStaleness())
}

func TestValidateSettings(t *testing.T) {
	require.NoError(t, ValidateSettings(map[string]any{
		"sync": map[string]any{"strategy": "ts_only", "max_depth": 3},
	}))
	require.Error(t, ValidateSettings(map[string]any{
		"lock": map[string]any{"timeout_seconds": 0},
	}))
}
