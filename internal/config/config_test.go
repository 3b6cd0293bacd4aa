package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "node.yaml")

	content := `
memory_budget_bytes: 4294967296
host_private_key_hex: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
preload_models:
  - name: tiny-vicuna-1b
    required: true
rag_enabled: true
max_vectors_per_session: 500
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, uint64(4294967296), cfg.MemoryBudgetBytes)
	assert.Len(t, cfg.PreloadModels, 1)
	assert.Equal(t, "tiny-vicuna-1b", cfg.PreloadModels[0].Name)

	// Defaults applied.
	assert.Equal(t, uint64(100), cfg.CheckpointThresholdTokens)
	assert.Equal(t, 3, cfg.CheckpointMaxRetries)
	assert.Equal(t, []int{1000, 4000, 16000}, cfg.CheckpointBackoffMs)
	assert.Equal(t, 60, cfg.RateLimitPerMinute)
	assert.Equal(t, 30000, cfg.RequestTimeoutMs)
	assert.Equal(t, ":8080", cfg.ListenAddr)
}

func TestLoadJSONFallback(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "node.json")

	content := `{
		"memory_budget_bytes": 1073741824,
		"host_private_key_hex": "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		"rate_limit_per_minute": 120
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(1073741824), cfg.MemoryBudgetBytes)
	assert.Equal(t, 120, cfg.RateLimitPerMinute)
}

func TestLoadMissingHostKeyFails(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("memory_budget_bytes: 1000\n"), 0644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRAGVectorLimitDefaultedWhenUnset(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "node.yaml")
	content := `
memory_budget_bytes: 1000
host_private_key_hex: "cc"
rag_enabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 100000, cfg.MaxVectorsPerSession)
}

func TestDurationHelpers(t *testing.T) {
	cfg := &Config{RequestTimeoutMs: 2000, IdleTimeoutMs: 3000, ShutdownTimeoutMs: 5000, CheckpointBackoffMs: []int{500, 1000}}
	assert.Equal(t, 2000, int(cfg.RequestTimeout().Milliseconds()))
	assert.Equal(t, 3000, int(cfg.IdleTimeout().Milliseconds()))
	assert.Equal(t, 5000, int(cfg.ShutdownTimeout().Milliseconds()))
	assert.Len(t, cfg.CheckpointBackoff(), 2)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/nonexistent/path/node.yaml")
	require.Error(t, err)
}
