package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "odooflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 10, cfg.MaxConnections)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 100, cfg.Batch.MaxChunkSize)
	assert.Equal(t, 5, cfg.Batch.MaxConcurrency)
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
url: https://erp.example.com
database: production
username: integration
timeout: 10s
cache:
  backend: redis
  redis_url: redis://localhost:6379/0
  ttl: 2m
batch:
  max_chunk_size: 50
  max_concurrency: 8
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://erp.example.com", cfg.URL)
	assert.Equal(t, "production", cfg.Database)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, 2*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 50, cfg.Batch.MaxChunkSize)
	assert.Equal(t, 8, cfg.Batch.MaxConcurrency)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/odooflow.yaml")
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
url: https://erp.example.com
database: staging
`)
	t.Setenv("ODOOFLOW_DATABASE", "production")
	t.Setenv("ODOOFLOW_TIMEOUT", "5s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.Database)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
}

func TestValidationRejectsMissingURL(t *testing.T) {
	path := writeConfig(t, `
database: production
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidationRejectsRedisWithoutURL(t *testing.T) {
	cfg := Default()
	cfg.URL = "https://erp.example.com"
	cfg.Database = "db"
	cfg.Cache.Backend = "redis"
	assert.Error(t, cfg.Validate())
}

func TestWatcherReloads(t *testing.T) {
	path := writeConfig(t, `
url: https://erp.example.com
database: first
`)
	initial, err := Load(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, initial, nil)
	require.NoError(t, err)
	defer w.Stop()

	reloaded := make(chan *Config, 1)
	w.OnReload(func(cfg *Config) { reloaded <- cfg })

	require.NoError(t, os.WriteFile(path, []byte(`
url: https://erp.example.com
database: second
`), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "second", cfg.Database)
		assert.Equal(t, "second", w.Current().Database)
	case <-time.After(5 * time.Second):
		t.Fatal("config reload did not fire")
	}
}

func TestWatcherKeepsPreviousOnInvalidReload(t *testing.T) {
	path := writeConfig(t, `
url: https://erp.example.com
database: good
`)
	initial, err := Load(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, initial, nil)
	require.NoError(t, err)
	defer w.Stop()

	// An invalid rewrite must not replace the current config.
	require.NoError(t, os.WriteFile(path, []byte("url: ''\n"), 0o644))
	time.Sleep(300 * time.Millisecond)

	assert.Equal(t, "good", w.Current().Database)
}
