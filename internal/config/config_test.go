package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 2, cfg.MaxConcurrentJobs)
	assert.True(t, cfg.PreventDataInflation)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "obselis.yaml")
	content := `
max_concurrent_jobs: 4
retry_attempts: 5
retry_delay: 10s
max_retry_delay: 2m
default_qualities: ["480p"]
output_directory: /tmp/out
temp_directory: /tmp/tmp
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.MaxConcurrentJobs)
	assert.Equal(t, 5, cfg.RetryAttempts)
	assert.Equal(t, 10*time.Second, cfg.RetryDelay)
	assert.Equal(t, []string{"480p"}, cfg.DefaultQualities)
	// Unset values keep defaults
	assert.Equal(t, 100, cfg.MaxQueueSize)
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "obselis.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_concurrent_jobs: 0\n"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	var vErr *ValidationError
	assert.ErrorAs(t, err, &vErr)
	assert.Equal(t, "max_concurrent_jobs", vErr.Field)
}

func TestManagerReloadSwapsAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "obselis.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_concurrent_jobs: 2\n"), 0644))

	m, err := NewManager(path, hclog.NewNullLogger())
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, 2, m.Get().MaxConcurrentJobs)

	var swapped *Config
	m.OnReload(func(c *Config) { swapped = c })

	require.NoError(t, os.WriteFile(path, []byte("max_concurrent_jobs: 6\n"), 0644))
	require.NoError(t, m.Reload())
	assert.Equal(t, 6, m.Get().MaxConcurrentJobs)
	require.NotNil(t, swapped)
	assert.Equal(t, 6, swapped.MaxConcurrentJobs)
}

func TestManagerReloadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "obselis.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_concurrent_jobs: 3\n"), 0644))

	m, err := NewManager(path, hclog.NewNullLogger())
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, os.WriteFile(path, []byte("max_concurrent_jobs: -1\n"), 0644))
	assert.Error(t, m.Reload())
	assert.Equal(t, 3, m.Get().MaxConcurrentJobs)
}
