package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 6*time.Hour, cfg.CacheTTL)
	assert.Equal(t, 4, cfg.WorkerConcurrency)
	assert.Equal(t, 256, cfg.TaskQueueSize)
	assert.Equal(t, 60, cfg.DeepAnalysisThreshold)
	assert.Equal(t, int64(2<<20), cfg.FetchMaxBytes)
	assert.False(t, cfg.AllowPrivateHosts)
	assert.False(t, cfg.Production())
	assert.Equal(t, 15*time.Second, cfg.LLMTimeout)
	assert.Equal(t, 45*time.Second, cfg.JobTimeout())
}

func TestJobTimeoutCoversStages(t *testing.T) {
	t.Setenv("FETCH_TIMEOUT", "20s")
	t.Setenv("LLM_TIMEOUT", "30s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 85*time.Second, cfg.JobTimeout())
	assert.Greater(t, cfg.JobTimeout(), cfg.FetchTimeout+2*cfg.LLMTimeout)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("BIASLAB_API_KEYS", " key-a, ,key-b ")
	t.Setenv("CACHE_TTL", "30m")
	t.Setenv("ALLOW_PRIVATE_HOSTS", "true")
	t.Setenv("LLM_API_URL", "http://llm.local/v1/")
	t.Setenv("BIASLAB_ENV", "production")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.HTTPAddr)
	assert.Equal(t, []string{"key-a", "key-b"}, cfg.APIKeys)
	assert.Equal(t, 30*time.Minute, cfg.CacheTTL)
	assert.True(t, cfg.AllowPrivateHosts)
	assert.Equal(t, "http://llm.local/v1", cfg.LLMAPIURL)
	assert.True(t, cfg.Production())
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "many")
	t.Setenv("FETCH_TIMEOUT", "soon")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.WorkerConcurrency)
	assert.Equal(t, 10*time.Second, cfg.FetchTimeout)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "0")
	t.Setenv("DEEP_ANALYSIS_THRESHOLD", "150")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WORKER_CONCURRENCY")
	assert.Contains(t, err.Error(), "DEEP_ANALYSIS_THRESHOLD")
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nexport LLM_MODEL=\"from-file\"\nHTTP_ADDR=:7000\nnot a pair\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("HTTP_ADDR", ":7777")
	os.Unsetenv("LLM_MODEL")
	t.Cleanup(func() { os.Unsetenv("LLM_MODEL") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.LLMModel)
	assert.Equal(t, ":7777", cfg.HTTPAddr)
}
