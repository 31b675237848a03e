package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "127.0.0.1:8080", cfg.Agent.ListenAddr)
	assert.Equal(t, time.Second, cfg.Agent.TickInterval)
	assert.Equal(t, 5, cfg.Agent.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Agent.RetryBackoff)
	assert.Equal(t, 200, cfg.Agent.KeepOperations)
	assert.Equal(t, 50, cfg.Agent.KeepRecords)
	assert.Equal(t, 10*time.Second, cfg.Media.ChunkDuration)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, "takedown.yaml", `
agent:
  db_path: /var/lib/takedown/station.db
  backend_url: https://scores.example.org
  drain_interval: 15s
  max_retries: 8
media:
  bucket: bouts
  chunk_duration: 30s
backend:
  dsn: postgres://scores@localhost/scores
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/takedown/station.db", cfg.Agent.DBPath)
	assert.Equal(t, "https://scores.example.org", cfg.Agent.BackendURL)
	assert.Equal(t, 15*time.Second, cfg.Agent.DrainInterval)
	assert.Equal(t, 8, cfg.Agent.MaxRetries)
	assert.Equal(t, "bouts", cfg.Media.Bucket)
	assert.Equal(t, 30*time.Second, cfg.Media.ChunkDuration)
	assert.Equal(t, "postgres://scores@localhost/scores", cfg.Backend.DSN)
	assert.Equal(t, time.Second, cfg.Agent.TickInterval, "unset fields keep defaults")
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := Load(writeFile(t, "empty.yaml", ""))
	require.NoError(t, err)
	assert.Equal(t, Default().Agent, cfg.Agent)
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	_, err := Load(writeFile(t, "bad.yaml", "agent:\n  listen: 1\n"))
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TAKEDOWN_DB_PATH", "/tmp/env.db")
	t.Setenv("TAKEDOWN_BACKEND_URL", "http://backend:9000")
	t.Setenv("MEDIA_BUCKET", "env-bucket")
	t.Setenv("POSTGRES_DSN", "postgres://env")
	t.Setenv("TAKEDOWN_MAX_RETRIES", "3")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env.db", cfg.Agent.DBPath)
	assert.Equal(t, "http://backend:9000", cfg.Agent.BackendURL)
	assert.Equal(t, "env-bucket", cfg.Media.Bucket)
	assert.Equal(t, "postgres://env", cfg.Backend.DSN)
	assert.Equal(t, 3, cfg.Agent.MaxRetries)

	t.Setenv("TAKEDOWN_MAX_RETRIES", "many")
	_, err = Load("")
	assert.Error(t, err)
}

func TestLoadEnv(t *testing.T) {
	path := writeFile(t, ".env", "TAKEDOWN_TEST_ONLY_VAR=from-dotenv\n")
	t.Setenv("TAKEDOWN_TEST_ONLY_VAR", "")
	os.Unsetenv("TAKEDOWN_TEST_ONLY_VAR")

	require.NoError(t, LoadEnv(path))
	assert.Equal(t, "from-dotenv", os.Getenv("TAKEDOWN_TEST_ONLY_VAR"))

	assert.NoError(t, LoadEnv(filepath.Join(t.TempDir(), "missing.env")))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad backend url", func(c *Config) { c.Agent.BackendURL = "ftp://x" }},
		{"relative backend url", func(c *Config) { c.Agent.BackendURL = "/api" }},
		{"zero tick", func(c *Config) { c.Agent.TickInterval = 0 }},
		{"negative drain", func(c *Config) { c.Agent.DrainInterval = -time.Second }},
		{"zero retries", func(c *Config) { c.Agent.MaxRetries = 0 }},
		{"negative retention", func(c *Config) { c.Agent.KeepRecords = -1 }},
		{"zero threshold", func(c *Config) { c.Media.ChunkThreshold = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
