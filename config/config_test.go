package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 15*time.Minute, cfg.Reconcile.Interval)
	assert.Equal(t, 20, cfg.RateLimit.BurstSize)
	assert.Empty(t, cfg.Cache.RedisURL)
	assert.Equal(t, 5, cfg.Cache.Breaker.MaxFailures)
	assert.Equal(t, 30*time.Second, cfg.Cache.Breaker.ResetTimeout)
	assert.Same(t, cfg, Get())
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "marketplace.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 8080
cache:
  ttl: 1m
reconcile:
  concurrency: 8
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("API_KEY=from-dotenv\n"), 0o600))

	t.Setenv("MARKETPLACE_CACHE_REDIS_URL", "redis://localhost:6379/1")
	t.Setenv("DATABASE_URL", "postgres://localhost/marketplace")
	t.Setenv("MARKETPLACE_LOGGING_FORMAT", "console")
	// restores API_KEY after godotenv sets it
	t.Setenv("API_KEY", "")
	require.NoError(t, os.Unsetenv("API_KEY"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 8, cfg.Reconcile.Concurrency)
	assert.Equal(t, "redis://localhost:6379/1", cfg.Cache.RedisURL)
	assert.Equal(t, "postgres://localhost/marketplace", cfg.Database.URL)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, "from-dotenv", cfg.Auth.APIKey)
}

func TestLoad_Invalid(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PORT", "70000")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}

func TestValidate(t *testing.T) {
	cfg := Config{
		Server:    ServerConfig{Port: 80},
		Logging:   LoggingConfig{Format: "xml"},
		Reconcile: ReconcileConfig{Enabled: true},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.format")
	assert.Contains(t, err.Error(), "reconcile.interval")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LoggingConfig{Level: "warn", Format: "json"}.NewLogger(&buf, "marketplace-test")

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"service":"marketplace-test"`)
	assert.Contains(t, out, `"message":"shown"`)

	buf.Reset()
	consoleLogger := LoggingConfig{Level: "bogus", Format: "console", NoColor: true}.NewLogger(&buf, "x")
	consoleLogger.Info().Msg("console line")
	assert.Contains(t, buf.String(), "console line")
	assert.NotContains(t, buf.String(), "{")
}
