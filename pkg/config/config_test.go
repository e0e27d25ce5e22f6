package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pacsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "security:\n  jwt_secret_key: "+testSecret+"\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DatabaseInternal, cfg.Database.Type)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 24*30, cfg.Security.TokenExpiryHours)
	assert.Equal(t, 120, cfg.API.RateLimitPerMinute)
	assert.True(t, cfg.Features.RepositoryAnalysis)
}

func TestLoadFileValues(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 127.0.0.1
  port: 9090
  cors_origins: ["https://dash.example.com"]
database:
  type: postgresql
  url: postgres://pacsync@localhost/pacsync
  pool_min_size: 1
  pool_max_size: 4
security:
  jwt_secret_key: `+testSecret+`
  token_expiry_hours: 12
api:
  rate_limit_per_minute: 30
log:
  level: debug
  structured: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr())
	assert.Equal(t, DatabasePostgreSQL, cfg.Database.Type)
	assert.Equal(t, 4, cfg.Database.PoolMaxSize)
	assert.Equal(t, 12, cfg.Security.TokenExpiryHours)
	assert.Equal(t, 30, cfg.API.RateLimitPerMinute)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.Log.Structured)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, "security:\n  jwt_secret_key: "+testSecret+"\n")

	t.Setenv("PACSYNC_SERVER_PORT", "7070")
	t.Setenv("PACSYNC_API_RATE_LIMIT_PER_MINUTE", "5")
	t.Setenv("PACSYNC_FEATURES_AUTO_CLEANUP", "false")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 5, cfg.API.RateLimitPerMinute)
	assert.False(t, cfg.Features.AutoCleanup)
}

func TestMissingSecretFatal(t *testing.T) {
	tests := []struct {
		name   string
		secret string
	}{
		{"empty", ""},
		{"placeholder", "changeme"},
		{"sample", "your-secret-key"},
		{"too short", "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "security:\n  jwt_secret_key: \""+tt.secret+"\"\n")
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestInvalidDatabaseType(t *testing.T) {
	path := writeConfig(t, `
database:
  type: sqlite
security:
  jwt_secret_key: `+testSecret+`
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "database.type")
}

func TestPostgresRequiresURL(t *testing.T) {
	path := writeConfig(t, `
database:
  type: postgresql
  url: ""
security:
  jwt_secret_key: `+testSecret+`
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "database.url")
}

func TestMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("PACSYNC_SECURITY_JWT_SECRET_KEY", testSecret)

	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DatabaseInternal, cfg.Database.Type)
}
