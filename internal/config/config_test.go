package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("ACCESS_TOKEN", "tok")
	t.Setenv("API_BASE_URL", "https://chat.example.com/")

	cfg, err := LoadConfig(noEnvFile(t))
	require.NoError(t, err)
	assert.Equal(t, "https://chat.example.com", cfg.APIBaseURL)
	assert.Equal(t, "wss://chat.example.com/ws", cfg.WebSocketURL)
	assert.Equal(t, 2*time.Second, cfg.ReadReceiptDebounce)
	assert.Equal(t, 2*time.Second, cfg.ReadReceiptCooldown)
	assert.Equal(t, 3*time.Second, cfg.TypingIdleTimeout)
	assert.Equal(t, 1024, cfg.RetiredTempCapacity)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.AllowedOrigins)
	assert.Equal(t, 20.0, cfg.BridgeRateLimit)
	assert.Equal(t, 40, cfg.BridgeRateBurst)
	assert.Equal(t, "chatsync:outbox", cfg.RedisPrefix)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("ACCESS_TOKEN", "tok")
	t.Setenv("WS_URL", "ws://other:9000/socket")
	t.Setenv("TYPING_IDLE_TIMEOUT", "5s")
	t.Setenv("RETIRED_TEMP_CAPACITY", "not-a-number")
	t.Setenv("ALLOWED_ORIGINS", "http://a, http://b ,")
	t.Setenv("LOG_DEVELOPMENT", "true")
	t.Setenv("RECONNECT_MIN", "10s")
	t.Setenv("RECONNECT_MAX", "1s")
	t.Setenv("BRIDGE_RATE_LIMIT", "0")
	t.Setenv("BRIDGE_RATE_BURST", "-3")

	cfg, err := LoadConfig(noEnvFile(t))
	require.NoError(t, err)
	assert.Equal(t, "ws://other:9000/socket", cfg.WebSocketURL)
	assert.Equal(t, 5*time.Second, cfg.TypingIdleTimeout)
	assert.Equal(t, 1024, cfg.RetiredTempCapacity)
	assert.Equal(t, []string{"http://a", "http://b"}, cfg.AllowedOrigins)
	assert.True(t, cfg.LogDevelopment)
	assert.Equal(t, 10*time.Second, cfg.ReconnectMax)
	assert.Zero(t, cfg.BridgeRateLimit)
	assert.Equal(t, 40, cfg.BridgeRateBurst)
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Setenv("ACCESS_TOKEN", "")
	_, err := LoadConfig(noEnvFile(t))
	assert.ErrorIs(t, err, ErrMissingAccessToken)

	t.Setenv("ACCESS_TOKEN", "tok")
	t.Setenv("API_BASE_URL", "ftp://nope")
	_, err = LoadConfig(noEnvFile(t))
	assert.Error(t, err)
}

func TestOutboxKind(t *testing.T) {
	assert.Equal(t, "memory", outboxKind("", ""))
	assert.Equal(t, "redis", outboxKind("", "redis://localhost:6379/0"))
	assert.Equal(t, "postgres://db:5432", outboxKind("postgres://u:p@db:5432/chat?sslmode=disable", "redis://x"))
}

func TestLoadConfig_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
access_token: from-file
BRIDGE_PORT: 9191
allowed_origins:
  - http://a
  - http://b
typing_idle_timeout: 4s
`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	// Registered with t.Setenv so the file's exports are undone after the test.
	t.Setenv("ACCESS_TOKEN", "")
	os.Unsetenv("ACCESS_TOKEN")
	t.Setenv("BRIDGE_PORT", "")
	os.Unsetenv("BRIDGE_PORT")
	t.Setenv("ALLOWED_ORIGINS", "")
	os.Unsetenv("ALLOWED_ORIGINS")
	t.Setenv("TYPING_IDLE_TIMEOUT", "2s")

	cfg, err := LoadConfig(noEnvFile(t))
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.AccessToken)
	assert.Equal(t, "9191", cfg.BridgePort)
	assert.Equal(t, []string{"http://a", "http://b"}, cfg.AllowedOrigins)
	assert.Equal(t, 2*time.Second, cfg.TypingIdleTimeout, "environment wins over the file")

	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = LoadConfig(noEnvFile(t))
	assert.Error(t, err)
}
