package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(envOf(map[string]string{
		"CREDENTIAL_SECRET": "s3cret",
		"DATABASE_URL":      "postgres://localhost/chat",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 10*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 5*time.Minute, cfg.NonceHorizon)
	assert.Equal(t, 120*time.Second, cfg.CacheTTL)
	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
	assert.True(t, cfg.EncryptAuthPayload)
	assert.Equal(t, []string{"general"}, cfg.SeedChannels)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := load(envOf(map[string]string{
		"CREDENTIAL_SECRET":    "s3cret",
		"STORE_DRIVER":         "memory",
		"HANDSHAKE_TIMEOUT":    "2s",
		"IDLE_TIMEOUT":         "5m",
		"REDIS_ADDR":           "redis:6379",
		"REDIS_TRACK_KEYS":     "true",
		"ENCRYPT_AUTH_PAYLOAD": "false",
		"WORKER_POOL_SIZE":     "16",
		"CONTENT_FILTER":       "true",
		"BLOCKED_TERMS":        " spam, ,scam ",
		"SEED_CHANNELS":        "lobby,random",
	}))
	require.NoError(t, err)

	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, 2*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 5*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.True(t, cfg.RedisTrackKeys)
	assert.False(t, cfg.EncryptAuthPayload)
	assert.Equal(t, 16, cfg.WorkerPoolSize)
	assert.True(t, cfg.ContentFilter)
	assert.Equal(t, []string{"spam", "scam"}, cfg.BlockedTerms)
	assert.Equal(t, []string{"lobby", "random"}, cfg.SeedChannels)
}

func TestLoadCollectsAllProblems(t *testing.T) {
	_, err := load(envOf(map[string]string{
		"HANDSHAKE_TIMEOUT": "soon",
		"WORKER_POOL_SIZE":  "-1",
		"STORE_DRIVER":      "mysql",
	}))
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "HANDSHAKE_TIMEOUT")
	assert.Contains(t, msg, "WORKER_POOL_SIZE")
	assert.Contains(t, msg, "CREDENTIAL_SECRET")
	assert.Contains(t, msg, "STORE_DRIVER")
}

func TestValidateIdleTimeout(t *testing.T) {
	cfg := Default()
	cfg.CredentialSecret = "x"
	cfg.StoreDriver = DriverMemory
	cfg.IdleTimeout = cfg.HeartbeatInterval

	require.Error(t, cfg.Validate())
}

func TestLoadFileUnderEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`credential_secret: from-file
store_driver: memory
handshake_timeout: 4s
worker_pool_size: 32
seed_channels: lobby,random
`), 0o600))
	t.Setenv(FileEnv, path)
	t.Setenv("HANDSHAKE_TIMEOUT", "6s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.CredentialSecret)
	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, 6*time.Second, cfg.HandshakeTimeout, "environment wins over the file")
	assert.Equal(t, 32, cfg.WorkerPoolSize)
	assert.Equal(t, []string{"lobby", "random"}, cfg.SeedChannels)
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv(FileEnv, filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	assert.ErrorContains(t, err, "absent.yaml")
}
