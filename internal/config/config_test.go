package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, time.Hour, cfg.Engine.AffinityTTL)
	assert.Equal(t, 0.5, cfg.Engine.RenewThreshold)
	assert.Equal(t, 30*time.Second, cfg.Engine.LockTTL)
	assert.Equal(t, 2*time.Second, cfg.Engine.LockWait)
	assert.Equal(t, time.Hour, cfg.Engine.RateLimitFallback)
	assert.Equal(t, "relay:", cfg.Redis.KeyPrefix)
	assert.Contains(t, cfg.OAuth, "claude")
	assert.Contains(t, cfg.OAuth, "gemini")
	assert.Contains(t, cfg.OAuth, "openai")
}

func TestLoad_YAMLOverrides(t *testing.T) {
	path := writeConfig(t, `
listen_addr: 0.0.0.0:9090
relay_secret: from-file
redis:
  addr: cache:6380
  key_prefix: "test:"
engine:
  affinity_ttl: 30m
  renew_threshold: 0.25
  lock_ttl: "45"
  window_timezone: UTC
reconcile:
  enabled: false
oauth:
  gemini:
    client_id: my-client
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.ListenAddr)
	assert.Equal(t, "from-file", cfg.RelaySecret)
	assert.Equal(t, "cache:6380", cfg.Redis.Addr)
	assert.Equal(t, "test:", cfg.Redis.KeyPrefix)
	assert.Equal(t, 30*time.Minute, cfg.Engine.AffinityTTL)
	assert.Equal(t, 0.25, cfg.Engine.RenewThreshold)
	assert.Equal(t, 45*time.Second, cfg.Engine.LockTTL)
	assert.Equal(t, time.UTC, cfg.Engine.WindowLocation)
	assert.False(t, cfg.Reconcile.Enabled)
	assert.Equal(t, "my-client", cfg.OAuth["gemini"].ClientID)
	assert.Equal(t, "https://oauth2.googleapis.com/token", cfg.OAuth["gemini"].TokenURL)
}

func TestLoad_EnvWinsOverFile(t *testing.T) {
	path := writeConfig(t, "engine:\n  affinity_ttl: 30m\n")
	t.Setenv("RELAY_AFFINITY_TTL", "2h")
	t.Setenv("RELAY_REDIS_DB", "3")
	t.Setenv("RELAY_OPENAI_CLIENT_ID", "env-client")
	t.Setenv("RELAY_SERVICE_SECRET", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Hour, cfg.Engine.AffinityTTL)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, "env-client", cfg.OAuth["openai"].ClientID)
	assert.Equal(t, "from-env", cfg.RelaySecret)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "bad duration", body: "engine:\n  lock_ttl: soon\n"},
		{name: "threshold out of range", body: "engine:\n  renew_threshold: 1.5\n"},
		{name: "lock wait too long", body: "engine:\n  lock_wait: 30s\n"},
		{name: "bad timezone", body: "engine:\n  window_timezone: Mars/Olympus\n"},
		{name: "bad key length", body: "encryption_key: short\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}
