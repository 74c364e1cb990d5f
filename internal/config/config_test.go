package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	imErrors "parkdog.im/pkg/errors"
)

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10, cfg.Realtime.MaxReconnectAttempts)
	assert.Equal(t, 25*time.Second, cfg.Realtime.HeartbeatInterval)
	assert.Equal(t, 12*time.Second, cfg.Realtime.AckTimeout)
	assert.Equal(t, 100, cfg.Fallback.OutboxCapacity)
	assert.Equal(t, 30*time.Second, cfg.Fallback.ProbeInterval)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second}, cfg.Realtime.Backoff)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api:
  base_url: http://api.test
realtime:
  url: ws://rt.test/ws
  max_reconnect_attempts: 4
  backoff: [100ms, 200ms]
  heartbeat_interval: 5s
fallback:
  outbox_capacity: 7
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://api.test", cfg.API.BaseURL)
	assert.Equal(t, "ws://rt.test/ws", cfg.Realtime.URL)
	assert.Equal(t, 4, cfg.Realtime.MaxReconnectAttempts)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, cfg.Realtime.Backoff)
	assert.Equal(t, 5*time.Second, cfg.Realtime.HeartbeatInterval)
	assert.Equal(t, 7, cfg.Fallback.OutboxCapacity)
	// 未配置的字段保留默认值
	assert.Equal(t, 60*time.Second, cfg.Realtime.IdleTimeout)
	assert.Equal(t, "memory", cfg.Cache.Driver)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().API.BaseURL, cfg.API.BaseURL)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("PARKDOG_API_BASE_URL", "http://env.test")
	t.Setenv("PARKDOG_MAX_RECONNECT_ATTEMPTS", "3")
	t.Setenv("PARKDOG_HEARTBEAT_INTERVAL", "10s")
	t.Setenv("PARKDOG_RECONNECT_BACKOFF", "1s, 3s")
	t.Setenv("PARKDOG_SESSION_TOKEN", "u1")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://env.test", cfg.API.BaseURL)
	assert.Equal(t, 3, cfg.Realtime.MaxReconnectAttempts)
	assert.Equal(t, 10*time.Second, cfg.Realtime.HeartbeatInterval)
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second}, cfg.Realtime.Backoff)
	assert.Equal(t, "u1", cfg.Session.SessionToken)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty base url", func(c *Config) { c.API.BaseURL = "" }},
		{"unknown transport", func(c *Config) { c.Realtime.Transport = "smoke" }},
		{"zero attempts", func(c *Config) { c.Realtime.MaxReconnectAttempts = 0 }},
		{"empty backoff", func(c *Config) { c.Realtime.Backoff = nil }},
		{"negative backoff", func(c *Config) { c.Realtime.Backoff = []time.Duration{-time.Second} }},
		{"idle below heartbeat", func(c *Config) { c.Realtime.IdleTimeout = time.Second }},
		{"zero outbox", func(c *Config) { c.Fallback.OutboxCapacity = 0 }},
		{"sqlite without dsn", func(c *Config) { c.Cache.Driver = "sqlite" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, imErrors.Is(err, imErrors.ErrInvalidParams))
		})
	}
}

func TestWriteDefault_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, WriteDefault(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Realtime.Backoff, cfg.Realtime.Backoff)
	assert.Equal(t, Default().Typing, cfg.Typing)
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("X_INT", "nope")
	t.Setenv("X_BOOL", "true")
	t.Setenv("X_DURS", "1s,bad")

	assert.Equal(t, 5, GetEnvInt("X_INT", 5))
	assert.True(t, GetEnvBool("X_BOOL", false))
	assert.Equal(t, []time.Duration{time.Minute}, GetEnvDurations("X_DURS", []time.Duration{time.Minute}))
	assert.Equal(t, "d", GetEnv("X_UNSET_PARKDOG", "d"))
}
