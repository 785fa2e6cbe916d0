package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.AllowedOrigins)
	assert.Equal(t, 30*time.Second, cfg.HostGracePeriod)
	assert.Equal(t, "localhost", cfg.Redis.Host)
	assert.Equal(t, "6379", cfg.Redis.Port)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("REDIS_HOST", "cache")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("HOST_GRACE_PERIOD", "5s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, "cache", cfg.Redis.Host)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, 5*time.Second, cfg.HostGracePeriod)
}

func TestLoadPeer_Defaults(t *testing.T) {
	cfg, err := LoadPeer()
	require.NoError(t, err)

	assert.True(t, cfg.EnableAutoSync)
	assert.False(t, cfg.DebugTrace)
	assert.Equal(t, "participant", cfg.DeviceRole)
	assert.Equal(t, 5, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Reconnect.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Reconnect.MaxDelay)
	assert.Equal(t, 2.0, cfg.Reconnect.BackoffFactor)
}

func TestLoadPeer_FromEnv(t *testing.T) {
	t.Setenv("DEVICE_NAME", "scorer-1")
	t.Setenv("ENABLE_AUTO_SYNC", "false")
	t.Setenv("STUN_URLS", "stun:stun.l.google.com:19302")
	t.Setenv("RECONNECT_MAX_ATTEMPTS", "3")
	t.Setenv("RECONNECT_BASE_DELAY", "200ms")

	cfg, err := LoadPeer()
	require.NoError(t, err)

	assert.Equal(t, "scorer-1", cfg.DeviceName)
	assert.False(t, cfg.EnableAutoSync)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.STUNURLs)
	assert.Equal(t, 3, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Reconnect.BaseDelay)
}

func TestLoadPeer_InvalidReconnect(t *testing.T) {
	t.Setenv("RECONNECT_MAX_ATTEMPTS", "0")

	_, err := LoadPeer()
	require.Error(t, err)
}

func TestReconnectConfig_Validate(t *testing.T) {
	valid := ReconnectConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second, BackoffFactor: 2}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*ReconnectConfig)
	}{
		{"zero attempts", func(c *ReconnectConfig) { c.MaxAttempts = 0 }},
		{"zero base delay", func(c *ReconnectConfig) { c.BaseDelay = 0 }},
		{"max below base", func(c *ReconnectConfig) { c.MaxDelay = time.Millisecond }},
		{"shrinking factor", func(c *ReconnectConfig) { c.BackoffFactor = 0.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
