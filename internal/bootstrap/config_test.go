package bootstrap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anon-chatroom/internal/hub"
)

func setRequired(t *testing.T) {
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DB_DRIVER", "memory")
	t.Setenv("SCHEDULER", "local")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.DBDriver)
	assert.Equal(t, "local", cfg.Scheduler)
	assert.Equal(t, hub.DefaultMaxConnsPerAddr, cfg.MaxConnsPerIP)
	assert.Equal(t, hub.DefaultSweepInterval, cfg.HeartbeatInterval)
	assert.Equal(t, hub.DefaultCleanupDelay, cfg.RoomCleanupDelay)
	assert.Equal(t, time.Second, cfg.RateLimitWindow)

	opts := cfg.RegistryOptions()
	assert.Equal(t, hub.DefaultEventBurst, opts.EventBurst)
	assert.Equal(t, int64(hub.DefaultSendBufferLimit), opts.SendBufferLimit)
}

func TestLoadConfig_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("DB_DRIVER", "POSTGRES")
	t.Setenv("MAX_CONNS_PER_IP", "2")
	t.Setenv("HEARTBEAT_INTERVAL", "5s")
	t.Setenv("LOG_LEVEL", "chatty")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, 2, cfg.MaxConnsPerIP)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfig_Rejects(t *testing.T) {
	cases := map[string]map[string]string{
		"missing redis":    {"REDIS_ADDR": ""},
		"missing secret":   {"JWT_SECRET": ""},
		"unknown driver":   {"DB_DRIVER": "sqlite"},
		"unknown schedule": {"SCHEDULER": "cron"},
		"zero rate limit":  {"HTTP_RATE_LIMIT_MAX": "0"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			setRequired(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}
