package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ROOMCHAT_JWT_SECRET", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddress())
	require.Equal(t, time.Second, cfg.StreamTick)
	require.Equal(t, 5*time.Second, cfg.StreamBackoff)
	require.Equal(t, 30, cfg.HeartbeatEvery)
	require.Equal(t, 5, cfg.AuthorizeEvery)
	require.Equal(t, 5*time.Second, cfg.StreamRetry)
	require.Equal(t, 10*time.Second, cfg.TypingTTL)
	require.Equal(t, 90*time.Second, cfg.RegistryTTL)
	require.Equal(t, 5*time.Minute, cfg.RelayRetention)
	require.Equal(t, RelayBackendMemory, cfg.RelayBackend)
	require.Equal(t, "roomchat", cfg.KeyPrefix)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ROOMCHAT_JWT_SECRET", "secret")
	t.Setenv("ROOMCHAT_APP_PORT", ":9090")
	t.Setenv("ROOMCHAT_STREAM_TICK", "250ms")
	t.Setenv("ROOMCHAT_RELAY_BACKEND", "redis")
	t.Setenv("ROOMCHAT_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("ROOMCHAT_DATABASE_DRIVER", "sqlite")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.HTTPAddress())
	require.Equal(t, 250*time.Millisecond, cfg.StreamTick)
	require.Equal(t, RelayBackendRedis, cfg.RelayBackend)
	require.Equal(t, "sqlite", cfg.DatabaseDriver)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	_, err := Load()
	require.ErrorContains(t, err, "jwt secret")

	t.Setenv("ROOMCHAT_JWT_SECRET", "secret")
	t.Setenv("ROOMCHAT_STREAM_TICK", "soon")
	_, err = Load()
	require.ErrorContains(t, err, "stream.tick")

	t.Setenv("ROOMCHAT_STREAM_TICK", "1s")
	t.Setenv("ROOMCHAT_RELAY_BACKEND", "redis")
	_, err = Load()
	require.ErrorContains(t, err, "requires a redis url")
}

func TestLoadRejectsRegistryTTLBelowHeartbeatPeriod(t *testing.T) {
	t.Setenv("ROOMCHAT_JWT_SECRET", "secret")
	t.Setenv("ROOMCHAT_STREAM_TICK", "2s")
	t.Setenv("ROOMCHAT_STREAM_HEARTBEAT_EVERY", "45")

	_, err := Load()
	require.ErrorContains(t, err, "must exceed the heartbeat period")

	t.Setenv("ROOMCHAT_REGISTRY_TTL", "91s")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 91*time.Second, cfg.RegistryTTL)
}
