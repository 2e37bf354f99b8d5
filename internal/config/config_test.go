package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfig_Defaults(t *testing.T) {
	os.Clearenv()

	cfg, err := LoadConfig()
	assert.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "development", cfg.Server.Env)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 50.0, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, 100, cfg.RateLimit.Burst)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	os.Clearenv()
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("SERVER_ENV", "test")
	t.Setenv("DATABASE_DRIVER", "memory")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := LoadConfig()
	assert.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "test", cfg.Server.Env)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestLoadConfig_CommaSeparatedKeys(t *testing.T) {
	os.Clearenv()
	t.Setenv("AUTH_API_KEYS", "svc-a, svc-b,svc-c")
	t.Setenv("AUTH_ADMIN_KEYS", "admin-a")

	cfg, err := LoadConfig()
	assert.NoError(t, err)

	assert.Equal(t, []string{"svc-a", "svc-b", "svc-c"}, cfg.Auth.APIKeys)
	assert.Equal(t, []string{"admin-a"}, cfg.Auth.AdminKeys)
}

func TestSplitKeys(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitKeys("a,b"))
	assert.Equal(t, []string{"a"}, splitKeys(" a , ,"))
	assert.Empty(t, splitKeys(""))
}
