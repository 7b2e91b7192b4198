package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("BUILDCOST_PORT", "9090")
	t.Setenv("BUILDCOST_CACHE_TTL", "30s")
	t.Setenv("BUILDCOST_CORS_ORIGINS", "https://a.test, https://b.test,")
	t.Setenv("BUILDCOST_API_KEY", "k")

	cfg := ConfigFromEnv()
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.CORSOrigins)
	assert.Equal(t, "k", cfg.APIKey)
	assert.Equal(t, 1024, cfg.CacheSize)
}

func TestConfigFromEnvDisablesCache(t *testing.T) {
	t.Setenv("BUILDCOST_CACHE_ENABLED", "false")
	assert.Zero(t, ConfigFromEnv().CacheSize)
}
