package api

import (
	"strings"

	"construction-cost/pkg/platform"
)

// ConfigFromEnv reads BUILDCOST_* variables over DefaultConfig.
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()
	cfg.Port = platform.GetEnvInt("BUILDCOST_PORT", cfg.Port)
	cfg.ReadTimeout = platform.GetEnvDuration("BUILDCOST_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = platform.GetEnvDuration("BUILDCOST_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.MaxRequestSize = int64(platform.GetEnvInt("BUILDCOST_MAX_REQUEST_BYTES", int(cfg.MaxRequestSize)))
	cfg.APIKey = platform.GetEnv("BUILDCOST_API_KEY", "")
	cfg.CacheSize = platform.GetEnvInt("BUILDCOST_CACHE_SIZE", cfg.CacheSize)
	cfg.CacheTTL = platform.GetEnvDuration("BUILDCOST_CACHE_TTL", cfg.CacheTTL)
	if !platform.GetEnvBool("BUILDCOST_CACHE_ENABLED", true) {
		cfg.CacheSize = 0
	}
	if origins := platform.GetEnv("BUILDCOST_CORS_ORIGINS", ""); origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}
	return cfg
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
