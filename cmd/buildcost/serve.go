package main

import (
	"context"
	"strings"

	"github.com/urfave/cli/v2"

	"construction-cost/api"
)

// =============================================================================
// SERVE COMMAND (API SERVER)
// =============================================================================

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the estimation API server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "port",
				Value: 8080,
				Usage: "API server port (BUILDCOST_PORT)",
			},
			&cli.StringFlag{
				Name:  "cors-origins",
				Usage: "Comma-separated list of allowed CORS origins (BUILDCOST_CORS_ORIGINS)",
			},
			&cli.StringFlag{
				Name:  "api-key",
				Usage: "Require this X-API-Key on /api/v1 routes (BUILDCOST_API_KEY)",
			},
			&cli.IntFlag{
				Name:  "cache-size",
				Usage: "Estimate cache entries, 0 disables the cache (BUILDCOST_CACHE_SIZE)",
			},
			&cli.DurationFlag{
				Name:  "cache-ttl",
				Usage: "Estimate cache entry lifetime (BUILDCOST_CACHE_TTL)",
			},
			&cli.StringFlag{
				Name:    "policies",
				Usage:   "Directory of Rego policies",
				EnvVars: []string{"BUILDCOST_POLICIES_DIR"},
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	engine, err := buildEngine(c)
	if err != nil {
		return err
	}
	policyEngine, err := buildPolicyEngine(c)
	if err != nil {
		return err
	}

	cfg := api.ConfigFromEnv()
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("cors-origins") {
		cfg.CORSOrigins = strings.Split(c.String("cors-origins"), ",")
		for i := range cfg.CORSOrigins {
			cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
		}
	}
	if c.IsSet("api-key") {
		cfg.APIKey = c.String("api-key")
	}
	if c.IsSet("cache-size") {
		cfg.CacheSize = c.Int("cache-size")
	}
	if c.IsSet("cache-ttl") {
		cfg.CacheTTL = c.Duration("cache-ttl")
	}

	server := api.NewServer(engine, policyEngine, cfg, logger)
	if c.Bool("from-snapshot") {
		store, err := openStore(c)
		if err != nil {
			return err
		}
		defer store.Close()
		server.WithStore(store)
	} else if src := regionSource(c); src != nil {
		ctx, cancel := context.WithCancel(c.Context)
		defer cancel()
		go src.Run(ctx, engine.Resolver().Regions())
		logger.Info().Str("url", src.URL).Dur("every", src.TTL).Msg("refreshing region table")
	}

	return server.StartWithGracefulShutdown()
}
