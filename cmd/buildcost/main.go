// BuildCost CLI - declarative construction cost estimation
//
// Usage:
//
//	buildcost estimate --calculator concrete-slab -i length_ft=20 -i width_ft=10 -i thickness_in=4
//	buildcost calculators list
//	buildcost pricing publish --pricing-file rates.yaml
//	buildcost serve --port 8080
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"construction-cost/db/clickhouse"
	"construction-cost/db/ingestion"
	"construction-cost/decision/calculator"
	"construction-cost/decision/estimation"
	"construction-cost/decision/policy"
	"construction-cost/decision/pricing"
	"construction-cost/decision/regions"
	cerrors "construction-cost/pkg/errors"
	"construction-cost/pkg/platform"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var logger = zerolog.Nop()

func main() {
	app := &cli.App{
		Name:    "buildcost",
		Usage:   "Construction cost estimation from declarative calculator definitions",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"BUILDCOST_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "env-file",
				Value:   ".env",
				Usage:   "Dotenv file loaded before flags are read",
				EnvVars: []string{"BUILDCOST_ENV_FILE"},
			},
			&cli.StringSliceFlag{
				Name:    "definitions",
				Usage:   "Extra calculator definition files or directories",
				EnvVars: []string{"BUILDCOST_DEFINITIONS"},
			},
			&cli.StringFlag{
				Name:    "pricing-file",
				Usage:   "Pricing table document replacing the built-in rates",
				EnvVars: []string{"BUILDCOST_PRICING_FILE"},
			},
			&cli.StringFlag{
				Name:    "regions-file",
				Usage:   "Regional modifier document replacing the built-in table",
				EnvVars: []string{"BUILDCOST_REGIONS_FILE"},
			},
			&cli.StringFlag{
				Name:    "regions-url",
				Usage:   "URL of a regional modifier document",
				EnvVars: []string{"BUILDCOST_REGIONS_URL"},
			},
			&cli.BoolFlag{
				Name:    "from-snapshot",
				Usage:   "Load pricing and regions from the active ClickHouse snapshot",
				EnvVars: []string{"BUILDCOST_FROM_SNAPSHOT"},
			},
			&cli.StringFlag{
				Name:    "pricing-alias",
				Value:   "default",
				Usage:   "Snapshot alias",
				EnvVars: []string{"BUILDCOST_PRICING_ALIAS"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-host",
				Value:   "localhost",
				Usage:   "ClickHouse host",
				EnvVars: []string{"CLICKHOUSE_HOST"},
			},
			&cli.IntFlag{
				Name:    "clickhouse-port",
				Value:   9000,
				Usage:   "ClickHouse native port",
				EnvVars: []string{"CLICKHOUSE_PORT"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-database",
				Value:   "buildcost",
				Usage:   "ClickHouse database",
				EnvVars: []string{"CLICKHOUSE_DATABASE"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-user",
				Value:   "default",
				Usage:   "ClickHouse user",
				EnvVars: []string{"CLICKHOUSE_USER"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-password",
				Value:   "",
				Usage:   "ClickHouse password",
				EnvVars: []string{"CLICKHOUSE_PASSWORD"},
			},
		},

		Before: func(c *cli.Context) error {
			if err := platform.LoadDotEnv(c.String("env-file")); err != nil {
				return fmt.Errorf("failed to load %s: %w", c.String("env-file"), err)
			}
			logger = platform.InitLogger(c.String("log-level"), c.Args().First() != "serve")
			return nil
		},

		Commands: []*cli.Command{
			estimateCommand(),
			calculatorsCommand(),
			pricingCommand(),
			regionsCommand(),
			serveCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		var exit cli.ExitCoder
		if errors.As(err, &exit) {
			if msg := err.Error(); msg != "" {
				fmt.Fprintln(os.Stderr, msg)
			}
			os.Exit(exit.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// =============================================================================
// WIRING
// =============================================================================

func openStore(c *cli.Context) (*clickhouse.Store, error) {
	return clickhouse.NewStore(&clickhouse.Config{
		Host:     c.String("clickhouse-host"),
		Port:     c.Int("clickhouse-port"),
		Database: c.String("clickhouse-database"),
		Username: c.String("clickhouse-user"),
		Password: c.String("clickhouse-password"),
	})
}

// loadRegistry registers the built-in calculators and any --definitions.
func loadRegistry(c *cli.Context) (*calculator.Registry, error) {
	reg := calculator.NewRegistry(logger)
	if _, err := reg.LoadBuiltin(); err != nil {
		return nil, err
	}
	files, err := definitionFiles(c.StringSlice("definitions"))
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		report, err := reg.LoadFile(f)
		if err != nil {
			return nil, err
		}
		logger.Debug().Str("file", f).Strs("registered", report.Registered).Int("rejected", len(report.Rejected)).Msg("definitions loaded")
	}
	return reg, nil
}

func definitionFiles(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("definitions: %w", err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		for _, pattern := range []string{"*.yaml", "*.yml", "*.json"} {
			matches, err := filepath.Glob(filepath.Join(p, pattern))
			if err != nil {
				return nil, err
			}
			files = append(files, matches...)
		}
	}
	sort.Strings(files)
	return files, nil
}

// loadTables builds the pricing table and region store from the built-ins,
// then files, then a remote region document, then an active snapshot.
func loadTables(c *cli.Context) (*pricing.Table, *regions.Store, error) {
	ctx := c.Context
	table := pricing.DefaultTable()
	store := regions.NewStore()

	if path := c.String("pricing-file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read pricing file: %w", err)
		}
		entries, err := pricing.Parse(data)
		if err != nil {
			return nil, nil, err
		}
		table.Replace(entries)
	}

	if path := c.String("regions-file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read regions file: %w", err)
		}
		rs, err := regions.Parse(data)
		if err != nil {
			return nil, nil, err
		}
		store.Replace(rs)
	}

	if src := regionSource(c); src != nil {
		if err := src.Refresh(ctx, store); err != nil {
			return nil, nil, err
		}
	}

	if c.Bool("from-snapshot") {
		ch, err := openStore(c)
		if err != nil {
			return nil, nil, err
		}
		defer ch.Close()
		snap, rates, mods, err := ingestion.NewClickHouseAdapter(ch, logger).LoadActive(ctx, c.String("pricing-alias"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load pricing snapshot: %w", err)
		}
		if snap == nil {
			logger.Warn().Str("alias", c.String("pricing-alias")).Msg("no active pricing snapshot, using local tables")
		} else {
			table.Replace(rates)
			store.Replace(mods)
			logger.Info().Str("snapshot", snap.ID.String()).Int("rates", len(rates)).Msg("pricing snapshot loaded")
		}
	}
	return table, store, nil
}

// regionSource returns the remote region document source, or nil when no
// regions URL is configured.
func regionSource(c *cli.Context) *regions.RemoteSource {
	url := c.String("regions-url")
	if url == "" {
		return nil
	}
	return regions.NewRemoteSource(url, platform.NewHTTPClient(3, 10*time.Second, logger), logger)
}

func buildEngine(c *cli.Context) (*estimation.Engine, error) {
	reg, err := loadRegistry(c)
	if err != nil {
		return nil, err
	}
	table, store, err := loadTables(c)
	if err != nil {
		return nil, err
	}
	return estimation.NewEngine(reg, pricing.NewResolver(table, store), logger), nil
}

func buildPolicyEngine(c *cli.Context) (*policy.Engine, error) {
	engine := policy.NewEngine()
	if limit := c.Float64("budget"); limit > 0 {
		engine.AddPolicy(policy.BudgetPolicy(limit))
	}
	if dir := c.String("policies"); dir != "" {
		r, err := policy.NewRegoEvaluator(c.Context, dir)
		if err != nil {
			return nil, err
		}
		engine.WithRego(r)
	}
	return engine, nil
}

// =============================================================================
// ESTIMATE COMMAND
// =============================================================================

func estimateCommand() *cli.Command {
	return &cli.Command{
		Name:  "estimate",
		Usage: "Estimate a job with one calculator",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "calculator",
				Aliases:  []string{"c"},
				Usage:    "Calculator id",
				Required: true,
			},
			&cli.StringSliceFlag{
				Name:    "input",
				Aliases: []string{"i"},
				Usage:   "Input value as field=value (repeatable)",
			},
			&cli.StringFlag{
				Name:  "state",
				Usage: "Region id; takes precedence over a region input",
			},
			&cli.Float64Flag{
				Name:  "uncertainty",
				Usage: "Uncertainty factor for the P10/P90 band (0-1)",
			},
			&cli.Float64Flag{
				Name:  "contingency",
				Usage: "Contingency rate (0.15 = 15%)",
			},
			&cli.StringSliceFlag{
				Name:  "override",
				Usage: "Rate override as path=value or lineItemId=value (repeatable)",
			},
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"f"},
				Value:   "table",
				Usage:   "Output format (table, json, markdown, csv)",
			},
			&cli.Float64Flag{
				Name:  "budget",
				Usage: "Budget limit for the total with contingency",
			},
			&cli.StringFlag{
				Name:    "policies",
				Usage:   "Directory of Rego policies",
				EnvVars: []string{"BUILDCOST_POLICIES_DIR"},
			},
		},
		Action: runEstimate,
	}
}

func runEstimate(c *cli.Context) error {
	engine, err := buildEngine(c)
	if err != nil {
		return err
	}

	inputs, err := parseAssignments(c.StringSlice("input"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	overrides, err := parseAssignments(c.StringSlice("override"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	opts := estimation.Options{State: c.String("state"), Overrides: overrides}
	if c.IsSet("uncertainty") {
		u := c.Float64("uncertainty")
		opts.UncertaintyFactor = &u
	}
	if c.IsSet("contingency") {
		r := c.Float64("contingency")
		opts.ContingencyRate = &r
	}

	in := make(map[string]any, len(inputs))
	for k, v := range inputs {
		in[k] = v
	}

	result, err := engine.Evaluate(c.Context, c.String("calculator"), in, opts)
	if err != nil {
		return estimateError(err)
	}

	policyEngine, err := buildPolicyEngine(c)
	if err != nil {
		return err
	}
	policyResult, err := policyEngine.Evaluate(c.Context, policy.EvaluationRequest{Estimate: result})
	if err != nil {
		return fmt.Errorf("policy evaluation failed: %w", err)
	}

	if err := writeEstimate(os.Stdout, c.String("format"), result, policyResult); err != nil {
		return err
	}
	if policyResult.Decision == policy.DecisionDeny {
		return cli.Exit("", 2)
	}
	return nil
}

// estimateError turns engine errors into user-facing exits.
func estimateError(err error) error {
	var validation *cerrors.ValidationError
	if errors.As(err, &validation) {
		var b strings.Builder
		b.WriteString("invalid inputs:")
		for _, msg := range validation.Messages() {
			b.WriteString("\n  - " + msg)
		}
		return cli.Exit(b.String(), 1)
	}
	var notFound *cerrors.NotFoundError
	if errors.As(err, &notFound) {
		return cli.Exit(fmt.Sprintf("unknown calculator %q (see: buildcost calculators list)", notFound.CalculatorID), 1)
	}
	return err
}

// parseAssignments reads key=value pairs. Later pairs win.
func parseAssignments(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}

// =============================================================================
// CALCULATORS COMMAND
// =============================================================================

func calculatorsCommand() *cli.Command {
	return &cli.Command{
		Name:  "calculators",
		Usage: "Inspect calculator definitions",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List registered calculators",
				Action: func(c *cli.Context) error {
					reg, err := loadRegistry(c)
					if err != nil {
						return err
					}
					printCalculators(os.Stdout, reg.List())
					return nil
				},
			},
			{
				Name:      "show",
				Usage:     "Print a calculator definition",
				ArgsUsage: "ID",
				Action: func(c *cli.Context) error {
					reg, err := loadRegistry(c)
					if err != nil {
						return err
					}
					calc, err := reg.Get(c.Args().First())
					if err != nil {
						return estimateError(err)
					}
					return printDefinition(os.Stdout, calc.Definition())
				},
			},
			{
				Name:      "validate",
				Usage:     "Check definition documents without registering them",
				ArgsUsage: "FILE...",
				Action:    runValidate,
			},
		},
	}
}

func runValidate(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("validate needs at least one file", 1)
	}
	failed := 0
	for _, path := range c.Args().Slice() {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		defs, rejected, err := calculator.ParseDocument(data)
		if err != nil {
			fmt.Printf("✗ %s: %v\n", path, err)
			failed++
			continue
		}
		for _, d := range defs {
			if err := calculator.ValidateDefinition(d); err != nil {
				var defErr *cerrors.DefinitionError
				if errors.As(err, &defErr) {
					rejected = append(rejected, defErr)
					continue
				}
				return err
			}
			fmt.Printf("✓ %s: %s\n", path, d.ID)
		}
		for _, r := range rejected {
			failed++
			fmt.Printf("✗ %s: %s\n", path, r.CalculatorID)
			for _, msg := range r.Messages() {
				fmt.Printf("    - %s\n", msg)
			}
		}
	}
	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d definition(s) invalid", failed), 1)
	}
	return nil
}

// =============================================================================
// PRICING COMMAND
// =============================================================================

func pricingCommand() *cli.Command {
	return &cli.Command{
		Name:  "pricing",
		Usage: "Manage pricing data",
		Subcommands: []*cli.Command{
			{
				Name:  "show",
				Usage: "Print the effective pricing table",
				Action: func(c *cli.Context) error {
					table, _, err := loadTables(c)
					if err != nil {
						return err
					}
					printPricing(os.Stdout, table)
					return nil
				},
			},
			{
				Name:  "publish",
				Usage: "Publish the effective pricing and region tables as a ClickHouse snapshot",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "source",
						Value: "cli",
						Usage: "Source label stored with the snapshot",
					},
					&cli.StringFlag{
						Name:  "snapshot-version",
						Value: time.Now().UTC().Format("2006.01.02"),
						Usage: "Version label stored with the snapshot",
					},
					&cli.BoolFlag{
						Name:  "migrate",
						Value: true,
						Usage: "Create the snapshot tables if missing",
					},
				},
				Action: runPublish,
			},
			{
				Name:  "snapshots",
				Usage: "List published snapshots",
				Action: func(c *cli.Context) error {
					store, err := openStore(c)
					if err != nil {
						return err
					}
					defer store.Close()
					snaps, err := store.ListSnapshots(c.Context, c.String("pricing-alias"))
					if err != nil {
						return err
					}
					printSnapshots(os.Stdout, snaps)
					return nil
				},
			},
		},
	}
}

func runPublish(c *cli.Context) error {
	if c.Bool("from-snapshot") {
		return cli.Exit("publish reads local tables; drop --from-snapshot", 1)
	}
	table, store, err := loadTables(c)
	if err != nil {
		return err
	}

	ch, err := openStore(c)
	if err != nil {
		return err
	}
	defer ch.Close()

	ctx, cancel := context.WithTimeout(c.Context, 5*time.Minute)
	defer cancel()
	if c.Bool("migrate") {
		if err := ch.Migrate(ctx); err != nil {
			return err
		}
	}

	source := c.String("source")
	if path := c.String("pricing-file"); path != "" && source == "cli" {
		source = path
	}
	result, err := ingestion.NewClickHouseAdapter(ch, logger).Publish(ctx, &ingestion.PublishInput{
		Alias:     c.String("pricing-alias"),
		Source:    source,
		Version:   c.String("snapshot-version"),
		FetchedAt: time.Now(),
		Rates:     table.Entries(),
		Regions:   store.List(),
	})
	if err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	state := "published"
	if result.Deduplicated {
		state = "unchanged"
	}
	fmt.Printf("%s snapshot %s (%d rates, %d regions, hash %s)\n",
		state, result.SnapshotID, result.RateCount, result.ModifierCount, result.Hash[:12])
	return nil
}

// =============================================================================
// REGIONS COMMAND
// =============================================================================

func regionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "regions",
		Usage: "Inspect regional modifiers",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List regions and their category multipliers",
				Action: func(c *cli.Context) error {
					_, store, err := loadTables(c)
					if err != nil {
						return err
					}
					printRegions(os.Stdout, store.List())
					return nil
				},
			},
		},
	}
}
