package main

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shpitdev/labour-choropleth/internal/app"
	"github.com/shpitdev/labour-choropleth/internal/watch"
	"github.com/shpitdev/labour-choropleth/pkg/aliases"
	"github.com/shpitdev/labour-choropleth/pkg/aliases/gemini"
	"github.com/shpitdev/labour-choropleth/pkg/foundry"
	"github.com/shpitdev/labour-choropleth/pkg/geo"
	"github.com/shpitdev/labour-choropleth/pkg/pipeline/fetch"
	foundryio "github.com/shpitdev/labour-choropleth/pkg/pipeline/io/foundry"
)

// retryFlags are shared by every command that talks to a remote service.
// Values not set on the command line fall back to the environment.
type retryFlags struct {
	retries int
	timeout time.Duration
	rps     float64
}

func addRetryFlags(cmd *cobra.Command, f *retryFlags, defaultRetries int) {
	cmd.Flags().IntVar(&f.retries, "retries", defaultRetries, "Max retries for transient failures (env: FETCH_RETRIES)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 30*time.Second, "Per-attempt timeout (env: FETCH_TIMEOUT)")
	cmd.Flags().Float64Var(&f.rps, "rate-limit-rps", 0, "Global request rate limit (RPS), 0 disables (env: FETCH_RATE_LIMIT_RPS)")
}

func (f retryFlags) resolve(cmd *cobra.Command) (retryFlags, error) {
	out := f
	var err error
	if !cmd.Flags().Changed("retries") {
		if out.retries, err = envInt("FETCH_RETRIES", f.retries); err != nil {
			return retryFlags{}, usageError(err)
		}
	}
	if !cmd.Flags().Changed("timeout") {
		if out.timeout, err = envDuration("FETCH_TIMEOUT", f.timeout); err != nil {
			return retryFlags{}, usageError(err)
		}
	}
	if !cmd.Flags().Changed("rate-limit-rps") {
		if out.rps, err = envFloat("FETCH_RATE_LIMIT_RPS", f.rps); err != nil {
			return retryFlags{}, usageError(err)
		}
	}
	if out.retries < 0 {
		return retryFlags{}, usageErrorf("retries must be >= 0 (got %d)", out.retries)
	}
	if out.timeout <= 0 {
		return retryFlags{}, usageErrorf("timeout must be > 0 (got %s)", out.timeout)
	}
	if out.rps < 0 {
		return retryFlags{}, usageErrorf("rate-limit-rps must be >= 0 (got %g)", out.rps)
	}
	return out, nil
}

func (f retryFlags) retryOptions() fetch.RetryOptions {
	return fetch.RetryOptions{MaxRetries: f.retries, RequestTimeout: f.timeout}
}

func (f retryFlags) fetchOptions() fetch.Options {
	return fetch.Options{Retry: f.retryOptions(), RateLimitRPS: f.rps}
}

func newLocalCmd(c *cli) *cobra.Command {
	var cfg app.LocalConfig
	var retry retryFlags
	var watchFiles bool
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "local",
		Short: "Run against a local file or URL and write bucketed CSV",
		Example: `  choropleth local --input labour.csv --output bucketed.csv
  choropleth local --input labour.csv --output bucketed.csv --lookup lookup.json --geometry world.geojson --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Input == "" || cfg.Output == "" {
				return usageErrorf("local requires --input and --output")
			}
			r, err := retry.resolve(cmd)
			if err != nil {
				return err
			}
			cfg.Fetch = r.fetchOptions()

			if watchFiles {
				return app.WatchLocal(cmd.Context(), cfg, debounce, c.logger)
			}
			sum, err := app.RunLocal(cmd.Context(), cfg, c.logger)
			if err != nil {
				return err
			}
			c.logger.Debug("summary",
				zap.String("run_id", sum.RunID),
				zap.Int("bucketed", len(sum.Result.Bucketed)),
				zap.Int("skipped", len(sum.Result.Skipped)),
			)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.Input, "input", "", "Input CSV path or http(s) URL")
	f.StringVar(&cfg.Output, "output", "", "Bucketed CSV output path")
	f.StringVar(&cfg.LookupPath, "lookup", "", "Optional renderer lookup JSON output path")
	f.StringVar(&cfg.HistoryPath, "history", "", "Optional SQLite database recording each run")
	f.StringVar(&cfg.Geometry, "geometry", "", "Optional GeoJSON path or URL for coverage diagnostics")
	f.StringVar(&cfg.GeometryNamePath, "name-path", geo.DefaultNamePath, "JSONPath selecting feature names in the geometry")
	f.StringVar(&cfg.TablesPath, "tables", "", "Optional tables YAML overriding the embedded defaults")
	f.StringVar(&cfg.PalettesPath, "palettes", "", "Optional palettes YAML overriding the embedded defaults")
	f.BoolVar(&watchFiles, "watch", false, "Re-run whenever a local input, tables, palettes or geometry file changes")
	f.DurationVar(&debounce, "debounce", watch.DefaultDebounce, "Quiet period before a watch re-run")
	addRetryFlags(cmd, &retry, 3)
	return cmd
}

func newFoundryCmd(c *cli) *cobra.Command {
	var cfg app.FoundryConfig
	var retry retryFlags

	cmd := &cobra.Command{
		Use:   "foundry",
		Short: "Run as a Foundry pipeline (uses BUILD2_TOKEN and RESOURCE_ALIAS_MAP)",
		Long: `Reads the input dataset via readTable, normalizes it and uploads the bucketed CSV
into a SNAPSHOT transaction on the output dataset.

Environment:
  FOUNDRY_SERVICE_DISCOVERY_V2  Service discovery YAML (preferred)
  FOUNDRY_URL                   Foundry base URL, used when discovery is absent
  BUILD2_TOKEN                  File path containing a bearer token
  RESOURCE_ALIAS_MAP            File path containing alias -> {rid, branch} JSON
  DEFAULT_CA_PATH               Optional CA bundle`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := retry.resolve(cmd)
			if err != nil {
				return err
			}
			cfg.Retry = r.retryOptions()

			env, err := foundry.LoadEnv()
			if err != nil {
				return usageError(err)
			}
			_, err = app.RunFoundry(cmd.Context(), env, cfg, c.logger)
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.InputAlias, "input-alias", "input", "Alias of the input dataset in RESOURCE_ALIAS_MAP")
	f.StringVar(&cfg.OutputAlias, "output-alias", "output", "Alias of the output dataset in RESOURCE_ALIAS_MAP")
	f.StringVar(&cfg.OutputFilename, "output-filename", foundryio.DefaultOutputFilename, "Filename to upload into the output transaction")
	f.StringVar(&cfg.TablesPath, "tables", "", "Optional tables YAML overriding the embedded defaults")
	addRetryFlags(cmd, &retry, foundryio.DefaultRetry.MaxRetries)
	return cmd
}

func addCoverageFlags(cmd *cobra.Command, cfg *app.CoverageConfig) {
	f := cmd.Flags()
	f.StringVar(&cfg.Input, "input", "", "Input CSV path or http(s) URL")
	f.StringVar(&cfg.Geometry, "geometry", "", "GeoJSON path or http(s) URL")
	f.StringVar(&cfg.GeometryNamePath, "name-path", geo.DefaultNamePath, "JSONPath selecting feature names in the geometry")
	f.StringVar(&cfg.TablesPath, "tables", "", "Optional tables YAML overriding the embedded defaults")
}

func newCoverageCmd(c *cli) *cobra.Command {
	var cfg app.CoverageConfig
	var retry retryFlags

	cmd := &cobra.Command{
		Use:   "coverage",
		Short: "List countries without geometry and geometry features without data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Input == "" || cfg.Geometry == "" {
				return usageErrorf("coverage requires --input and --geometry")
			}
			r, err := retry.resolve(cmd)
			if err != nil {
				return err
			}
			cfg.Fetch = r.fetchOptions()

			cov, err := app.Coverage(cmd.Context(), cfg, c.logger)
			if err != nil {
				return err
			}
			return app.WriteCoverage(cmd.OutOrStdout(), cov)
		},
	}
	addCoverageFlags(cmd, &cfg)
	addRetryFlags(cmd, &retry, 3)
	return cmd
}

func newSuggestAliasesCmd(c *cli) *cobra.Command {
	var cfg app.SuggestConfig
	var retry retryFlags
	var model, baseURL string

	cmd := &cobra.Command{
		Use:   "suggest-aliases",
		Short: "Ask Gemini for country_names entries that close coverage gaps",
		Long: `Prints a YAML country_names fragment mapping dataset countries without geometry
onto geometry feature names without data. Merge it into a --tables file after review.

Environment:
  GEMINI_API_KEY   Gemini API key (required)
  GEMINI_MODEL     Gemini model name (required unless --model is set)
  GEMINI_BASE_URL  Optional base URL override (proxies/testing)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Coverage.Input == "" || cfg.Coverage.Geometry == "" {
				return usageErrorf("suggest-aliases requires --input and --geometry")
			}
			switch cfg.MinConfidence {
			case aliases.ConfidenceLow, aliases.ConfidenceMedium, aliases.ConfidenceHigh:
			default:
				return usageErrorf("invalid --min-confidence %q (want low, medium or high)", cfg.MinConfidence)
			}
			r, err := retry.resolve(cmd)
			if err != nil {
				return err
			}
			cfg.Coverage.Fetch = r.fetchOptions()
			cfg.Retry = r.retryOptions()

			s, err := gemini.New(cmd.Context(), gemini.Config{
				APIKey:  envString("GEMINI_API_KEY", ""),
				Model:   model,
				BaseURL: baseURL,
			})
			if err != nil {
				return usageError(err)
			}
			_, err = app.SuggestAliases(cmd.Context(), cfg, s, cmd.OutOrStdout(), c.logger)
			return err
		},
	}
	addCoverageFlags(cmd, &cfg.Coverage)
	cmd.Flags().StringVar(&cfg.MinConfidence, "min-confidence", aliases.ConfidenceMedium, "Lowest suggestion confidence to keep (low, medium, high)")
	cmd.Flags().StringVar(&model, "model", envString("GEMINI_MODEL", ""), "Gemini model name (env: GEMINI_MODEL)")
	cmd.Flags().StringVar(&baseURL, "gemini-base-url", envString("GEMINI_BASE_URL", ""), "Gemini API base URL override (env: GEMINI_BASE_URL)")
	addRetryFlags(cmd, &retry, 3)
	return cmd
}
