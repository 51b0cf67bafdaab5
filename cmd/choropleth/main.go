// Command choropleth buckets the female labour-force participation dataset into the
// 3x3 cells of a bivariate world choropleth, locally or as a Foundry pipeline.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/shpitdev/labour-choropleth/internal/version"
	"github.com/shpitdev/labour-choropleth/pkg/pipeline/redact"
)

// exitError carries the process exit code for an error. Errors without one exit 1.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageError(err error) error {
	return &exitError{code: 2, err: err}
}

func usageErrorf(format string, args ...any) error {
	return usageError(fmt.Errorf(format, args...))
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if strings.HasPrefix(err.Error(), "unknown command") {
		return 2
	}
	return 1
}

// cli holds state shared by every subcommand.
type cli struct {
	verbose bool
	logger  *zap.Logger

	// newLogger is replaced in tests.
	newLogger func(verbose bool) (*zap.Logger, error)
}

func productionLogger(verbose bool) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return config.Build()
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "choropleth",
		Short: "Bucket labour-force participation by country for a bivariate choropleth",
		Long: `choropleth normalizes the World Bank income / female labour-force participation
dataset into (income tertile, labour tertile) cells per country, and publishes the
result as CSV, renderer lookup JSON, or a Foundry dataset.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("verbose") {
				v, err := envBool("VERBOSE")
				if err != nil {
					return usageError(err)
				}
				c.verbose = v
			}
			logger, err := c.newLogger(c.verbose)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			c.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Debug logging (env: VERBOSE)")
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError(err)
	})

	root.AddCommand(
		newLocalCmd(c),
		newFoundryCmd(c),
		newCoverageCmd(c),
		newSuggestAliasesCmd(c),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "choropleth %s\n", version.String())
			return err
		},
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, newLogger func(bool) (*zap.Logger, error)) int {
	c := &cli{newLogger: newLogger}
	root := newRootCmd(c)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "error: %s\n", redact.Secrets(err.Error()))
	}
	return exitCode(err)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, productionLogger)
	stop()
	os.Exit(code)
}
