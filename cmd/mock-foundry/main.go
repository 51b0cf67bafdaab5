// Command mock-foundry serves the subset of the Foundry datasets API used by `choropleth foundry`.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shpitdev/labour-choropleth/pkg/mockfoundry"
)

type options struct {
	addr      string
	inputDir  string
	uploadDir string
	token     string
}

func defaultString(envVar string, fallback string) string {
	v := strings.TrimSpace(os.Getenv(envVar))
	if v == "" {
		return fallback
	}
	return v
}

func newRootCmd() *cobra.Command {
	opts := options{
		addr:      defaultString("MOCK_FOUNDRY_ADDR", ":8080"),
		inputDir:  defaultString("MOCK_FOUNDRY_INPUT_DIR", "/data/inputs"),
		uploadDir: defaultString("MOCK_FOUNDRY_UPLOAD_DIR", "/data/uploads"),
		token:     defaultString("MOCK_FOUNDRY_TOKEN", ""),
	}
	cmd := &cobra.Command{
		Use:           "mock-foundry",
		Short:         "Serve a local mock of the Foundry datasets API",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()
			return serve(cmd.Context(), opts, logger)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.addr, "addr", opts.addr, "Listen address (env: MOCK_FOUNDRY_ADDR)")
	f.StringVar(&opts.inputDir, "input-dir", opts.inputDir, "Directory containing input CSVs named <rid>.csv (env: MOCK_FOUNDRY_INPUT_DIR)")
	f.StringVar(&opts.uploadDir, "upload-dir", opts.uploadDir, "Directory to persist uploaded files (env: MOCK_FOUNDRY_UPLOAD_DIR)")
	f.StringVar(&opts.token, "token", opts.token, "Bearer token to require, empty disables auth (env: MOCK_FOUNDRY_TOKEN)")
	return cmd
}

func serve(ctx context.Context, opts options, logger *zap.Logger) error {
	srv := mockfoundry.New(opts.inputDir, opts.uploadDir)
	srv.RequireBearerToken(opts.token)

	hs := &http.Server{
		Addr:              opts.addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- hs.ListenAndServe() }()
	logger.Info("mock-foundry listening",
		zap.String("addr", opts.addr),
		zap.String("input_dir", opts.inputDir),
		zap.String("upload_dir", opts.uploadDir),
		zap.Bool("auth", opts.token != ""),
	)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("mock-foundry stopped", zap.Int("calls", len(srv.Calls())))
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
