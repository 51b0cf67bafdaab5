package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/shpitdev/labour-choropleth/pkg/foundry"
	"github.com/shpitdev/labour-choropleth/pkg/normalize"
	"github.com/shpitdev/labour-choropleth/pkg/pipeline/fetch"
	foundryio "github.com/shpitdev/labour-choropleth/pkg/pipeline/io/foundry"
)

// FoundryConfig configures a Foundry pipeline run.
type FoundryConfig struct {
	InputAlias     string
	OutputAlias    string
	OutputFilename string
	TablesPath     string
	Retry          fetch.RetryOptions
}

// RunFoundry reads the input dataset, normalizes it and publishes the bucketed CSV to the output dataset.
func RunFoundry(ctx context.Context, env foundry.Env, cfg FoundryConfig, logger *zap.Logger) (Summary, error) {
	runID, logger := newRun(logger)
	started := time.Now()

	inputRef, err := env.Dataset(cfg.InputAlias)
	if err != nil {
		return Summary{}, err
	}
	outputRef, err := env.Dataset(cfg.OutputAlias)
	if err != nil {
		return Summary{}, err
	}
	tables, err := normalize.LoadTables(cfg.TablesPath)
	if err != nil {
		return Summary{}, err
	}
	filename := cfg.OutputFilename
	if filename == "" {
		filename = foundryio.DefaultOutputFilename
	}

	logger.Info("foundry run start",
		zap.String("input", inputRef.RID+"@"+inputRef.Branch),
		zap.String("output", outputRef.RID+"@"+outputRef.Branch),
		zap.String("output_filename", filename),
		zap.Int("max_retries", cfg.Retry.MaxRetries),
	)

	client, err := foundry.NewClient(env.Services.APIGateway, env.Token, env.DefaultCAPath)
	if err != nil {
		return Summary{}, err
	}

	readStart := time.Now()
	rows, err := foundryio.Input{Client: client, Ref: inputRef, Retry: cfg.Retry}.Load(ctx)
	if err != nil {
		return Summary{}, err
	}
	logger.Info("input read", zap.Int("rows", len(rows)), zap.Duration("took", time.Since(readStart)))

	res, issues := normalizeRows(logger, rows, tables)

	out := foundryio.Output{
		Client:   client,
		Ref:      outputRef,
		Filename: filename,
		Retry:    cfg.Retry,
		OnPublish: func(txn string, committed bool) {
			if committed {
				logger.Info("output transaction committed", zap.String("transaction", txn))
				return
			}
			logger.Info("uploaded into existing open transaction; leaving it for its owner to commit", zap.String("transaction", txn))
		},
	}
	if err := storeAll(ctx, logger, res.Bucketed, []namedOutput{{name: "foundry_dataset", out: out}}); err != nil {
		return Summary{}, err
	}

	finished := time.Now()
	logger.Info("foundry run complete", zap.Duration("took", finished.Sub(started)))
	return Summary{
		RunID:      runID,
		InputRows:  len(rows),
		Result:     res,
		PairIssues: issues,
		StartedAt:  started,
		FinishedAt: finished,
	}, nil
}
