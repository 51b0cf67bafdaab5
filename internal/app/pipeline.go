package app

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shpitdev/labour-choropleth/pkg/normalize"
	"github.com/shpitdev/labour-choropleth/pkg/pipeline/core"
	localio "github.com/shpitdev/labour-choropleth/pkg/pipeline/io/local"
)

// Summary describes one completed pipeline run.
type Summary struct {
	RunID      string
	InputRows  int
	Result     normalize.Result
	PairIssues []normalize.PairIssue
	StartedAt  time.Time
	FinishedAt time.Time
}

func newRun(logger *zap.Logger) (string, *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return id, logger.With(zap.String("run_id", id))
}

// normalizeRows runs the pipeline and logs stage counts, pairing problems and skipped rows.
func normalizeRows(logger *zap.Logger, rows []normalize.RawRecord, tables normalize.Tables) (normalize.Result, []normalize.PairIssue) {
	start := time.Now()
	res := normalize.Normalize(rows, tables)
	issues := normalize.CheckPairs(res.Filtered)

	for _, issue := range issues {
		logger.Warn("row pairing problem",
			zap.Int("index", issue.Index),
			zap.String("country", issue.Country),
			zap.String("problem", string(issue.Problem)),
		)
	}
	for _, s := range res.Skipped {
		logger.Debug("row excluded",
			zap.String("country", s.Record.DisplayCountry),
			zap.String("income_label", s.Record.IncomeLabel),
			zap.Float64("labour_rate", s.Record.LabourRate),
			zap.String("reason", string(s.Reason)),
		)
	}
	counts := res.SkipCounts()
	logger.Info("normalized",
		zap.Int("input_rows", len(rows)),
		zap.Int("filtered", len(res.Filtered)),
		zap.Int("deduped", len(res.Deduped)),
		zap.Int("bucketed", len(res.Bucketed)),
		zap.Int("skipped_invalid_estimate", counts[normalize.SkipInvalidEstimate]),
		zap.Int("skipped_unknown_income", counts[normalize.SkipUnknownIncome]),
		zap.Int("pair_issues", len(issues)),
		zap.Duration("took", time.Since(start)),
	)
	return res, issues
}

// parseRows decodes a row-source CSV blob.
func parseRows(b []byte) ([]normalize.RawRecord, error) {
	return localio.ReadRawRecordsCSV(bytes.NewReader(b))
}

type namedOutput struct {
	name string
	out  core.OutputAdapter[normalize.BucketedRecord]
}

// storeAll writes rows to each output in order and stops at the first failure.
func storeAll(ctx context.Context, logger *zap.Logger, rows []normalize.BucketedRecord, outputs []namedOutput) error {
	for _, o := range outputs {
		start := time.Now()
		if err := o.out.Store(ctx, rows); err != nil {
			return fmt.Errorf("write %s: %w", o.name, err)
		}
		logger.Info("output written", zap.String("output", o.name), zap.Int("rows", len(rows)), zap.Duration("took", time.Since(start)))
	}
	return nil
}
