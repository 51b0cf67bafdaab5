package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shpitdev/labour-choropleth/internal/watch"
	"github.com/shpitdev/labour-choropleth/pkg/choropleth"
	"github.com/shpitdev/labour-choropleth/pkg/geo"
	"github.com/shpitdev/labour-choropleth/pkg/normalize"
	"github.com/shpitdev/labour-choropleth/pkg/pipeline/core"
	"github.com/shpitdev/labour-choropleth/pkg/pipeline/fetch"
	localio "github.com/shpitdev/labour-choropleth/pkg/pipeline/io/local"
	sqlitestore "github.com/shpitdev/labour-choropleth/pkg/pipeline/io/sqlite"
)

// LocalConfig configures a local run. Input and Geometry may be file paths or http(s) URLs.
type LocalConfig struct {
	Input  string
	Output string

	// Optional outputs.
	LookupPath  string
	HistoryPath string

	// Optional geometry for coverage logging.
	Geometry         string
	GeometryNamePath string

	TablesPath   string
	PalettesPath string

	Fetch fetch.Options
}

// RunLocal fetches the row source (and geometry, when set), normalizes it, and writes the configured outputs.
// Nothing is written when loading or parsing fails.
func RunLocal(ctx context.Context, cfg LocalConfig, logger *zap.Logger) (Summary, error) {
	runID, logger := newRun(logger)
	started := time.Now()
	if strings.TrimSpace(cfg.Input) == "" {
		return Summary{}, fmt.Errorf("input is required")
	}
	if strings.TrimSpace(cfg.Output) == "" {
		return Summary{}, fmt.Errorf("output is required")
	}

	tables, err := normalize.LoadTables(cfg.TablesPath)
	if err != nil {
		return Summary{}, err
	}
	palettes, err := choropleth.LoadPalettes(cfg.PalettesPath)
	if err != nil {
		return Summary{}, err
	}

	logger.Info("local run start",
		zap.String("input", cfg.Input),
		zap.String("output", cfg.Output),
		zap.String("geometry", cfg.Geometry),
		zap.String("lookup", cfg.LookupPath),
		zap.String("history", cfg.HistoryPath),
	)

	sources := []fetch.Source{{Name: "rows", Location: cfg.Input}}
	if cfg.Geometry != "" {
		sources = append(sources, fetch.Source{Name: "geometry", Location: cfg.Geometry})
	}
	blobs, err := fetch.All(ctx, sources, cfg.Fetch)
	if err != nil {
		return Summary{}, err
	}

	rows, err := parseRows(blobs[0].Data)
	if err != nil {
		return Summary{}, fmt.Errorf("parse %s: %w", cfg.Input, err)
	}
	var featureNames []string
	if len(blobs) > 1 {
		if featureNames, err = geo.FeatureNames(blobs[1].Data, cfg.GeometryNamePath); err != nil {
			return Summary{}, fmt.Errorf("parse %s: %w", cfg.Geometry, err)
		}
	}

	res, issues := normalizeRows(logger, rows, tables)
	if featureNames != nil {
		logCoverage(logger, geo.CheckCoverage(res.Bucketed, featureNames))
	}

	sum := Summary{RunID: runID, InputRows: len(rows), Result: res, PairIssues: issues, StartedAt: started, FinishedAt: time.Now()}

	// History is recorded first so a history failure leaves no output files; a failed output
	// removes the recorded run again.
	var history *sqlitestore.Store
	if cfg.HistoryPath != "" {
		if history, err = recordHistory(ctx, cfg.HistoryPath, cfg.Input, sum); err != nil {
			return Summary{}, err
		}
		defer func() {
			_ = history.Close()
		}()
		logger.Info("run recorded", zap.String("history", cfg.HistoryPath))
	}

	outputs := []namedOutput{{name: "bucketed_csv", out: localio.BucketedFile{Path: cfg.Output}}}
	if cfg.LookupPath != "" {
		outputs = append(outputs, namedOutput{name: "lookup_json", out: lookupOutput(cfg.LookupPath, palettes)})
	}
	if err := storeAll(ctx, logger, res.Bucketed, outputs); err != nil {
		if history != nil {
			if derr := history.DeleteRun(context.WithoutCancel(ctx), runID); derr != nil {
				logger.Warn("failed to remove recorded run", zap.Error(derr))
			}
		}
		return Summary{}, err
	}

	logger.Info("local run complete", zap.Duration("took", time.Since(started)))
	return sum, nil
}

// WatchLocal runs once, then re-runs whenever a local input, tables, palettes or geometry file changes.
// Failed re-runs are logged and the watch continues.
func WatchLocal(ctx context.Context, cfg LocalConfig, debounce time.Duration, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := RunLocal(ctx, cfg, logger); err != nil {
		return err
	}

	var files []string
	for _, loc := range []string{cfg.Input, cfg.Geometry, cfg.TablesPath, cfg.PalettesPath} {
		if loc == "" {
			continue
		}
		if (fetch.Source{Location: loc}).IsRemote() {
			logger.Warn("remote source is not watched", zap.String("location", loc))
			continue
		}
		files = append(files, strings.TrimPrefix(loc, "file://"))
	}
	return watch.Run(ctx, files, debounce, logger, func(ctx context.Context) error {
		_, err := RunLocal(ctx, cfg, logger)
		return err
	})
}

func lookupOutput(path string, palettes choropleth.Palettes) core.OutputAdapter[normalize.BucketedRecord] {
	return core.StoreFunc[normalize.BucketedRecord](func(_ context.Context, rows []normalize.BucketedRecord) error {
		doc := choropleth.NewDocument(rows, palettes)
		return localio.WriteFileAtomic(path, func(w io.Writer) error {
			return doc.WriteJSON(w)
		})
	})
}

// recordHistory opens the history store and records sum. The caller closes the returned store.
func recordHistory(ctx context.Context, path, source string, sum Summary) (*sqlitestore.Store, error) {
	store, err := sqlitestore.Open(path)
	if err != nil {
		return nil, err
	}
	run := sqlitestore.NewRun(sum.RunID, source, sum.InputRows, sum.Result, sum.StartedAt, sum.FinishedAt)
	if err := store.RecordRun(ctx, run, sum.Result.Bucketed, sum.Result.Skipped); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("record run: %w", err)
	}
	return store, nil
}

func logCoverage(logger *zap.Logger, cov geo.Coverage) {
	logger.Info("geometry coverage",
		zap.Int("matched", cov.Matched),
		zap.Int("missing_geometry", len(cov.MissingGeometry)),
		zap.Int("missing_data", len(cov.MissingData)),
	)
	if len(cov.MissingGeometry) > 0 {
		logger.Warn("countries without geometry", zap.Strings("countries", cov.MissingGeometry))
	}
}
