package app

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/shpitdev/labour-choropleth/pkg/aliases"
	"github.com/shpitdev/labour-choropleth/pkg/geo"
	"github.com/shpitdev/labour-choropleth/pkg/normalize"
	"github.com/shpitdev/labour-choropleth/pkg/pipeline/fetch"
)

// CoverageConfig names a row source and the geometry to compare it with.
type CoverageConfig struct {
	Input            string
	Geometry         string
	GeometryNamePath string
	TablesPath       string
	Fetch            fetch.Options
}

// Coverage normalizes the row source and matches the bucketed countries against geometry feature names.
func Coverage(ctx context.Context, cfg CoverageConfig, logger *zap.Logger) (geo.Coverage, error) {
	_, logger = newRun(logger)
	if cfg.Input == "" || cfg.Geometry == "" {
		return geo.Coverage{}, fmt.Errorf("input and geometry are required")
	}
	tables, err := normalize.LoadTables(cfg.TablesPath)
	if err != nil {
		return geo.Coverage{}, err
	}

	blobs, err := fetch.All(ctx, []fetch.Source{
		{Name: "rows", Location: cfg.Input},
		{Name: "geometry", Location: cfg.Geometry},
	}, cfg.Fetch)
	if err != nil {
		return geo.Coverage{}, err
	}
	rows, err := parseRows(blobs[0].Data)
	if err != nil {
		return geo.Coverage{}, fmt.Errorf("parse %s: %w", cfg.Input, err)
	}
	names, err := geo.FeatureNames(blobs[1].Data, cfg.GeometryNamePath)
	if err != nil {
		return geo.Coverage{}, fmt.Errorf("parse %s: %w", cfg.Geometry, err)
	}

	res, _ := normalizeRows(logger, rows, tables)
	cov := geo.CheckCoverage(res.Bucketed, names)
	logCoverage(logger, cov)
	return cov, nil
}

// WriteCoverage prints a coverage report.
func WriteCoverage(w io.Writer, cov geo.Coverage) error {
	if _, err := fmt.Fprintf(w, "matched: %d\n", cov.Matched); err != nil {
		return err
	}
	for _, section := range []struct {
		title string
		names []string
	}{
		{"dataset countries without geometry", cov.MissingGeometry},
		{"geometry features without data", cov.MissingData},
	} {
		if _, err := fmt.Fprintf(w, "%s (%d):\n", section.title, len(section.names)); err != nil {
			return err
		}
		for _, n := range section.names {
			if _, err := fmt.Fprintf(w, "  %s\n", n); err != nil {
				return err
			}
		}
	}
	return nil
}

// SuggestConfig configures alias suggestion.
type SuggestConfig struct {
	Coverage      CoverageConfig
	MinConfidence string
	Retry         fetch.RetryOptions
}

// SuggestAliases asks s to map dataset countries without geometry onto feature names without data,
// and writes the accepted mappings to w as a country_names tables fragment.
func SuggestAliases(ctx context.Context, cfg SuggestConfig, s aliases.Suggester, w io.Writer, logger *zap.Logger) ([]aliases.Suggestion, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cov, err := Coverage(ctx, cfg.Coverage, logger)
	if err != nil {
		return nil, err
	}
	if len(cov.MissingGeometry) == 0 {
		logger.Info("every dataset country has geometry; nothing to suggest")
		return nil, writeFragment(w, nil)
	}

	raw, err := fetch.Retry(ctx, nil, cfg.Retry, func(ctx context.Context) ([]aliases.Suggestion, error) {
		return s.Suggest(ctx, cov.MissingGeometry, cov.MissingData)
	})
	if err != nil {
		return nil, fmt.Errorf("suggest aliases: %w", err)
	}
	minConfidence := cfg.MinConfidence
	if minConfidence == "" {
		minConfidence = aliases.ConfidenceMedium
	}
	accepted := aliases.Accept(raw, cov.MissingGeometry, cov.MissingData, minConfidence)
	logger.Info("alias suggestions",
		zap.Int("asked", len(cov.MissingGeometry)),
		zap.Int("returned", len(raw)),
		zap.Int("accepted", len(accepted)),
		zap.String("min_confidence", minConfidence),
	)
	return accepted, writeFragment(w, accepted)
}

func writeFragment(w io.Writer, accepted []aliases.Suggestion) error {
	b, err := aliases.Fragment(accepted)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
