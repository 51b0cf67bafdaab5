// Package geo reads country names out of boundary data and checks them against bucketed rows.
package geo

import (
	"fmt"
	"slices"
	"strings"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"

	"github.com/shpitdev/labour-choropleth/pkg/choropleth"
	"github.com/shpitdev/labour-choropleth/pkg/normalize"
)

// DefaultNamePath selects feature names in a GeoJSON FeatureCollection.
const DefaultNamePath = "$.features[*].properties.name"

// FeatureNames returns the non-empty string values selected by path (DefaultNamePath when empty),
// in document order. Non-string matches are ignored.
func FeatureNames(data []byte, path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultNamePath
	}
	doc, err := oj.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse geometry json: %w", err)
	}
	expr, err := jp.ParseString(path)
	if err != nil {
		return nil, fmt.Errorf("parse name path %q: %w", path, err)
	}

	var names []string
	for _, v := range expr.Get(doc) {
		s, ok := v.(string)
		if !ok || strings.TrimSpace(s) == "" {
			continue
		}
		names = append(names, s)
	}
	return names, nil
}

// Coverage compares dataset countries with geometry feature names using the renderer's key.
type Coverage struct {
	Matched int
	// MissingGeometry lists dataset countries with no feature; the map never shows them.
	MissingGeometry []string
	// MissingData lists features with no dataset row; they render in the neutral colour.
	MissingData []string
}

// CheckCoverage matches rows to feature names case-insensitively. Both lists are sorted and de-duplicated.
func CheckCoverage(rows []normalize.BucketedRecord, featureNames []string) Coverage {
	features := make(map[string]struct{}, len(featureNames))
	for _, n := range featureNames {
		features[choropleth.Key(n)] = struct{}{}
	}
	lookup := choropleth.BuildLookup(rows)

	var cov Coverage
	seen := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		k := choropleth.Key(r.DisplayCountry)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if _, ok := features[k]; ok {
			cov.Matched++
			continue
		}
		cov.MissingGeometry = append(cov.MissingGeometry, r.DisplayCountry)
	}

	reported := make(map[string]struct{})
	for _, n := range featureNames {
		k := choropleth.Key(n)
		if _, ok := lookup[k]; ok {
			continue
		}
		if _, dup := reported[k]; dup {
			continue
		}
		reported[k] = struct{}{}
		cov.MissingData = append(cov.MissingData, n)
	}

	slices.Sort(cov.MissingGeometry)
	slices.Sort(cov.MissingData)
	return cov
}
