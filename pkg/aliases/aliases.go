// Package aliases proposes country_names table entries for dataset countries that have no geometry feature.
package aliases

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shpitdev/labour-choropleth/pkg/choropleth"
)

// Confidence levels reported by a Suggester.
const (
	ConfidenceLow    = "low"
	ConfidenceMedium = "medium"
	ConfidenceHigh   = "high"
)

// Suggestion maps a dataset display name to a geometry feature name.
type Suggestion struct {
	DatasetName  string
	GeometryName string
	Confidence   string
}

// Suggester proposes mappings for unmatched dataset names, choosing only from candidates.
type Suggester interface {
	Suggest(ctx context.Context, unmatched, candidates []string) ([]Suggestion, error)
}

func confidenceRank(c string) int {
	switch strings.ToLower(strings.TrimSpace(c)) {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	default:
		return 0
	}
}

// Accept keeps suggestions whose dataset name was asked about, whose geometry name is one of the
// candidates (matched case-insensitively, returned in the candidate's spelling), and whose
// confidence is at least minConfidence. The first suggestion per dataset name wins.
func Accept(suggestions []Suggestion, unmatched, candidates []string, minConfidence string) []Suggestion {
	asked := make(map[string]string, len(unmatched))
	for _, u := range unmatched {
		asked[choropleth.Key(u)] = u
	}
	known := make(map[string]string, len(candidates))
	for _, c := range candidates {
		known[choropleth.Key(c)] = c
	}
	min := confidenceRank(minConfidence)

	var out []Suggestion
	seen := make(map[string]struct{})
	for _, s := range suggestions {
		ds, ok := asked[choropleth.Key(s.DatasetName)]
		if !ok {
			continue
		}
		geo, ok := known[choropleth.Key(s.GeometryName)]
		if !ok || confidenceRank(s.Confidence) < min {
			continue
		}
		if _, dup := seen[ds]; dup {
			continue
		}
		seen[ds] = struct{}{}
		out = append(out, Suggestion{DatasetName: ds, GeometryName: geo, Confidence: strings.ToLower(strings.TrimSpace(s.Confidence))})
	}
	return out
}

// Fragment renders suggestions as a tables YAML document containing only country_names,
// suitable for passing to --tables. Keys are sorted.
func Fragment(suggestions []Suggestion) ([]byte, error) {
	names := &yaml.Node{Kind: yaml.MappingNode}
	sorted := slices.Clone(suggestions)
	slices.SortFunc(sorted, func(a, b Suggestion) int { return strings.Compare(a.DatasetName, b.DatasetName) })
	for _, s := range sorted {
		k := &yaml.Node{Kind: yaml.ScalarNode, Value: s.DatasetName, Style: yaml.DoubleQuotedStyle}
		if s.Confidence != "" {
			k.LineComment = "confidence: " + s.Confidence
		}
		names.Content = append(names.Content, k,
			&yaml.Node{Kind: yaml.ScalarNode, Value: s.GeometryName, Style: yaml.DoubleQuotedStyle})
	}
	doc := &yaml.Node{Kind: yaml.MappingNode, Content: []*yaml.Node{
		{Kind: yaml.ScalarNode, Value: "country_names"},
		names,
	}}
	b, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode country_names fragment: %w", err)
	}
	return b, nil
}
