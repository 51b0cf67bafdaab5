package choropleth

import (
	"strings"

	"github.com/shpitdev/labour-choropleth/pkg/normalize"
)

// Cell is the tertile pair a country is coloured by.
type Cell struct {
	IncomeTertile normalize.Tertile `json:"income_tertile"`
	LabourTertile normalize.Tertile `json:"labour_tertile"`
}

// Lookup maps lower-cased display country names to their cell.
type Lookup map[string]Cell

// Key normalizes a country name for lookup.
func Key(country string) string {
	return strings.ToLower(strings.TrimSpace(country))
}

// BuildLookup indexes bucketed rows by lower-cased country. When a country appears more
// than once, the last row wins.
func BuildLookup(rows []normalize.BucketedRecord) Lookup {
	out := make(Lookup, len(rows))
	for _, r := range rows {
		out[Key(r.DisplayCountry)] = Cell{IncomeTertile: r.IncomeTertile, LabourTertile: r.LabourTertile}
	}
	return out
}

// Color resolves the fill for a country under palette p. Countries without data, or
// whose cell has no colour in p, get the neutral colour.
func (l Lookup) Color(country string, p Palette, neutral string) string {
	cell, ok := l[Key(country)]
	if !ok {
		return neutral
	}
	c, ok := p.Color(cell.IncomeTertile, cell.LabourTertile)
	if !ok {
		return neutral
	}
	return c
}
