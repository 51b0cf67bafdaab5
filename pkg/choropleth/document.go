package choropleth

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/shpitdev/labour-choropleth/pkg/normalize"
)

// Document is the renderer's input: palettes plus the per-country lookup.
type Document struct {
	Neutral   string    `json:"neutral"`
	Palettes  []Palette `json:"palettes"`
	Countries Lookup    `json:"countries"`
}

func NewDocument(rows []normalize.BucketedRecord, p Palettes) Document {
	return Document{
		Neutral:   p.Neutral,
		Palettes:  p.Palettes,
		Countries: BuildLookup(rows),
	}
}

// WriteJSON writes the document as indented JSON. Country keys are emitted sorted.
func (d Document) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d); err != nil {
		return fmt.Errorf("encode lookup document: %w", err)
	}
	return nil
}

// ReadDocument decodes a document written by WriteJSON and validates its palettes.
func ReadDocument(r io.Reader) (Document, error) {
	var d Document
	if err := json.NewDecoder(r).Decode(&d); err != nil {
		return Document{}, fmt.Errorf("decode lookup document: %w", err)
	}
	if err := (Palettes{Neutral: d.Neutral, Palettes: d.Palettes}).Validate(); err != nil {
		return Document{}, err
	}
	if d.Countries == nil {
		d.Countries = Lookup{}
	}
	return d, nil
}

// Color resolves a country's fill under the palette at index i (wrapping).
func (d Document) Color(country string, i int) string {
	pal := Palettes{Neutral: d.Neutral, Palettes: d.Palettes}.At(i)
	return d.Countries.Color(country, pal, d.Neutral)
}
