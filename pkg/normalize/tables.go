package normalize

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed tables.yaml
var defaultTablesYAML []byte

// Thresholds splits labour rates into three tertiles. A rate equal to a bound falls in the lower bucket.
type Thresholds struct {
	Low  float64 `yaml:"low"`
	High float64 `yaml:"high"`
}

// Tables is the static configuration the pipeline runs against.
type Tables struct {
	Indicator        string             `yaml:"indicator"`
	Dimension        string             `yaml:"dimension"`
	IncomeTertiles   map[string]Tertile `yaml:"income_tertiles"`
	LabourThresholds Thresholds         `yaml:"labour_thresholds"`
	CountryNames     map[string]string  `yaml:"country_names"`
}

// DefaultTables returns the built-in tables. Every call returns fresh maps.
func DefaultTables() Tables {
	t, err := ParseTables(defaultTablesYAML)
	if err != nil {
		panic(fmt.Sprintf("normalize: embedded tables are invalid: %v", err))
	}
	return t
}

// ParseTables decodes a complete tables document. Unknown keys are rejected.
func ParseTables(b []byte) (Tables, error) {
	var t Tables
	if err := decodeStrict(b, &t); err != nil {
		return Tables{}, fmt.Errorf("parse tables yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Tables{}, err
	}
	return t, nil
}

// LoadTables reads a tables override file on top of DefaultTables. An empty path returns the defaults.
func LoadTables(path string) (Tables, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultTables(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Tables{}, fmt.Errorf("read tables file: %w", err)
	}
	t, err := DefaultTables().Overlay(b)
	if err != nil {
		return Tables{}, fmt.Errorf("tables file %s: %w", path, err)
	}
	return t, nil
}

// Overlay decodes a partial tables document over a copy of t.
//
// Scalars in b replace those in t; map entries are added to (or replace) the entries in t.
func (t Tables) Overlay(b []byte) (Tables, error) {
	out := t
	out.IncomeTertiles = maps.Clone(t.IncomeTertiles)
	out.CountryNames = maps.Clone(t.CountryNames)
	if err := decodeStrict(b, &out); err != nil {
		return Tables{}, fmt.Errorf("parse tables yaml: %w", err)
	}
	if err := out.Validate(); err != nil {
		return Tables{}, err
	}
	return out, nil
}

func decodeStrict(b []byte, out *Tables) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (t Tables) Validate() error {
	if strings.TrimSpace(t.Indicator) == "" {
		return errors.New("tables: indicator is required")
	}
	if strings.TrimSpace(t.Dimension) == "" {
		return errors.New("tables: dimension is required")
	}
	if len(t.IncomeTertiles) == 0 {
		return errors.New("tables: income_tertiles must not be empty")
	}
	for label, tertile := range t.IncomeTertiles {
		if !tertile.Valid() {
			return fmt.Errorf("tables: income_tertiles[%q]=%d out of range 0..2", label, tertile)
		}
	}
	th := t.LabourThresholds
	if math.IsNaN(th.Low) || math.IsNaN(th.High) || th.Low >= th.High {
		return fmt.Errorf("tables: labour_thresholds low=%g must be below high=%g", th.Low, th.High)
	}
	return nil
}

// RemapCountry returns the display name for a dataset country, or the name unchanged when unmapped.
func (t Tables) RemapCountry(name string) string {
	if mapped, ok := t.CountryNames[name]; ok {
		return mapped
	}
	return name
}

// IncomeTertile looks up an income label. ok is false for labels outside the table.
func (t Tables) IncomeTertile(label string) (Tertile, bool) {
	tertile, ok := t.IncomeTertiles[label]
	return tertile, ok
}

// LabourTertile buckets a labour rate. ok is false for NaN and infinite rates.
func (t Tables) LabourTertile(rate float64) (Tertile, bool) {
	if math.IsNaN(rate) || math.IsInf(rate, 0) {
		return 0, false
	}
	switch {
	case rate <= t.LabourThresholds.Low:
		return 0, true
	case rate <= t.LabourThresholds.High:
		return 1, true
	default:
		return 2, true
	}
}
