package choropleth

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shpitdev/labour-choropleth/pkg/normalize"
)

//go:embed palettes.yaml
var defaultPalettesYAML []byte

var hexColorRe = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// Palette is a 3x3 colour table indexed by [income tertile][labour tertile].
// An empty string marks a cell with no colour; lookups fall back to the neutral colour.
type Palette struct {
	Name  string       `yaml:"name" json:"name"`
	Cells [3][3]string `yaml:"cells" json:"cells"`
}

// Color returns the colour for a tertile pair. ok is false when the pair is out of range or the cell is empty.
func (p Palette) Color(income, labour normalize.Tertile) (string, bool) {
	if !income.Valid() || !labour.Valid() {
		return "", false
	}
	c := p.Cells[income][labour]
	return c, c != ""
}

// Palettes is the palette set a viewer cycles through.
type Palettes struct {
	Neutral  string    `yaml:"neutral" json:"neutral"`
	Palettes []Palette `yaml:"palettes" json:"palettes"`
}

func DefaultPalettes() Palettes {
	p, err := ParsePalettes(defaultPalettesYAML)
	if err != nil {
		panic(fmt.Sprintf("choropleth: embedded palettes are invalid: %v", err))
	}
	return p
}

// ParsePalettes decodes a palettes document. Unknown keys are rejected.
func ParsePalettes(b []byte) (Palettes, error) {
	var p Palettes
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Palettes{}, fmt.Errorf("parse palettes yaml: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Palettes{}, err
	}
	return p, nil
}

// LoadPalettes reads a palettes file. An empty path returns DefaultPalettes.
func LoadPalettes(path string) (Palettes, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultPalettes(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Palettes{}, fmt.Errorf("read palettes file: %w", err)
	}
	p, err := ParsePalettes(b)
	if err != nil {
		return Palettes{}, fmt.Errorf("palettes file %s: %w", path, err)
	}
	return p, nil
}

func (p Palettes) Validate() error {
	if !hexColorRe.MatchString(p.Neutral) {
		return fmt.Errorf("palettes: neutral %q is not a #rrggbb colour", p.Neutral)
	}
	if len(p.Palettes) == 0 {
		return errors.New("palettes: at least one palette is required")
	}
	seen := make(map[string]struct{}, len(p.Palettes))
	for i, pal := range p.Palettes {
		name := strings.TrimSpace(pal.Name)
		if name == "" {
			return fmt.Errorf("palettes[%d]: name is required", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("palettes[%d]: duplicate name %q", i, name)
		}
		seen[name] = struct{}{}
		for r, row := range pal.Cells {
			for c, cell := range row {
				if cell != "" && !hexColorRe.MatchString(cell) {
					return fmt.Errorf("palette %q cell [%d][%d]=%q is not a #rrggbb colour", name, r, c, cell)
				}
			}
		}
	}
	return nil
}

// Cycle returns the index of the palette after current, wrapping to the first.
func (p Palettes) Cycle(current int) int {
	if len(p.Palettes) == 0 {
		return 0
	}
	if current < 0 {
		return 0
	}
	return (current + 1) % len(p.Palettes)
}

// At returns the palette at index i modulo the palette count.
func (p Palettes) At(i int) Palette {
	n := len(p.Palettes)
	if n == 0 {
		return Palette{}
	}
	i %= n
	if i < 0 {
		i += n
	}
	return p.Palettes[i]
}
