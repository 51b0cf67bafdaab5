package schema

import (
	"fmt"
	"strings"
)

// Field captures the minimal behavior-relevant schema fields.
type Field struct {
	Name     string
	Type     string
	Nullable bool
}

// DatasetContract is the logical column contract of a dataset the pipeline reads or writes.
type DatasetContract struct {
	Name   string
	Fields []Field
}

// Column names of the row source. They are a contract with the external dataset.
const (
	ColumnSetting       = "setting"
	ColumnIndicatorName = "indicator_name"
	ColumnDimension     = "dimension"
	ColumnSubgroup      = "subgroup"
	ColumnIncome        = "wbincome2024"
	ColumnEstimate      = "estimate"
)

// Column names of the bucketed output.
const (
	ColumnCountry       = "country"
	ColumnIncomeTertile = "income_tertile"
	ColumnLabourTertile = "labour_tertile"
)

// RowSource is the contract of the raw socioeconomic dataset. Every column is read as a string.
func RowSource() DatasetContract {
	return DatasetContract{
		Name: "row_source",
		Fields: []Field{
			{Name: ColumnSetting, Type: "STRING"},
			{Name: ColumnIndicatorName, Type: "STRING"},
			{Name: ColumnDimension, Type: "STRING"},
			{Name: ColumnSubgroup, Type: "STRING", Nullable: true},
			{Name: ColumnIncome, Type: "STRING", Nullable: true},
			{Name: ColumnEstimate, Type: "STRING", Nullable: true},
		},
	}
}

// Bucketed is the contract of the pipeline output dataset.
func Bucketed() DatasetContract {
	return DatasetContract{
		Name: "bucketed",
		Fields: []Field{
			{Name: ColumnCountry, Type: "STRING"},
			{Name: ColumnIncomeTertile, Type: "INTEGER"},
			{Name: ColumnLabourTertile, Type: "INTEGER"},
		},
	}
}

// Header returns the contract's column names in order.
func (c DatasetContract) Header() []string {
	out := make([]string, len(c.Fields))
	for i, f := range c.Fields {
		out[i] = f.Name
	}
	return out
}

// IndexHeader maps each contract column to its position in header. Matching ignores case
// and surrounding whitespace; extra columns are ignored. A missing contract column is an error.
func (c DatasetContract) IndexHeader(header []string) (map[string]int, error) {
	pos := make(map[string]int, len(header))
	for i, col := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(col, "\ufeff")))
		if _, dup := pos[key]; !dup {
			pos[key] = i
		}
	}
	out := make(map[string]int, len(c.Fields))
	var missing []string
	for _, f := range c.Fields {
		i, ok := pos[f.Name]
		if !ok {
			missing = append(missing, f.Name)
			continue
		}
		out[f.Name] = i
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%s: missing required column(s) %s", c.Name, strings.Join(missing, ", "))
	}
	return out, nil
}
