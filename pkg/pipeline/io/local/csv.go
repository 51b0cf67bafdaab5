package local

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shpitdev/labour-choropleth/pkg/normalize"
	"github.com/shpitdev/labour-choropleth/pkg/pipeline/schema"
)

// ReadRawRecordsCSV reads row-source records from a CSV with a header row.
//
// Columns are matched by name (see schema.RowSource); extra columns are ignored and
// cells missing from short rows read as empty strings.
func ReadRawRecordsCSV(r io.Reader) ([]normalize.RawRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("read header: empty input")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	idx, err := schema.RowSource().IndexHeader(header)
	if err != nil {
		return nil, err
	}

	var out []normalize.RawRecord
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", line, err)
		}
		get := func(col string) string {
			i := idx[col]
			if i >= len(rec) {
				return ""
			}
			return rec[i]
		}
		out = append(out, normalize.RawRecord{
			Country:       get(schema.ColumnSetting),
			IndicatorName: get(schema.ColumnIndicatorName),
			Dimension:     get(schema.ColumnDimension),
			Subgroup:      get(schema.ColumnSubgroup),
			IncomeLabel:   get(schema.ColumnIncome),
			Estimate:      get(schema.ColumnEstimate),
		})
	}
}

// WriteBucketedCSV writes rows with the schema.Bucketed header.
func WriteBucketedCSV(w io.Writer, rows []normalize.BucketedRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(schema.Bucketed().Header()); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write([]string{
			r.DisplayCountry,
			strconv.Itoa(int(r.IncomeTertile)),
			strconv.Itoa(int(r.LabourTertile)),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadBucketedCSV reads rows written by WriteBucketedCSV. Tertiles outside 0..2 are rejected.
func ReadBucketedCSV(r io.Reader) ([]normalize.BucketedRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	idx, err := schema.Bucketed().IndexHeader(header)
	if err != nil {
		return nil, err
	}

	var out []normalize.BucketedRecord
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", line, err)
		}
		if len(rec) <= idx[schema.ColumnLabourTertile] || len(rec) <= idx[schema.ColumnIncomeTertile] || len(rec) <= idx[schema.ColumnCountry] {
			return nil, fmt.Errorf("row %d has %d columns", line, len(rec))
		}
		income, err := parseTertile(rec[idx[schema.ColumnIncomeTertile]])
		if err != nil {
			return nil, fmt.Errorf("row %d %s: %w", line, schema.ColumnIncomeTertile, err)
		}
		labour, err := parseTertile(rec[idx[schema.ColumnLabourTertile]])
		if err != nil {
			return nil, fmt.Errorf("row %d %s: %w", line, schema.ColumnLabourTertile, err)
		}
		out = append(out, normalize.BucketedRecord{
			DisplayCountry: rec[idx[schema.ColumnCountry]],
			IncomeTertile:  income,
			LabourTertile:  labour,
		})
	}
}

func parseTertile(s string) (normalize.Tertile, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	t := normalize.Tertile(n)
	if !t.Valid() {
		return 0, fmt.Errorf("tertile %d out of range 0..2", n)
	}
	return t, nil
}
