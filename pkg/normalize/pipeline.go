package normalize

import (
	"math"
	"strconv"
	"strings"
)

// Normalize runs the three pipeline stages over rows.
//
// Rows whose estimate is not numeric or whose income label is not in the table are
// excluded from Bucketed and reported in Skipped.
func Normalize(rows []RawRecord, t Tables) Result {
	filtered := Filter(rows, t)
	deduped := Dedup(filtered, t)
	bucketed, skipped := Bucket(deduped, t)
	return Result{
		Filtered: filtered,
		Deduped:  deduped,
		Bucketed: bucketed,
		Skipped:  skipped,
	}
}

// Filter keeps the rows matching the configured indicator and dimension, in input order.
//
// Non-numeric estimates are kept with a NaN rate so the urban/rural pairing downstream
// still lines up.
func Filter(rows []RawRecord, t Tables) []FilteredRecord {
	out := make([]FilteredRecord, 0, len(rows)/2)
	for _, r := range rows {
		if r.IndicatorName != t.Indicator || r.Dimension != t.Dimension {
			continue
		}
		out = append(out, FilteredRecord{
			Country:     r.Country,
			Residence:   r.Subgroup,
			IncomeLabel: r.IncomeLabel,
			LabourRate:  ParseRate(r.Estimate),
		})
	}
	return out
}

// Dedup keeps the first row of every urban/rural pair.
//
// Pairing is positional: index i of filtered is kept when i is even and the row has an
// income label. It relies on the row source emitting both residence rows of a country
// next to each other; CheckPairs reports inputs where that does not hold.
func Dedup(filtered []FilteredRecord, t Tables) []DedupedRecord {
	out := make([]DedupedRecord, 0, (len(filtered)+1)/2)
	for i, r := range filtered {
		if !isPairHead(i) || r.IncomeLabel == "" {
			continue
		}
		out = append(out, DedupedRecord{
			DisplayCountry: t.RemapCountry(r.Country),
			IncomeLabel:    r.IncomeLabel,
			LabourRate:     r.LabourRate,
		})
	}
	return out
}

// Bucket maps each deduplicated row to its income and labour tertiles, preserving order.
func Bucket(deduped []DedupedRecord, t Tables) ([]BucketedRecord, []Skipped) {
	out := make([]BucketedRecord, 0, len(deduped))
	var skipped []Skipped
	for _, r := range deduped {
		labour, ok := t.LabourTertile(r.LabourRate)
		if !ok {
			skipped = append(skipped, Skipped{Record: r, Reason: SkipInvalidEstimate})
			continue
		}
		income, ok := t.IncomeTertile(r.IncomeLabel)
		if !ok {
			skipped = append(skipped, Skipped{Record: r, Reason: SkipUnknownIncome})
			continue
		}
		out = append(out, BucketedRecord{
			DisplayCountry: r.DisplayCountry,
			IncomeTertile:  income,
			LabourTertile:  labour,
		})
	}
	return out, skipped
}

// ParseRate parses a percentage estimate rounded to one decimal place. It returns NaN
// when s is not a number.
func ParseRate(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return math.NaN()
	}
	return math.Round(v*10) / 10
}

func isPairHead(i int) bool {
	return i%2 == 0
}
