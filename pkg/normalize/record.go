package normalize

// RawRecord is one row as supplied by the row source. Every field is kept as the source string.
type RawRecord struct {
	Country       string
	IndicatorName string
	Dimension     string
	Subgroup      string
	IncomeLabel   string
	Estimate      string
}

// FilteredRecord is a female labour-force participation row disaggregated by place of residence.
//
// LabourRate is NaN when the source estimate was not numeric.
type FilteredRecord struct {
	Country     string
	Residence   string
	IncomeLabel string
	LabourRate  float64
}

// DedupedRecord is the first row of an urban/rural pair with its country renamed for display.
type DedupedRecord struct {
	DisplayCountry string
	IncomeLabel    string
	LabourRate     float64
}

// Tertile is an ordinal bucket in [0, 2].
type Tertile int

func (t Tertile) Valid() bool {
	return t >= 0 && t <= 2
}

// BucketedRecord is the pipeline output consumed by the map renderer.
type BucketedRecord struct {
	DisplayCountry string
	IncomeTertile  Tertile
	LabourTertile  Tertile
}

type SkipReason string

const (
	SkipInvalidEstimate SkipReason = "invalid_estimate"
	SkipUnknownIncome   SkipReason = "unknown_income"
)

// Skipped records a deduplicated row that could not be bucketed.
type Skipped struct {
	Record DedupedRecord
	Reason SkipReason
}

// Result holds every intermediate sequence of one pipeline run.
//
// Each call to Normalize allocates its own slices; nothing is shared between runs.
type Result struct {
	Filtered []FilteredRecord
	Deduped  []DedupedRecord
	Bucketed []BucketedRecord
	Skipped  []Skipped
}

// SkipCounts returns the number of skipped rows per reason.
func (r Result) SkipCounts() map[SkipReason]int {
	out := make(map[SkipReason]int, 2)
	for _, s := range r.Skipped {
		out[s.Reason]++
	}
	return out
}
