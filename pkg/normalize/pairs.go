package normalize

type PairProblem string

const (
	PairCountryMismatch PairProblem = "country_mismatch"
	PairSameResidence   PairProblem = "same_residence"
	PairUnpairedTail    PairProblem = "unpaired_tail"
)

// PairIssue describes a filtered pair that breaks the adjacency assumption Dedup relies on.
// Index is the position of the pair head in the filtered sequence.
type PairIssue struct {
	Index   int
	Country string
	Problem PairProblem
}

// CheckPairs reports pairs (0,1), (2,3), ... whose rows name different countries or repeat
// the same residence subgroup, plus a trailing row with no partner. It never changes what
// Dedup keeps.
func CheckPairs(filtered []FilteredRecord) []PairIssue {
	var issues []PairIssue
	for i := 0; i < len(filtered); i += 2 {
		head := filtered[i]
		if i+1 >= len(filtered) {
			issues = append(issues, PairIssue{Index: i, Country: head.Country, Problem: PairUnpairedTail})
			break
		}
		next := filtered[i+1]
		switch {
		case head.Country != next.Country:
			issues = append(issues, PairIssue{Index: i, Country: head.Country, Problem: PairCountryMismatch})
		case head.Residence == next.Residence:
			issues = append(issues, PairIssue{Index: i, Country: head.Country, Problem: PairSameResidence})
		}
	}
	return issues
}
