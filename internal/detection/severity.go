package detection

// Severity is the shared ordering used by every detector and the
// correlation matrix: low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the ordering position; unknown severities rank below low.
func (s Severity) Rank() int {
	return severityRank[s]
}

// MaxSeverity returns the highest severity in the slice, or low when the
// slice is empty.
func MaxSeverity(severities []Severity) Severity {
	max := SeverityLow
	for _, s := range severities {
		if s.Rank() > max.Rank() {
			max = s
		}
	}
	return max
}
