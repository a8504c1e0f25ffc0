package models

// Penalty weights applied per non-false-positive issue.
const (
	PenaltyCritical = 10
	PenaltyHigh     = 5
	PenaltyMedium   = 2
	PenaltyLow      = 1
)

// CountIssues counts non-false-positive issues by severity.
func CountIssues(issues []Issue) SeverityCounts {
	var c SeverityCounts
	for i := range issues {
		if issues[i].IsFalsePositive {
			continue
		}
		c.Add(issues[i].Severity)
	}
	return c
}

// QualityScore returns 100 minus the weighted severity penalty, floored at 0.
func QualityScore(c SeverityCounts) int {
	penalty := c.Critical*PenaltyCritical +
		c.High*PenaltyHigh +
		c.Medium*PenaltyMedium +
		c.Low*PenaltyLow
	score := 100 - penalty
	if score < 0 {
		return 0
	}
	return score
}
