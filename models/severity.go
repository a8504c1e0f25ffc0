package models

import "strings"

// Severity is the severity of an issue or finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank returns a numeric rank for sorting (higher = more severe).
// Unknown severities rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether s is one of the four known severities.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

func (s Severity) String() string {
	return string(s)
}

// ParseSeverity normalises analyzer-specific severity strings.
// Unrecognised values return "" so callers can drop them.
func ParseSeverity(raw string) Severity {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "critical", "blocker":
		return SeverityCritical
	case "high", "error":
		return SeverityHigh
	case "medium", "moderate", "warning":
		return SeverityMedium
	case "low", "info", "nitpick", "suggestion":
		return SeverityLow
	default:
		return ""
	}
}
