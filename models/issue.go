package models

import (
	"fmt"
	"time"
)

// Source identifies which kind of analysis produced an issue.
type Source string

const (
	SourceStatic Source = "static_analysis"
	SourceAI     Source = "ai"
	SourceHybrid Source = "hybrid"
)

// Issue types used by the built-in analyzers. Analyzers may report others.
const (
	IssueSecurity    = "security"
	IssuePerformance = "performance"
	IssueStyle       = "style"
	IssueBug         = "bug"
)

// Issue is one persisted finding owned by exactly one Review.
type Issue struct {
	ID              int64     `json:"id"`
	ReviewID        int64     `json:"review_id"`
	Position        int       `json:"position"`
	FilePath        string    `json:"file_path"`
	LineNumber      *int      `json:"line_number,omitempty"`
	IssueType       string    `json:"issue_type"`
	Severity        Severity  `json:"severity"`
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	FixSuggestion   string    `json:"fix_suggestion,omitempty"`
	CodeSnippet     string    `json:"code_snippet,omitempty"`
	ConfidenceScore *float64  `json:"confidence_score,omitempty"`
	Source          Source    `json:"source"`
	StaticRuleID    string    `json:"static_rule_id,omitempty"`
	IsFalsePositive bool      `json:"is_false_positive"`
	CreatedAt       time.Time `json:"created_at"`
}

// EffectiveConfidence is the confidence used for ranking and dedup.
// Deterministic issues without a score count as fully confident.
func (i *Issue) EffectiveConfidence() float64 {
	if i.ConfidenceScore == nil {
		return 1
	}
	return *i.ConfidenceScore
}

// Validate enforces the issue invariants: a known severity and source, and a
// confidence score in [0,1] whenever the source is ai or hybrid.
func (i *Issue) Validate() error {
	if i.FilePath == "" {
		return fmt.Errorf("issue has empty file path")
	}
	if !i.Severity.Valid() {
		return fmt.Errorf("issue %s has invalid severity %q", i.FilePath, i.Severity)
	}
	switch i.Source {
	case SourceStatic:
	case SourceAI, SourceHybrid:
		if i.ConfidenceScore == nil {
			return fmt.Errorf("issue %s: confidence score required for source %s", i.FilePath, i.Source)
		}
	default:
		return fmt.Errorf("issue %s has invalid source %q", i.FilePath, i.Source)
	}
	if i.ConfidenceScore != nil && (*i.ConfidenceScore < 0 || *i.ConfidenceScore > 1) {
		return fmt.Errorf("issue %s: confidence %v out of range", i.FilePath, *i.ConfidenceScore)
	}
	return nil
}
