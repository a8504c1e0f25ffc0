package models

// Finding is raw analyzer output. Each Finding maps 1:1 to a candidate
// Issue before aggregation.
type Finding struct {
	Analyzer      string   `json:"analyzer"`
	FilePath      string   `json:"file_path"`
	Line          int      `json:"line,omitempty"` // 0 when the finding is file-level
	IssueType     string   `json:"issue_type"`
	Severity      Severity `json:"severity"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	FixSuggestion string   `json:"fix_suggestion,omitempty"`
	CodeSnippet   string   `json:"code_snippet,omitempty"`
	Confidence    *float64 `json:"confidence,omitempty"`
	Source        Source   `json:"source"`
	RuleID        string   `json:"rule_id,omitempty"`
}

// Float64 returns a pointer to v.
func Float64(v float64) *float64 {
	return &v
}

// Int returns a pointer to v.
func Int(v int) *int {
	return &v
}
