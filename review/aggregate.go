package review

import (
	"cmp"
	"slices"

	"github.com/sentinelcode/sentinel/models"
)

// Dropped is a finding the aggregator rejected.
type Dropped struct {
	Finding models.Finding
	Reason  string
}

// Aggregation is the deduplicated, ordered result of one analysis.
type Aggregation struct {
	Issues  []models.Issue
	Counts  models.SeverityCounts
	Score   int
	Dropped []Dropped
}

type dedupKey struct {
	path      string
	line      int
	issueType string
}

// Aggregate validates, deduplicates and orders findings. Findings sharing
// (file, line, issue type) collapse into the most confident one; when the
// duplicates came from different sources the survivor is marked hybrid and
// takes the highest confidence seen. Static findings count as fully
// confident. The result order is total, so equal inputs give equal output.
func Aggregate(findings []models.Finding) *Aggregation {
	agg := &Aggregation{}
	index := make(map[dedupKey]int)
	var merged []models.Issue

	for _, f := range findings {
		issue := toIssue(f)
		if err := issue.Validate(); err != nil {
			agg.Dropped = append(agg.Dropped, Dropped{Finding: f, Reason: err.Error()})
			continue
		}
		if f.Line < 0 {
			agg.Dropped = append(agg.Dropped, Dropped{Finding: f, Reason: "negative line number"})
			continue
		}

		key := dedupKey{path: f.FilePath, line: f.Line, issueType: f.IssueType}
		i, seen := index[key]
		if !seen {
			index[key] = len(merged)
			merged = append(merged, issue)
			continue
		}
		merged[i] = mergeIssues(merged[i], issue)
	}

	slices.SortStableFunc(merged, compareIssues)
	for i := range merged {
		merged[i].Position = i
	}

	agg.Issues = merged
	agg.Counts = models.CountIssues(merged)
	agg.Score = models.QualityScore(agg.Counts)
	return agg
}

func toIssue(f models.Finding) models.Issue {
	issue := models.Issue{
		FilePath:        f.FilePath,
		IssueType:       f.IssueType,
		Severity:        f.Severity,
		Title:           f.Title,
		Description:     f.Description,
		FixSuggestion:   f.FixSuggestion,
		CodeSnippet:     f.CodeSnippet,
		ConfidenceScore: f.Confidence,
		Source:          f.Source,
		StaticRuleID:    f.RuleID,
	}
	if f.Line > 0 {
		issue.LineNumber = models.Int(f.Line)
	}
	if issue.Title == "" {
		issue.Title = f.RuleID
	}
	return issue
}

// mergeIssues combines two issues with the same dedup key.
func mergeIssues(a, b models.Issue) models.Issue {
	ca, cb := a.EffectiveConfidence(), b.EffectiveConfidence()

	keep, other := a, b
	if cb > ca || (cb == ca && b.Severity.Rank() > a.Severity.Rank()) {
		keep, other = b, a
	}

	if keep.StaticRuleID == "" {
		keep.StaticRuleID = other.StaticRuleID
	}
	if keep.FixSuggestion == "" {
		keep.FixSuggestion = other.FixSuggestion
	}
	if keep.CodeSnippet == "" {
		keep.CodeSnippet = other.CodeSnippet
	}

	if a.Source != b.Source {
		keep.Source = models.SourceHybrid
		keep.ConfidenceScore = models.Float64(max(ca, cb))
	}
	return keep
}

func lineOf(i models.Issue) int {
	if i.LineNumber == nil {
		return 0
	}
	return *i.LineNumber
}

// compareIssues orders by severity (most severe first), confidence (highest
// first), then path, line, issue type and title.
func compareIssues(a, b models.Issue) int {
	if c := cmp.Compare(b.Severity.Rank(), a.Severity.Rank()); c != 0 {
		return c
	}
	if c := cmp.Compare(b.EffectiveConfidence(), a.EffectiveConfidence()); c != 0 {
		return c
	}
	if c := cmp.Compare(a.FilePath, b.FilePath); c != 0 {
		return c
	}
	if c := cmp.Compare(lineOf(a), lineOf(b)); c != 0 {
		return c
	}
	if c := cmp.Compare(a.IssueType, b.IssueType); c != 0 {
		return c
	}
	return cmp.Compare(a.Title, b.Title)
}
