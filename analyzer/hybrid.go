package analyzer

import (
	"context"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"slices"

	"github.com/sentinelcode/sentinel/config"
	"github.com/sentinelcode/sentinel/models"
)

// HybridAnalyzer runs the static rules, then asks the model to triage each
// candidate in one pass. Confirmed candidates carry the model's confidence;
// rejected ones are dropped. The model may add findings for the same files.
type HybridAnalyzer struct {
	static    *StaticRuleAnalyzer
	completer Completer
	opts      AIOptions
	logger    *slog.Logger
}

// Verify HybridAnalyzer implements Analyzer at compile time.
var _ Analyzer = (*HybridAnalyzer)(nil)

func NewHybridAnalyzer(static *StaticRuleAnalyzer, completer Completer, opts AIOptions, logger *slog.Logger) *HybridAnalyzer {
	return &HybridAnalyzer{
		static:    static,
		completer: completer,
		opts:      opts.withDefaults(),
		logger:    logger,
	}
}

func (a *HybridAnalyzer) Name() string { return config.AnalyzerHybrid }

func (a *HybridAnalyzer) Analyze(ctx context.Context, tree fs.FS, changed []string) iter.Seq2[models.Finding, error] {
	return func(yield func(models.Finding, error) bool) {
		candidates, err := Collect(a.static.Analyze(ctx, tree, changed))
		if err != nil {
			fail(yield, err)
			return
		}
		if len(candidates) == 0 {
			return
		}

		var paths []string
		for _, c := range candidates {
			if !slices.Contains(paths, c.FilePath) {
				paths = append(paths, c.FilePath)
			}
		}
		files, err := loadSources(tree, paths)
		if err != nil {
			fail(yield, fmt.Errorf("%w: %v", models.ErrAnalyzerInfra, err))
			return
		}
		files = fitBudget(files, a.opts.MaxBatchBytes)

		prompt := BuildTriagePrompt(triageCandidates(candidates), files)
		reply, err := complete(ctx, a.completer, a.opts, a.logger, BuildSystemPrompt(a.opts.ProjectContext, a.opts.Instructions), prompt)
		if err != nil {
			fail(yield, err)
			return
		}

		var resp triageResponse
		if err := parseJSON(reply, &resp); err != nil {
			fail(yield, fmt.Errorf("%w: %v", models.ErrAnalyzerInfra, err))
			return
		}

		verdicts := make(map[int]verdict, len(resp.Verdicts))
		for _, v := range resp.Verdicts {
			verdicts[v.ID] = v
		}

		for i, c := range candidates {
			c.Analyzer = config.AnalyzerHybrid
			if v, ok := verdicts[i]; ok {
				if v.FalsePositive {
					a.logger.Debug("candidate rejected by triage", "rule_id", c.RuleID, "path", c.FilePath, "line", c.Line)
					continue
				}
				c.Source = models.SourceHybrid
				c.Confidence = v.Confidence
				if c.Confidence == nil {
					c.Confidence = models.Float64(1)
				}
				if v.Rationale != "" {
					c.Description = joinNonEmpty(c.Description, v.Rationale)
				}
			}
			if !yield(c, nil) {
				return
			}
		}

		known := make(map[string]bool, len(files))
		for _, f := range files {
			known[f.Path] = true
		}
		for _, mf := range resp.Findings {
			f := mf.toFinding(config.AnalyzerHybrid, models.SourceHybrid)
			if !known[f.FilePath] {
				continue
			}
			if f.Confidence != nil && *f.Confidence < a.opts.MinConfidence {
				continue
			}
			if !yield(f, nil) {
				return
			}
		}
	}
}

func triageCandidates(findings []models.Finding) []triageCandidate {
	out := make([]triageCandidate, len(findings))
	for i, f := range findings {
		out[i] = triageCandidate{
			ID:       i,
			RuleID:   f.RuleID,
			FilePath: f.FilePath,
			Line:     f.Line,
			Severity: f.Severity.String(),
			Title:    f.Title,
			Snippet:  f.CodeSnippet,
		}
	}
	return out
}

// fitBudget keeps whole files in order until maxBytes is reached; the first
// file is truncated if it alone exceeds the budget.
func fitBudget(files []SourceFile, maxBytes int) []SourceFile {
	var out []SourceFile
	used := 0
	for _, f := range files {
		if used+len(f.Content) > maxBytes {
			if len(out) == 0 {
				f.Content = truncate(f.Content, maxBytes)
				out = append(out, f)
			}
			break
		}
		out = append(out, f)
		used += len(f.Content)
	}
	return out
}

func joinNonEmpty(a, b string) string {
	if a == "" {
		return b
	}
	return a + "\n\n" + b
}
