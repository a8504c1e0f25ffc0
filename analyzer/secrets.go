package analyzer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
	"github.com/zricethezav/gitleaks/v8/report"

	"github.com/sentinelcode/sentinel/config"
	"github.com/sentinelcode/sentinel/models"
)

const redacted = "REDACTED"

// SecretsAnalyzer scans changed files for committed credentials with the
// gitleaks default rule set.
type SecretsAnalyzer struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// Verify SecretsAnalyzer implements Analyzer at compile time.
var _ Analyzer = (*SecretsAnalyzer)(nil)

// NewSecretsAnalyzer loads the gitleaks default configuration. The loader
// goes through viper's global instance, so call it once at startup.
func NewSecretsAnalyzer() (*SecretsAnalyzer, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize detector: %w", err)
	}
	d.Redact = true
	return &SecretsAnalyzer{detector: d}, nil
}

func (a *SecretsAnalyzer) Name() string { return config.AnalyzerSecrets }

func (a *SecretsAnalyzer) Analyze(ctx context.Context, tree fs.FS, changed []string) iter.Seq2[models.Finding, error] {
	return func(yield func(models.Finding, error) bool) {
		for _, path := range changed {
			if err := ctx.Err(); err != nil {
				fail(yield, err)
				return
			}

			content, err := readSource(tree, path)
			if errors.Is(err, errSkipFile) {
				continue
			}
			if err != nil {
				fail(yield, fmt.Errorf("%w: %v", models.ErrAnalyzerInfra, err))
				return
			}

			for _, leak := range a.detect(path, content) {
				if !yield(secretFinding(path, leak), nil) {
					return
				}
			}
		}
	}
}

func (a *SecretsAnalyzer) detect(path string, content []byte) []report.Finding {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.detector.Detect(detect.Fragment{
		Raw:      string(content),
		FilePath: path,
	})
}

func secretFinding(path string, leak report.Finding) models.Finding {
	match := leak.Match
	if leak.Secret != "" {
		match = strings.ReplaceAll(match, leak.Secret, redacted)
	}
	title := leak.Description
	if title == "" {
		title = "Hardcoded secret"
	}
	return models.Finding{
		Analyzer: config.AnalyzerSecrets,
		FilePath: path,
		// Fragment line numbers are zero-based.
		Line:          leak.StartLine + 1,
		IssueType:     models.IssueSecurity,
		Severity:      models.SeverityCritical,
		Title:         title,
		Description:   fmt.Sprintf("A value matching the %s rule is committed in plain text.", leak.RuleID),
		FixSuggestion: "Revoke the credential, remove it from history and load it from a secret store.",
		CodeSnippet:   snippet(match),
		Source:        models.SourceStatic,
		RuleID:        "gitleaks-" + leak.RuleID,
	}
}
