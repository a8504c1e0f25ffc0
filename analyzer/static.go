package analyzer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"regexp"
	"slices"

	"github.com/sentinelcode/sentinel/config"
	"github.com/sentinelcode/sentinel/models"
)

// Rule is a line-oriented static check.
type Rule struct {
	ID        string
	Languages []string // empty matches every language
	Pattern   *regexp.Regexp
	// Unless suppresses a match on the same line, e.g. an explicit safe loader.
	Unless        *regexp.Regexp
	IssueType     string
	Severity      models.Severity
	Title         string
	Description   string
	FixSuggestion string
}

func (r *Rule) appliesTo(lang string) bool {
	return len(r.Languages) == 0 || slices.Contains(r.Languages, lang)
}

func (r *Rule) match(line string) bool {
	if !r.Pattern.MatchString(line) {
		return false
	}
	return r.Unless == nil || !r.Unless.MatchString(line)
}

// DefaultRules returns the built-in rule set. Rule ids follow the upstream
// tool they mirror (bandit, gosec, eslint).
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:            "bandit-B602",
			Languages:     []string{"python"},
			Pattern:       regexp.MustCompile(`subprocess\.\w+\(.*shell\s*=\s*True`),
			IssueType:     models.IssueSecurity,
			Severity:      models.SeverityHigh,
			Title:         "Subprocess call with shell=True",
			Description:   "Spawning a shell with interpolated input allows command injection.",
			FixSuggestion: "Pass the command as an argument list and drop shell=True.",
		},
		{
			ID:            "bandit-B307",
			Languages:     []string{"python"},
			Pattern:       regexp.MustCompile(`(^|[^.\w])eval\(`),
			IssueType:     models.IssueSecurity,
			Severity:      models.SeverityMedium,
			Title:         "Use of eval",
			Description:   "eval executes arbitrary code.",
			FixSuggestion: "Use ast.literal_eval for literals or an explicit parser.",
		},
		{
			ID:            "bandit-B301",
			Languages:     []string{"python"},
			Pattern:       regexp.MustCompile(`\bpickle\.loads?\(`),
			IssueType:     models.IssueSecurity,
			Severity:      models.SeverityMedium,
			Title:         "Deserialization with pickle",
			Description:   "Unpickling untrusted data can execute arbitrary code.",
			FixSuggestion: "Use a data-only format such as JSON for untrusted input.",
		},
		{
			ID:            "bandit-B506",
			Languages:     []string{"python"},
			Pattern:       regexp.MustCompile(`\byaml\.load\(`),
			Unless:        regexp.MustCompile(`Loader\s*=\s*(yaml\.)?SafeLoader`),
			IssueType:     models.IssueSecurity,
			Severity:      models.SeverityMedium,
			Title:         "yaml.load without SafeLoader",
			Description:   "yaml.load can construct arbitrary Python objects.",
			FixSuggestion: "Use yaml.safe_load.",
		},
		{
			ID:            "bandit-B608",
			Languages:     []string{"python"},
			Pattern:       regexp.MustCompile(`\.execute(many)?\(\s*(f["']|["'][^"']*["']\s*(%|\+|\.format\())`),
			IssueType:     models.IssueSecurity,
			Severity:      models.SeverityHigh,
			Title:         "Possible SQL injection via string-built query",
			Description:   "The query text is built from runtime values instead of bound parameters.",
			FixSuggestion: "Pass values as query parameters.",
		},
		{
			ID:            "bandit-B324",
			Languages:     []string{"python"},
			Pattern:       regexp.MustCompile(`\bhashlib\.(md5|sha1)\(`),
			IssueType:     models.IssueSecurity,
			Severity:      models.SeverityLow,
			Title:         "Weak hash function",
			Description:   "MD5 and SHA1 are unsuitable for security purposes.",
			FixSuggestion: "Use hashlib.sha256 or pass usedforsecurity=False for non-security uses.",
		},
		{
			ID:            "gosec-G402",
			Languages:     []string{"go"},
			Pattern:       regexp.MustCompile(`InsecureSkipVerify:\s*true`),
			IssueType:     models.IssueSecurity,
			Severity:      models.SeverityHigh,
			Title:         "TLS certificate verification disabled",
			Description:   "InsecureSkipVerify accepts any certificate, enabling man-in-the-middle attacks.",
			FixSuggestion: "Remove InsecureSkipVerify and configure RootCAs instead.",
		},
		{
			ID:            "gosec-G201",
			Languages:     []string{"go"},
			Pattern:       regexp.MustCompile(`\.(Query|QueryRow|Exec)(Context)?\(.*fmt\.Sprintf\(`),
			IssueType:     models.IssueSecurity,
			Severity:      models.SeverityHigh,
			Title:         "SQL query built with fmt.Sprintf",
			Description:   "Formatting values into SQL text allows injection.",
			FixSuggestion: "Use placeholders and pass values as arguments.",
		},
		{
			ID:            "gosec-G401",
			Languages:     []string{"go"},
			Pattern:       regexp.MustCompile(`\b(md5|sha1)\.(New|Sum)\(`),
			IssueType:     models.IssueSecurity,
			Severity:      models.SeverityMedium,
			Title:         "Weak cryptographic primitive",
			Description:   "MD5 and SHA1 are broken for collision resistance.",
			FixSuggestion: "Use crypto/sha256.",
		},
		{
			ID:            "gosec-G204",
			Languages:     []string{"go"},
			Pattern:       regexp.MustCompile(`exec\.Command(Context)?\((ctx,\s*)?[A-Za-z_]`),
			IssueType:     models.IssueSecurity,
			Severity:      models.SeverityMedium,
			Title:         "Subprocess launched with variable command",
			Description:   "The executable name is not a constant.",
			FixSuggestion: "Validate the command against an allow-list.",
		},
		{
			ID:            "gosec-G404",
			Languages:     []string{"go"},
			Pattern:       regexp.MustCompile(`"math/rand(/v2)?"`),
			IssueType:     models.IssueSecurity,
			Severity:      models.SeverityLow,
			Title:         "Non-cryptographic random source",
			Description:   "math/rand is predictable.",
			FixSuggestion: "Use crypto/rand for tokens and keys.",
		},
		{
			ID:            "eslint-no-eval",
			Languages:     []string{"javascript", "typescript"},
			Pattern:       regexp.MustCompile(`(^|[^.\w])eval\(|new Function\(`),
			IssueType:     models.IssueSecurity,
			Severity:      models.SeverityHigh,
			Title:         "Dynamic code evaluation",
			Description:   "eval and new Function execute arbitrary strings as code.",
			FixSuggestion: "Replace with JSON.parse or explicit dispatch.",
		},
		{
			ID:            "eslint-no-unsanitized",
			Languages:     []string{"javascript", "typescript"},
			Pattern:       regexp.MustCompile(`\.(innerHTML|outerHTML)\s*=|dangerouslySetInnerHTML`),
			IssueType:     models.IssueSecurity,
			Severity:      models.SeverityMedium,
			Title:         "Unsanitized HTML assignment",
			Description:   "Assigning markup from variables enables cross-site scripting.",
			FixSuggestion: "Use textContent or sanitize the markup first.",
		},
		{
			ID:            "eslint-no-implied-eval",
			Languages:     []string{"javascript", "typescript"},
			Pattern:       regexp.MustCompile(`\bset(Timeout|Interval)\(\s*["'\x60]`),
			IssueType:     models.IssueSecurity,
			Severity:      models.SeverityLow,
			Title:         "String passed to timer",
			Description:   "Timers evaluate string arguments as code.",
			FixSuggestion: "Pass a function instead of a string.",
		},
		{
			ID:            "eslint-no-console",
			Languages:     []string{"javascript", "typescript"},
			Pattern:       regexp.MustCompile(`\bconsole\.(log|debug)\(`),
			IssueType:     models.IssueStyle,
			Severity:      models.SeverityLow,
			Title:         "Leftover console logging",
			FixSuggestion: "Remove the statement or use the application logger.",
		},
	}
}

// StaticRuleAnalyzer applies deterministic line rules to changed files.
type StaticRuleAnalyzer struct {
	rules []Rule
}

// Verify StaticRuleAnalyzer implements Analyzer at compile time.
var _ Analyzer = (*StaticRuleAnalyzer)(nil)

// NewStaticRuleAnalyzer creates an analyzer over rules.
func NewStaticRuleAnalyzer(rules []Rule) *StaticRuleAnalyzer {
	return &StaticRuleAnalyzer{rules: rules}
}

func (a *StaticRuleAnalyzer) Name() string { return config.AnalyzerStatic }

func (a *StaticRuleAnalyzer) Analyze(ctx context.Context, tree fs.FS, changed []string) iter.Seq2[models.Finding, error] {
	return func(yield func(models.Finding, error) bool) {
		for _, path := range changed {
			if err := ctx.Err(); err != nil {
				fail(yield, err)
				return
			}

			rules := a.rulesFor(DetectLanguage(path))
			if len(rules) == 0 {
				continue
			}

			content, err := readSource(tree, path)
			if errors.Is(err, errSkipFile) {
				continue
			}
			if err != nil {
				fail(yield, fmt.Errorf("%w: %v", models.ErrAnalyzerInfra, err))
				return
			}

			for f := range scanRules(path, content, rules) {
				if !yield(f, nil) {
					return
				}
			}
		}
	}
}

func (a *StaticRuleAnalyzer) rulesFor(lang string) []*Rule {
	var out []*Rule
	for i := range a.rules {
		if a.rules[i].appliesTo(lang) {
			out = append(out, &a.rules[i])
		}
	}
	return out
}

func scanRules(path string, content []byte, rules []*Rule) iter.Seq[models.Finding] {
	return func(yield func(models.Finding) bool) {
		scanner := bufio.NewScanner(bytes.NewReader(content))
		scanner.Buffer(make([]byte, 0, 64*1024), MaxFileBytes)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()
			for _, r := range rules {
				if !r.match(line) {
					continue
				}
				f := models.Finding{
					Analyzer:      config.AnalyzerStatic,
					FilePath:      path,
					Line:          lineNo,
					IssueType:     r.IssueType,
					Severity:      r.Severity,
					Title:         r.Title,
					Description:   r.Description,
					FixSuggestion: r.FixSuggestion,
					CodeSnippet:   snippet(line),
					Source:        models.SourceStatic,
					RuleID:        r.ID,
				}
				if !yield(f) {
					return
				}
			}
		}
	}
}
