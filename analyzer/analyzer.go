// Package analyzer runs static, secret, AI and hybrid analysis over a
// checked-out tree and streams the resulting findings.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"

	"github.com/sentinelcode/sentinel/config"
	"github.com/sentinelcode/sentinel/models"
)

// Analyzer produces findings for the changed files of a tree. The returned
// sequence is lazy and finite; ranging over it again re-reads the tree. A
// non-nil error element means the analyzer failed and its findings for this
// run must be discarded.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, tree fs.FS, changed []string) iter.Seq2[models.Finding, error]
}

// Completer sends one prompt to a language model and returns its text reply.
// Implementations return models.ErrThrottled when asked to back off and
// models.ErrUpstreamUnavailable for server or network failures.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// ErrUnknownAnalyzer is returned by Set.For for names it cannot build.
var ErrUnknownAnalyzer = errors.New("unknown analyzer")

// Set holds the process-wide analyzer dependencies and builds the analyzers
// enabled for one job.
type Set struct {
	static    *StaticRuleAnalyzer
	secrets   *SecretsAnalyzer
	completer Completer
	aiOpts    AIOptions
	logger    *slog.Logger
}

// NewSet creates a Set. secrets or completer may be nil, in which case the
// corresponding analyzers are reported as unavailable.
func NewSet(static *StaticRuleAnalyzer, secrets *SecretsAnalyzer, completer Completer, aiOpts AIOptions, logger *slog.Logger) *Set {
	if static == nil {
		static = NewStaticRuleAnalyzer(DefaultRules())
	}
	return &Set{
		static:    static,
		secrets:   secrets,
		completer: completer,
		aiOpts:    aiOpts.withDefaults(),
		logger:    logger,
	}
}

// For returns the analyzers named in names, configured with the repository's
// review settings.
func (s *Set) For(names []string, repo *config.Config) ([]Analyzer, error) {
	if repo == nil {
		repo = config.DefaultConfig()
	}
	opts := s.aiOpts
	opts.Instructions = repo.Instructions
	opts.ProjectContext = repo.ProjectContext
	opts.MinConfidence = repo.MinConfidence

	analyzers := make([]Analyzer, 0, len(names))
	for _, name := range names {
		switch name {
		case config.AnalyzerStatic:
			analyzers = append(analyzers, s.static)
		case config.AnalyzerSecrets:
			if s.secrets == nil {
				return nil, fmt.Errorf("%w: %s is not configured", ErrUnknownAnalyzer, name)
			}
			analyzers = append(analyzers, s.secrets)
		case config.AnalyzerAI:
			if s.completer == nil {
				return nil, fmt.Errorf("%w: %s has no completer", ErrUnknownAnalyzer, name)
			}
			analyzers = append(analyzers, NewAIAnalyzer(s.completer, opts, s.logger))
		case config.AnalyzerHybrid:
			if s.completer == nil {
				return nil, fmt.Errorf("%w: %s has no completer", ErrUnknownAnalyzer, name)
			}
			analyzers = append(analyzers, NewHybridAnalyzer(s.static, s.completer, opts, s.logger))
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownAnalyzer, name)
		}
	}
	return analyzers, nil
}

// Collect drains seq into a slice, stopping at the first error.
func Collect(seq iter.Seq2[models.Finding, error]) ([]models.Finding, error) {
	var findings []models.Finding
	for f, err := range seq {
		if err != nil {
			return nil, err
		}
		findings = append(findings, f)
	}
	return findings, nil
}

// fail yields a single error element.
func fail(yield func(models.Finding, error) bool, err error) {
	yield(models.Finding{}, err)
}
