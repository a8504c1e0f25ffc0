package analyzer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sentinelcode/sentinel/config"
	"github.com/sentinelcode/sentinel/models"
)

const (
	// DefaultMaxBatchBytes is the prompt budget per request.
	// ~100KB corresponds to roughly 25K tokens.
	DefaultMaxBatchBytes = 100 * 1024

	// DefaultRequestTimeout is the maximum time to wait for one model response.
	DefaultRequestTimeout = 2 * time.Minute

	// DefaultMaxRetries is the number of times a throttled request is retried.
	DefaultMaxRetries = 3

	// DefaultRetryBase is the initial delay between throttling retries.
	DefaultRetryBase = time.Second
)

// AIOptions tunes the model-backed analyzers.
type AIOptions struct {
	MaxBatchBytes  int
	RequestTimeout time.Duration
	MaxRetries     int
	RetryBase      time.Duration
	RetryMax       time.Duration

	// Per-repository settings from .sentinel.yml.
	Instructions   string
	ProjectContext string
	MinConfidence  float64
}

func (o AIOptions) withDefaults() AIOptions {
	if o.MaxBatchBytes <= 0 {
		o.MaxBatchBytes = DefaultMaxBatchBytes
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	// Negative disables retries.
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryBase <= 0 {
		o.RetryBase = DefaultRetryBase
	}
	if o.RetryMax < o.RetryBase {
		o.RetryMax = 30 * o.RetryBase
	}
	return o
}

// AIAnalyzer asks a language model to review changed files in batches.
type AIAnalyzer struct {
	completer Completer
	opts      AIOptions
	logger    *slog.Logger
}

// Verify AIAnalyzer implements Analyzer at compile time.
var _ Analyzer = (*AIAnalyzer)(nil)

// NewAIAnalyzer creates an AIAnalyzer.
func NewAIAnalyzer(completer Completer, opts AIOptions, logger *slog.Logger) *AIAnalyzer {
	return &AIAnalyzer{
		completer: completer,
		opts:      opts.withDefaults(),
		logger:    logger,
	}
}

func (a *AIAnalyzer) Name() string { return config.AnalyzerAI }

func (a *AIAnalyzer) Analyze(ctx context.Context, tree fs.FS, changed []string) iter.Seq2[models.Finding, error] {
	return func(yield func(models.Finding, error) bool) {
		files, err := loadSources(tree, changed)
		if err != nil {
			fail(yield, fmt.Errorf("%w: %v", models.ErrAnalyzerInfra, err))
			return
		}

		system := BuildSystemPrompt(a.opts.ProjectContext, a.opts.Instructions)
		for _, batch := range BatchFiles(files, a.opts.MaxBatchBytes) {
			a.logger.Debug("reviewing batch", "batch", batch.String())

			reply, err := complete(ctx, a.completer, a.opts, a.logger, system, BuildAnalyzePrompt(&batch))
			if err != nil {
				fail(yield, err)
				return
			}

			var resp analyzeResponse
			if err := parseJSON(reply, &resp); err != nil {
				fail(yield, fmt.Errorf("%w: %v", models.ErrAnalyzerInfra, err))
				return
			}

			known := batch.Paths()
			for _, mf := range resp.Findings {
				f := mf.toFinding(config.AnalyzerAI, models.SourceAI)
				if !known[f.FilePath] {
					a.logger.Warn("dropped finding for file outside batch", "path", f.FilePath, "line", f.Line)
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
}

// complete sends one request with a per-request timeout. Throttled requests
// are retried with exponential backoff; exhausting the retries, or any
// server or network failure, yields ErrUpstreamUnavailable.
func complete(ctx context.Context, c Completer, opts AIOptions, logger *slog.Logger, system, prompt string) (string, error) {
	var reply string
	op := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, opts.RequestTimeout)
		defer cancel()

		out, err := c.Complete(reqCtx, system, prompt)
		switch {
		case err == nil:
			reply = out
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case errors.Is(err, models.ErrThrottled):
			return err
		case errors.Is(reqCtx.Err(), context.DeadlineExceeded):
			return backoff.Permanent(fmt.Errorf("%w: request timed out after %s", models.ErrUpstreamUnavailable, opts.RequestTimeout))
		default:
			return backoff.Permanent(err)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.RetryBase
	b.MaxInterval = opts.RetryMax
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(opts.MaxRetries, 0))), ctx)

	notify := func(err error, delay time.Duration) {
		logger.Warn("retrying after throttling", "delay", delay, "error", err)
	}

	err := backoff.RetryNotify(op, policy, notify)
	switch {
	case err == nil:
		return reply, nil
	case ctx.Err() != nil:
		return "", ctx.Err()
	case errors.Is(err, models.ErrThrottled):
		return "", fmt.Errorf("%w: max retries exceeded: %v", models.ErrUpstreamUnavailable, err)
	case errors.Is(err, models.ErrUpstreamUnavailable):
		return "", err
	default:
		return "", fmt.Errorf("%w: %v", models.ErrAnalyzerInfra, err)
	}
}
