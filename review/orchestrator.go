// Package review drives scan jobs from the queue through checkout, analysis,
// aggregation and persistence.
package review

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sentinelcode/sentinel/analyzer"
	"github.com/sentinelcode/sentinel/config"
	"github.com/sentinelcode/sentinel/metrics"
	"github.com/sentinelcode/sentinel/models"
	"github.com/sentinelcode/sentinel/queue"
	"github.com/sentinelcode/sentinel/secrets"
	"github.com/sentinelcode/sentinel/storage"
	"github.com/sentinelcode/sentinel/vcs"
)

const (
	// DefaultConcurrency is the number of jobs processed in parallel.
	DefaultConcurrency = 4

	// DefaultMaxAttempts bounds deliveries per job before it fails for good.
	DefaultMaxAttempts = 3

	// DefaultJobTimeout is the wall-clock budget of one job attempt.
	DefaultJobTimeout = 10 * time.Minute

	// dequeueRetryDelay is the pause after a failed dequeue.
	dequeueRetryDelay = time.Second
)

// Options tunes the orchestrator.
type Options struct {
	Concurrency int
	MaxAttempts int
	JobTimeout  time.Duration
	// DefaultAnalyzers apply when a repository does not choose its own.
	DefaultAnalyzers []string
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = DefaultJobTimeout
	}
	if len(o.DefaultAnalyzers) == 0 {
		o.DefaultAnalyzers = []string{config.AnalyzerStatic, config.AnalyzerSecrets, config.AnalyzerAI}
	}
	return o
}

// AnalyzerFactory builds the analyzers enabled for one job.
type AnalyzerFactory interface {
	For(names []string, repo *config.Config) ([]analyzer.Analyzer, error)
}

// Orchestrator is the scan worker pool.
type Orchestrator struct {
	queue     queue.Queue
	store     storage.Storage
	fetcher   vcs.Fetcher
	secrets   secrets.Resolver
	analyzers AnalyzerFactory
	metrics   *metrics.PipelineMetrics
	opts      Options
	logger    *slog.Logger
	now       func() time.Time

	// leases maps in-progress deliveries to the stop func of their renewal.
	leases sync.Map
}

// NewOrchestrator creates an Orchestrator. m may be nil.
func NewOrchestrator(q queue.Queue, store storage.Storage, fetcher vcs.Fetcher, resolver secrets.Resolver, analyzers AnalyzerFactory, m *metrics.PipelineMetrics, opts Options, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		queue:     q,
		store:     store,
		fetcher:   fetcher,
		secrets:   resolver,
		analyzers: analyzers,
		metrics:   m,
		opts:      opts.withDefaults(),
		logger:    logger,
		now:       time.Now,
	}
}

// Run drains the queue with Concurrency workers until ctx is cancelled or
// the queue is closed. Jobs interrupted by cancellation are handed back to
// the queue.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("starting scan workers", "concurrency", o.opts.Concurrency, "max_attempts", o.opts.MaxAttempts, "job_timeout", o.opts.JobTimeout)

	g, gctx := errgroup.WithContext(ctx)
	for i := range o.opts.Concurrency {
		g.Go(func() error {
			return o.work(gctx, o.logger.With("worker", i))
		})
	}
	err := g.Wait()

	o.logger.Info("scan workers stopped")
	return err
}

func (o *Orchestrator) work(ctx context.Context, logger *slog.Logger) error {
	for {
		d, err := o.queue.Dequeue(ctx)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrClosed) || ctx.Err() != nil:
			return nil
		default:
			logger.Error("failed to dequeue job", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(dequeueRetryDelay):
			}
			continue
		}

		o.Process(ctx, d)
		o.recordDepth(ctx)
	}
}

// Process handles one delivery end to end and acks or nacks it.
func (o *Orchestrator) Process(ctx context.Context, d *queue.Delivery) {
	start := time.Now()
	logger := o.logger.With(
		"job_id", d.ID,
		"repository_id", d.Request.RepositoryID,
		"commit", d.Request.ShortSHA(),
		"attempt", d.Attempt,
	)

	rev, err := o.store.StartReview(ctx, d.ID, &d.Request, d.Attempt)
	switch {
	case errors.Is(err, models.ErrReviewTerminal):
		logger.Info("review already terminal, skipping job", "review_id", rev.ID, "status", rev.Status)
		o.ack(ctx, logger, d)
		return
	case err != nil:
		logger.Error("failed to start review", "error", err)
		o.requeueOrDrop(ctx, logger, d, models.ReasonPersistence)
		return
	}
	logger = logger.With("review_id", rev.ID)

	o.leases.Store(d, o.keepLease(ctx, logger, d))
	defer o.releaseLease(d)

	m := newMachine()
	result, err := o.execute(ctx, logger, m, rev, d)
	if err == nil {
		err = o.commit(ctx, logger, m, rev, d, result, start)
	}
	if err != nil {
		o.handleFailure(ctx, logger, m, rev, d, err, start)
	}
}

// execute runs checkout, analysis and aggregation under the job timeout.
func (o *Orchestrator) execute(ctx context.Context, logger *slog.Logger, m *machine, rev *models.Review, d *queue.Delivery) (result *storage.ReviewResult, err error) {
	jobCtx, cancel := context.WithTimeout(ctx, o.opts.JobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic during scan", "stage", m.stage, "panic", r)
			result, err = nil, &StageError{Stage: m.stage, Reason: models.ReasonInternal, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	start := time.Now()

	if err := m.advance(StageCheckingOut); err != nil {
		return nil, err
	}
	tree, err := o.checkout(jobCtx, &d.Request)
	if err != nil {
		return nil, o.classify(jobCtx, m.stage, err)
	}
	defer func() {
		if err := tree.Close(); err != nil {
			logger.Warn("failed to remove working tree", "path", tree.Root, "error", err)
		}
	}()
	logger.Debug("checked out tree", "changed_files", len(tree.Changed))

	if err := m.advance(StageAnalyzing); err != nil {
		return nil, err
	}
	fsys := tree.FS()
	cfg, notes := loadRepoConfig(fsys)
	changed := cfg.FilterFiles(tree.Changed)
	lastAttempt := d.Attempt >= o.opts.MaxAttempts

	findings, degraded, analyzeNotes, err := o.analyze(jobCtx, logger, cfg, fsys, changed, lastAttempt)
	if err != nil {
		return nil, o.classify(jobCtx, m.stage, err)
	}
	notes = append(notes, analyzeNotes...)

	if err := m.advance(StageAggregating); err != nil {
		return nil, err
	}
	agg := Aggregate(findings)
	for _, dropped := range agg.Dropped {
		logger.Warn("dropped invalid finding",
			"analyzer", dropped.Finding.Analyzer,
			"path", dropped.Finding.FilePath,
			"reason", dropped.Reason,
		)
	}
	if n := len(agg.Dropped); n > 0 {
		notes = append(notes, fmt.Sprintf("dropped %d invalid findings", n))
	}
	if err := jobCtx.Err(); err != nil {
		return nil, o.classify(jobCtx, m.stage, err)
	}

	return &storage.ReviewResult{
		Issues:       agg.Issues,
		Degraded:     degraded,
		Notes:        notes,
		AnalysisTime: time.Since(start),
		CompletedAt:  o.now().UTC(),
	}, nil
}

func (o *Orchestrator) checkout(ctx context.Context, req *models.ScanRequest) (*vcs.Tree, error) {
	repo, err := o.store.GetRepository(ctx, req.RepositoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to load repository: %w", err)
	}
	if repo == nil {
		return nil, fmt.Errorf("%w: repository %d no longer exists", models.ErrCheckoutFailed, req.RepositoryID)
	}

	token, err := o.accessToken(ctx, repo)
	if err != nil {
		return nil, err
	}
	return o.fetcher.FetchTree(ctx, repo, req, token)
}

// accessToken resolves the repository owner's token at call time. Public
// repositories without an owner reference clone anonymously.
func (o *Orchestrator) accessToken(ctx context.Context, repo *models.Repository) (string, error) {
	if repo.UserID == 0 {
		return "", nil
	}
	user, err := o.store.GetUser(ctx, repo.UserID)
	if err != nil {
		return "", fmt.Errorf("failed to load repository owner: %w", err)
	}
	if user == nil || user.AccessTokenRef == "" {
		return "", nil
	}

	token, err := o.secrets.Resolve(ctx, user.AccessTokenRef)
	switch {
	case errors.Is(err, secrets.ErrUnresolvable):
		return "", fmt.Errorf("%w: access token unavailable: %w", models.ErrCheckoutFailed, err)
	case err != nil:
		return "", fmt.Errorf("%w: resolve access token: %w", models.ErrCheckoutTransient, err)
	}
	return token, nil
}

// loadRepoConfig reads .sentinel.yml. An invalid file falls back to the
// defaults and is reported in the review notes.
func loadRepoConfig(fsys fs.FS) (*config.Config, []string) {
	cfg, err := config.Load(fsys)
	if err != nil {
		return config.DefaultConfig(), []string{err.Error()}
	}
	return cfg, nil
}

type analyzerRun struct {
	name     string
	findings []models.Finding
	err      error
}

// analyze runs every enabled analyzer concurrently. Failures are isolated:
// a failed analyzer contributes no findings and marks the result degraded.
// An unavailable upstream fails the attempt unless it is the last one.
func (o *Orchestrator) analyze(ctx context.Context, logger *slog.Logger, cfg *config.Config, fsys fs.FS, changed []string, lastAttempt bool) ([]models.Finding, bool, []string, error) {
	var (
		degraded  bool
		notes     []string
		analyzers []analyzer.Analyzer
	)

	for _, name := range cfg.AnalyzersOr(o.opts.DefaultAnalyzers) {
		built, err := o.analyzers.For([]string{name}, cfg)
		if err != nil {
			logger.Warn("analyzer unavailable", "analyzer", name, "error", err)
			degraded = true
			notes = append(notes, fmt.Sprintf("analyzer %s unavailable: %v", name, err))
			continue
		}
		analyzers = append(analyzers, built...)
	}

	runs := make([]analyzerRun, len(analyzers))
	var g errgroup.Group
	for i, a := range analyzers {
		g.Go(func() error {
			runs[i] = o.runAnalyzer(ctx, a, fsys, changed)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, false, nil, err
	}

	var findings []models.Finding
	for _, run := range runs {
		if run.err == nil {
			findings = append(findings, run.findings...)
			continue
		}
		if errors.Is(run.err, models.ErrUpstreamUnavailable) && !lastAttempt {
			return nil, false, nil, &StageError{
				Stage:     StageAnalyzing,
				Reason:    models.ReasonUpstreamUnavailable,
				Retryable: true,
				Err:       fmt.Errorf("analyzer %s: %w", run.name, run.err),
			}
		}
		logger.Warn("analyzer failed", "analyzer", run.name, "error", run.err)
		degraded = true
		notes = append(notes, fmt.Sprintf("analyzer %s failed: %v", run.name, run.err))
	}

	return findings, degraded, notes, nil
}

func (o *Orchestrator) runAnalyzer(ctx context.Context, a analyzer.Analyzer, fsys fs.FS, changed []string) (run analyzerRun) {
	start := time.Now()
	run.name = a.Name()

	defer func() {
		if r := recover(); r != nil {
			run.findings = nil
			run.err = fmt.Errorf("%w: panic: %v", models.ErrAnalyzerInfra, r)
		}
		outcome := metrics.OutcomeSuccess
		if run.err != nil {
			outcome = metrics.OutcomeError
		}
		o.metrics.AnalyzerRun(run.name, outcome, time.Since(start))
	}()

	run.findings, run.err = analyzer.Collect(a.Analyze(ctx, fsys, changed))
	return run
}

// classify maps a stage failure onto a StageError.
func (o *Orchestrator) classify(jobCtx context.Context, stage Stage, err error) error {
	var se *StageError
	if errors.As(err, &se) {
		return se
	}

	switch {
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		return &StageError{Stage: stage, Reason: models.ReasonAnalysisTimeout, Err: fmt.Errorf("%w after %s", models.ErrAnalysisTimeout, o.opts.JobTimeout)}
	case errors.Is(err, models.ErrCheckoutFailed):
		return &StageError{Stage: stage, Reason: models.ReasonCheckoutFailed, Err: err}
	case errors.Is(err, models.ErrCheckoutTransient):
		return &StageError{Stage: stage, Reason: models.ReasonCheckoutTransient, Retryable: true, Err: err}
	case errors.Is(err, models.ErrUpstreamUnavailable):
		return &StageError{Stage: stage, Reason: models.ReasonUpstreamUnavailable, Retryable: true, Err: err}
	default:
		return &StageError{Stage: stage, Reason: models.ReasonInternal, Retryable: true, Err: err}
	}
}

// commit persists a successful result. Persistence errors are returned as
// retryable stage errors.
func (o *Orchestrator) commit(ctx context.Context, logger *slog.Logger, m *machine, rev *models.Review, d *queue.Delivery, result *storage.ReviewResult, start time.Time) error {
	saved, err := o.store.CommitReview(ctx, rev.ID, result)
	switch {
	case errors.Is(err, models.ErrReviewTerminal):
		logger.Info("review became terminal concurrently, dropping result")
		o.ack(ctx, logger, d)
		return nil
	case err != nil:
		return &StageError{Stage: m.stage, Reason: models.ReasonPersistence, Retryable: true, Err: err}
	}
	if err := m.advance(StageCompleted); err != nil {
		return err
	}

	reason := metrics.OutcomeSuccess
	if saved.Degraded {
		reason = metrics.OutcomeDegraded
	}
	o.metrics.ReviewTerminal(string(models.ReviewCompleted), reason, d.Attempt)
	o.metrics.JobFinished(string(models.ReviewCompleted), time.Since(start))
	o.metrics.IssuesPersisted(string(models.SeverityCritical), saved.Counts.Critical)
	o.metrics.IssuesPersisted(string(models.SeverityHigh), saved.Counts.High)
	o.metrics.IssuesPersisted(string(models.SeverityMedium), saved.Counts.Medium)
	o.metrics.IssuesPersisted(string(models.SeverityLow), saved.Counts.Low)

	if err := o.store.TouchRepositoryScan(ctx, d.Request.RepositoryID, result.CompletedAt); err != nil {
		logger.Warn("failed to update repository scan time", "error", err)
	}

	logger.Info("review completed",
		"issues", saved.Counts.Total(),
		"quality_score", *saved.QualityScore,
		"degraded", saved.Degraded,
		"duration", time.Since(start),
	)
	o.ack(ctx, logger, d)
	return nil
}

func (o *Orchestrator) handleFailure(ctx context.Context, logger *slog.Logger, m *machine, rev *models.Review, d *queue.Delivery, err error, start time.Time) {
	if ctx.Err() != nil {
		logger.Info("job interrupted by shutdown, requeueing", "stage", m.stage)
		o.metrics.JobFinished("interrupted", time.Since(start))
		o.nack(ctx, logger, d, true)
		return
	}

	var se *StageError
	if !errors.As(err, &se) {
		se = &StageError{Stage: m.stage, Reason: models.ReasonInternal, Err: err}
	}

	if se.Retryable && d.Attempt < o.opts.MaxAttempts {
		logger.Warn("job attempt failed, retrying",
			"stage", se.Stage,
			"reason", se.Reason,
			"error", se.Err,
		)
		o.metrics.JobRetried(se.Reason)
		o.metrics.JobFinished("retried", time.Since(start))
		o.nack(ctx, logger, d, true)
		return
	}

	if err := m.advance(StageFailed); err != nil {
		logger.Error("unexpected state on failure", "error", err)
	}
	if err := o.store.FailReview(ctx, rev.ID, se.Reason, []string{se.Error()}); err != nil && !errors.Is(err, models.ErrReviewTerminal) {
		logger.Error("failed to record review failure", "reason", se.Reason, "error", err)
		o.nack(ctx, logger, d, false)
		return
	}

	logger.Warn("review failed", "stage", se.Stage, "reason", se.Reason, "error", se.Err)
	o.metrics.ReviewTerminal(string(models.ReviewFailed), se.Reason, d.Attempt)
	o.metrics.JobFinished(string(models.ReviewFailed), time.Since(start))
	o.ack(ctx, logger, d)
}

// requeueOrDrop handles jobs that could not even be started.
func (o *Orchestrator) requeueOrDrop(ctx context.Context, logger *slog.Logger, d *queue.Delivery, reason string) {
	if ctx.Err() != nil || d.Attempt < o.opts.MaxAttempts {
		o.metrics.JobRetried(reason)
		o.nack(ctx, logger, d, true)
		return
	}
	logger.Error("dead-lettering job", "reason", reason)
	o.nack(ctx, logger, d, false)
}

// keepLease renews the lease of d at a third of its remaining time until the
// returned func is called. Renewal outlives ctx so an interrupted job keeps
// its lease until it is handed back.
func (o *Orchestrator) keepLease(ctx context.Context, logger *slog.Logger, d *queue.Delivery) (stop func()) {
	interval := d.LeaseUntil.Sub(o.now()) / 3
	if interval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := o.queue.Extend(ctx, d)
			switch {
			case err == nil:
			case ctx.Err() != nil:
				return
			case errors.Is(err, queue.ErrLeaseLost) || errors.Is(err, queue.ErrUnknownJob):
				logger.Warn("job lease lost", "error", err)
				return
			default:
				logger.Warn("failed to extend job lease", "error", err)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (o *Orchestrator) releaseLease(d *queue.Delivery) {
	if stop, ok := o.leases.LoadAndDelete(d); ok {
		stop.(func())()
	}
}

// Queue acknowledgements outlive the job context so shutdown can still hand
// jobs back. Lease renewal stops first.
func (o *Orchestrator) ack(ctx context.Context, logger *slog.Logger, d *queue.Delivery) {
	o.releaseLease(d)
	if err := o.queue.Ack(context.WithoutCancel(ctx), d); err != nil {
		logger.Error("failed to ack job", "error", err)
	}
}

func (o *Orchestrator) nack(ctx context.Context, logger *slog.Logger, d *queue.Delivery, requeue bool) {
	o.releaseLease(d)
	if err := o.queue.Nack(context.WithoutCancel(ctx), d, requeue); err != nil {
		logger.Error("failed to nack job", "requeue", requeue, "error", err)
	}
}

func (o *Orchestrator) recordDepth(ctx context.Context) {
	depth, err := o.queue.Depth(ctx)
	if err != nil {
		return
	}
	o.metrics.SetQueueDepth(depth)
}
