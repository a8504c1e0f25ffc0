package review

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sentinelcode/sentinel/analyzer"
	"github.com/sentinelcode/sentinel/config"
	"github.com/sentinelcode/sentinel/models"
	"github.com/sentinelcode/sentinel/queue"
	"github.com/sentinelcode/sentinel/secrets"
	"github.com/sentinelcode/sentinel/storage/memory"
	"github.com/sentinelcode/sentinel/vcs"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testSHA = "0123456789abcdef0123456789abcdef01234567"

type fakeAnalyzer struct {
	name     string
	findings []models.Finding
	err      error
	block    bool
	delay    time.Duration
	panics   bool
	calls    atomic.Int32
}

func (f *fakeAnalyzer) Name() string { return f.name }

func (f *fakeAnalyzer) Analyze(ctx context.Context, _ fs.FS, _ []string) iter.Seq2[models.Finding, error] {
	return func(yield func(models.Finding, error) bool) {
		f.calls.Add(1)
		if f.panics {
			panic("analyzer exploded")
		}
		if f.block {
			<-ctx.Done()
			yield(models.Finding{}, ctx.Err())
			return
		}
		if f.delay > 0 {
			select {
			case <-ctx.Done():
				yield(models.Finding{}, ctx.Err())
				return
			case <-time.After(f.delay):
			}
		}
		for _, finding := range f.findings {
			if !yield(finding, nil) {
				return
			}
		}
		if f.err != nil {
			yield(models.Finding{}, f.err)
		}
	}
}

type fakeFactory map[string]analyzer.Analyzer

func (f fakeFactory) For(names []string, _ *config.Config) ([]analyzer.Analyzer, error) {
	var out []analyzer.Analyzer
	for _, name := range names {
		a, ok := f[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", analyzer.ErrUnknownAnalyzer, name)
		}
		out = append(out, a)
	}
	return out, nil
}

// fakeFetcher serves a local directory, failing with the queued errors first.
type fakeFetcher struct {
	root string

	mu     sync.Mutex
	errs   []error
	tokens []string
	calls  int
}

func (f *fakeFetcher) FetchTree(_ context.Context, _ *models.Repository, req *models.ScanRequest, token string) (*vcs.Tree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.tokens = append(f.tokens, token)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return vcs.LocalTree(f.root, req.CommitSHA)
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	orch    *Orchestrator
	intake  *Intake
	store   *memory.Store
	queue   *queue.Memory
	fetcher *fakeFetcher
	repo    *models.Repository

	analyzers fakeFactory
	resolver  secrets.Resolver
	opts      Options
	logger    *slog.Logger
}

func newHarness(t *testing.T, analyzers fakeFactory, opts Options) *harness {
	t.Helper()
	ctx := context.Background()

	root := t.TempDir()
	writeFile(t, root, "app.py", "import subprocess\nsubprocess.call(cmd, shell=True)\n")
	writeFile(t, root, "lib.go", "package lib\n")

	store := memory.New()
	user := &models.User{Username: "octocat", AccessTokenRef: "env:OCTO_TOKEN"}
	require.NoError(t, store.SaveUser(ctx, user))
	repo := &models.Repository{
		UserID:           user.ID,
		Platform:         models.PlatformGitHub,
		ExternalID:       "42",
		RepoName:         "acme/app",
		IsEnabled:        true,
		WebhookSecretRef: "env:HOOK_SECRET",
	}
	require.NoError(t, store.SaveRepository(ctx, repo))

	if opts.JobTimeout == 0 {
		opts.JobTimeout = 5 * time.Second
	}
	if opts.DefaultAnalyzers == nil {
		opts.DefaultAnalyzers = []string{config.AnalyzerStatic, config.AnalyzerAI}
	}

	h := &harness{
		store:     store,
		fetcher:   &fakeFetcher{root: root},
		repo:      repo,
		analyzers: analyzers,
		resolver:  secrets.Static{"env:OCTO_TOKEN": "gho_token"},
		opts:      opts,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	h.useQueue(t, queue.Options{RetryBase: time.Millisecond, RetryMax: time.Millisecond})
	return h
}

// useQueue replaces the queue and rewires the orchestrator and intake to it.
func (h *harness) useQueue(t *testing.T, opts queue.Options) {
	t.Helper()
	q := queue.NewMemory(opts)
	t.Cleanup(func() { _ = q.Close() })
	h.queue = q
	h.rewire()
}

func (h *harness) useResolver(r secrets.Resolver) {
	h.resolver = r
	h.rewire()
}

func (h *harness) rewire() {
	h.orch = NewOrchestrator(h.queue, h.store, h.fetcher, h.resolver, h.analyzers, nil, h.opts, h.logger)
	h.intake = NewIntake(h.store, h.queue, h.logger)
}

func writeFile(t *testing.T, root, name, content string) {
	t.Helper()
	path := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (h *harness) submit(t *testing.T, sha string) *Accepted {
	t.Helper()
	acc, err := h.intake.Submit(context.Background(), &models.ScanRequest{
		RepositoryID: h.repo.ID,
		CommitSHA:    sha,
		TriggerEvent: models.TriggerPush,
		RequestedAt:  time.Now(),
	})
	require.NoError(t, err)
	return acc
}

// processNext dequeues one delivery and runs it to completion.
func (h *harness) processNext(t *testing.T) *queue.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := h.queue.Dequeue(ctx)
	require.NoError(t, err)
	h.orch.Process(context.Background(), d)
	return d
}

func (h *harness) review(t *testing.T, id int64) *models.Review {
	t.Helper()
	rev, err := h.store.GetReview(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, rev)
	return rev
}

func (h *harness) depth(t *testing.T) int {
	t.Helper()
	n, err := h.queue.Depth(context.Background())
	require.NoError(t, err)
	return n
}

func TestProcessCompletesReview(t *testing.T) {
	static := &fakeAnalyzer{name: "static", findings: []models.Finding{
		staticFinding("app.py", 2, models.SeverityHigh, "bandit-B602"),
		{FilePath: "app.py", Line: 1, IssueType: models.IssueStyle, Severity: models.SeverityLow, Title: "unused import", Source: models.SourceStatic},
	}}
	ai := &fakeAnalyzer{name: "ai", findings: []models.Finding{
		aiFinding("app.py", 2, models.IssueSecurity, models.SeverityCritical, 0.7),
		aiFinding("lib.go", 1, models.IssueBug, models.SeverityMedium, 0.9),
	}}
	h := newHarness(t, fakeFactory{"static": static, "ai": ai}, Options{})

	acc := h.submit(t, testSHA)
	h.processNext(t)

	rev := h.review(t, acc.ReviewID)
	assert.Equal(t, models.ReviewCompleted, rev.Status)
	assert.False(t, rev.Degraded)
	assert.Equal(t, 1, rev.Attempts)
	assert.Equal(t, models.SeverityCounts{High: 1, Medium: 1, Low: 1}, rev.Counts)
	require.NotNil(t, rev.QualityScore)
	assert.Equal(t, 92, *rev.QualityScore)

	issues, err := h.store.ListIssues(context.Background(), acc.ReviewID)
	require.NoError(t, err)
	require.Len(t, issues, 3)
	assert.Equal(t, models.SourceHybrid, issues[0].Source)
	assert.Equal(t, "lib.go", issues[1].FilePath)
	assert.Equal(t, models.SeverityLow, issues[2].Severity)

	assert.Equal(t, 0, h.depth(t))
	assert.Equal(t, []string{"gho_token"}, h.fetcher.tokens)

	repo, err := h.store.GetRepository(context.Background(), h.repo.ID)
	require.NoError(t, err)
	assert.NotNil(t, repo.LastScanAt)
}

func TestProcessIsolatesAnalyzerFailures(t *testing.T) {
	tests := []struct {
		name     string
		ai       *fakeAnalyzer
		wantNote string
	}{
		{
			name: "error after partial output",
			ai: &fakeAnalyzer{
				name:     "ai",
				findings: []models.Finding{aiFinding("lib.go", 1, models.IssueBug, models.SeverityMedium, 0.9)},
				err:      fmt.Errorf("%w: bad response", models.ErrAnalyzerInfra),
			},
			wantNote: "analyzer ai failed",
		},
		{
			name:     "panic",
			ai:       &fakeAnalyzer{name: "ai", panics: true},
			wantNote: "analyzer ai failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			static := &fakeAnalyzer{name: "static", findings: []models.Finding{
				staticFinding("app.py", 2, models.SeverityHigh, "bandit-B602"),
			}}
			h := newHarness(t, fakeFactory{"static": static, "ai": tt.ai}, Options{})

			acc := h.submit(t, testSHA)
			h.processNext(t)

			rev := h.review(t, acc.ReviewID)
			assert.Equal(t, models.ReviewCompleted, rev.Status)
			assert.True(t, rev.Degraded)
			require.NotEmpty(t, rev.Notes)
			assert.Contains(t, rev.Notes[0], tt.wantNote)
			assert.Equal(t, models.SeverityCounts{High: 1}, rev.Counts, "failed analyzer contributes nothing")
		})
	}
}

func TestProcessUnavailableAnalyzerDegrades(t *testing.T) {
	static := &fakeAnalyzer{name: "static"}
	h := newHarness(t, fakeFactory{"static": static}, Options{})

	acc := h.submit(t, testSHA)
	h.processNext(t)

	rev := h.review(t, acc.ReviewID)
	assert.Equal(t, models.ReviewCompleted, rev.Status)
	assert.True(t, rev.Degraded)
	require.Len(t, rev.Notes, 1)
	assert.Contains(t, rev.Notes[0], "analyzer ai unavailable")
	assert.Equal(t, int32(1), static.calls.Load())
}

func TestProcessInvalidRepoConfigFallsBack(t *testing.T) {
	static := &fakeAnalyzer{name: "static"}
	ai := &fakeAnalyzer{name: "ai"}
	h := newHarness(t, fakeFactory{"static": static, "ai": ai}, Options{})
	writeFile(t, h.fetcher.root, config.DefaultConfigPath, "analyzers: [telepathy]\n")

	acc := h.submit(t, testSHA)
	h.processNext(t)

	rev := h.review(t, acc.ReviewID)
	assert.Equal(t, models.ReviewCompleted, rev.Status)
	require.NotEmpty(t, rev.Notes)
	assert.Contains(t, rev.Notes[0], "invalid config")
	assert.Equal(t, int32(1), ai.calls.Load(), "defaults still apply")
}

func TestProcessRepoConfigSelectsAnalyzers(t *testing.T) {
	static := &fakeAnalyzer{name: "static"}
	ai := &fakeAnalyzer{name: "ai"}
	h := newHarness(t, fakeFactory{"static": static, "ai": ai}, Options{})
	writeFile(t, h.fetcher.root, config.DefaultConfigPath, "analyzers: [static]\n")

	acc := h.submit(t, testSHA)
	h.processNext(t)

	assert.Equal(t, models.ReviewCompleted, h.review(t, acc.ReviewID).Status)
	assert.Equal(t, int32(1), static.calls.Load())
	assert.Zero(t, ai.calls.Load())
}

func TestProcessCheckoutFailures(t *testing.T) {
	t.Run("permanent failure is not retried", func(t *testing.T) {
		h := newHarness(t, fakeFactory{"static": &fakeAnalyzer{name: "static"}}, Options{})
		h.fetcher.errs = []error{fmt.Errorf("%w: repository not found", models.ErrCheckoutFailed)}

		acc := h.submit(t, testSHA)
		h.processNext(t)

		rev := h.review(t, acc.ReviewID)
		assert.Equal(t, models.ReviewFailed, rev.Status)
		assert.Equal(t, models.ReasonCheckoutFailed, rev.FailureReason)
		assert.Equal(t, 1, h.fetcher.callCount())
		assert.Equal(t, 0, h.depth(t))
		assert.Empty(t, h.queue.DeadLetters())
	})

	t.Run("transient failure is retried", func(t *testing.T) {
		h := newHarness(t, fakeFactory{"static": &fakeAnalyzer{name: "static"}, "ai": &fakeAnalyzer{name: "ai"}}, Options{})
		h.fetcher.errs = []error{fmt.Errorf("%w: connection reset", models.ErrCheckoutTransient)}

		acc := h.submit(t, testSHA)
		h.processNext(t)

		rev := h.review(t, acc.ReviewID)
		assert.Equal(t, models.ReviewInProgress, rev.Status)
		assert.Equal(t, 1, h.depth(t))

		d := h.processNext(t)
		assert.Equal(t, 2, d.Attempt)

		rev = h.review(t, acc.ReviewID)
		assert.Equal(t, models.ReviewCompleted, rev.Status)
		assert.Equal(t, 2, rev.Attempts)
	})

	t.Run("transient failure exhausts attempts", func(t *testing.T) {
		h := newHarness(t, fakeFactory{"static": &fakeAnalyzer{name: "static"}}, Options{MaxAttempts: 2})
		transient := fmt.Errorf("%w: timeout", models.ErrCheckoutTransient)
		h.fetcher.errs = []error{transient, transient}

		acc := h.submit(t, testSHA)
		h.processNext(t)
		h.processNext(t)

		rev := h.review(t, acc.ReviewID)
		assert.Equal(t, models.ReviewFailed, rev.Status)
		assert.Equal(t, models.ReasonCheckoutTransient, rev.FailureReason)
		assert.Equal(t, 0, h.depth(t))
	})

	t.Run("repository removed", func(t *testing.T) {
		h := newHarness(t, fakeFactory{}, Options{})
		acc := h.submit(t, testSHA)

		d, err := h.queue.Dequeue(context.Background())
		require.NoError(t, err)
		d.Request.RepositoryID = 999
		h.orch.Process(context.Background(), d)

		assert.Equal(t, 0, h.fetcher.callCount())
		assert.Equal(t, models.ReviewFailed, h.review(t, acc.ReviewID).Status)
	})
}

// flakyResolver fails with err for the first n calls.
type flakyResolver struct {
	secrets.Resolver
	err error

	mu sync.Mutex
	n  int
}

func (r *flakyResolver) Resolve(ctx context.Context, ref string) (string, error) {
	r.mu.Lock()
	if r.n > 0 {
		r.n--
		r.mu.Unlock()
		return "", r.err
	}
	r.mu.Unlock()
	return r.Resolver.Resolve(ctx, ref)
}

func TestProcessAccessTokenFailures(t *testing.T) {
	t.Run("secret backend outage is retried", func(t *testing.T) {
		h := newHarness(t, fakeFactory{"static": &fakeAnalyzer{name: "static"}, "ai": &fakeAnalyzer{name: "ai"}}, Options{})
		h.useResolver(&flakyResolver{
			Resolver: h.resolver,
			err:      fmt.Errorf("%w: installation 42: 502 Bad Gateway", secrets.ErrUnavailable),
			n:        1,
		})

		acc := h.submit(t, testSHA)
		h.processNext(t)

		rev := h.review(t, acc.ReviewID)
		assert.Equal(t, models.ReviewInProgress, rev.Status)
		assert.Equal(t, 1, h.depth(t))
		assert.Zero(t, h.fetcher.callCount())

		d := h.processNext(t)
		assert.Equal(t, 2, d.Attempt)
		assert.Equal(t, models.ReviewCompleted, h.review(t, acc.ReviewID).Status)
		assert.Equal(t, []string{"gho_token"}, h.fetcher.tokens)
	})

	t.Run("unresolvable reference fails the review", func(t *testing.T) {
		h := newHarness(t, fakeFactory{"static": &fakeAnalyzer{name: "static"}}, Options{})
		h.useResolver(secrets.Static{})

		acc := h.submit(t, testSHA)
		h.processNext(t)

		rev := h.review(t, acc.ReviewID)
		assert.Equal(t, models.ReviewFailed, rev.Status)
		assert.Equal(t, models.ReasonCheckoutFailed, rev.FailureReason)
		assert.Equal(t, 0, h.depth(t))
	})
}

func TestProcessRenewsLease(t *testing.T) {
	slow := &fakeAnalyzer{name: "static", delay: 300 * time.Millisecond}
	h := newHarness(t, fakeFactory{"static": slow, "ai": &fakeAnalyzer{name: "ai"}}, Options{})
	h.useQueue(t, queue.Options{Visibility: 90 * time.Millisecond})

	acc := h.submit(t, testSHA)
	next := h.submit(t, "fedcba9876543210fedcba9876543210fedcba98")

	d, err := h.queue.Dequeue(context.Background())
	require.NoError(t, err)

	// A second worker must not see either job of the repository while the
	// first one is still running.
	stolen := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		defer cancel()
		_, err := h.queue.Dequeue(ctx)
		stolen <- err
	}()

	h.orch.Process(context.Background(), d)
	assert.ErrorIs(t, <-stolen, context.DeadlineExceeded)

	rev := h.review(t, acc.ReviewID)
	assert.Equal(t, models.ReviewCompleted, rev.Status)
	assert.Equal(t, 1, rev.Attempts)
	assert.Empty(t, h.queue.DeadLetters())

	following := h.processNext(t)
	assert.Equal(t, next.JobID, following.ID)
	assert.Equal(t, 1, following.Attempt)
}

func TestProcessUpstreamUnavailable(t *testing.T) {
	static := &fakeAnalyzer{name: "static", findings: []models.Finding{
		staticFinding("app.py", 2, models.SeverityHigh, "bandit-B602"),
	}}
	ai := &fakeAnalyzer{name: "ai", err: fmt.Errorf("%w: 529 overloaded", models.ErrUpstreamUnavailable)}
	h := newHarness(t, fakeFactory{"static": static, "ai": ai}, Options{MaxAttempts: 3})

	acc := h.submit(t, testSHA)
	for attempt := 1; attempt < 3; attempt++ {
		d := h.processNext(t)
		assert.Equal(t, attempt, d.Attempt)
		assert.Equal(t, models.ReviewInProgress, h.review(t, acc.ReviewID).Status)
	}

	h.processNext(t)
	rev := h.review(t, acc.ReviewID)
	assert.Equal(t, models.ReviewCompleted, rev.Status, "last attempt completes without the unavailable analyzer")
	assert.True(t, rev.Degraded)
	assert.Equal(t, models.SeverityCounts{High: 1}, rev.Counts)
	assert.Equal(t, int32(3), ai.calls.Load())
}

func TestProcessTimeout(t *testing.T) {
	ai := &fakeAnalyzer{name: "ai", block: true}
	h := newHarness(t, fakeFactory{"static": &fakeAnalyzer{name: "static"}, "ai": ai}, Options{JobTimeout: 50 * time.Millisecond})

	acc := h.submit(t, testSHA)
	h.processNext(t)

	rev := h.review(t, acc.ReviewID)
	assert.Equal(t, models.ReviewFailed, rev.Status)
	assert.Equal(t, models.ReasonAnalysisTimeout, rev.FailureReason)
	assert.Equal(t, 0, h.depth(t))
}

func TestProcessShutdownRequeues(t *testing.T) {
	ai := &fakeAnalyzer{name: "ai", block: true}
	h := newHarness(t, fakeFactory{"static": &fakeAnalyzer{name: "static"}, "ai": ai}, Options{})

	acc := h.submit(t, testSHA)
	d, err := h.queue.Dequeue(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(20*time.Millisecond, cancel)
	defer timer.Stop()
	h.orch.Process(ctx, d)

	assert.Equal(t, models.ReviewInProgress, h.review(t, acc.ReviewID).Status)
	assert.Equal(t, 1, h.depth(t))
	assert.Empty(t, h.queue.DeadLetters())
}

func TestProcessSkipsTerminalReview(t *testing.T) {
	static := &fakeAnalyzer{name: "static"}
	h := newHarness(t, fakeFactory{"static": static, "ai": &fakeAnalyzer{name: "ai"}}, Options{})

	acc := h.submit(t, testSHA)
	d := h.processNext(t)
	before := h.review(t, acc.ReviewID)

	// Redelivery of an already completed job.
	h.orch.Process(context.Background(), d)

	assert.Equal(t, before, h.review(t, acc.ReviewID))
	assert.Equal(t, int32(1), static.calls.Load())
	assert.Equal(t, 1, h.fetcher.callCount())
}

func TestRunDrainsQueue(t *testing.T) {
	h := newHarness(t, fakeFactory{"static": &fakeAnalyzer{name: "static"}, "ai": &fakeAnalyzer{name: "ai"}}, Options{Concurrency: 2})

	first := h.submit(t, testSHA)
	second := h.submit(t, "fedcba9876543210fedcba9876543210fedcba98")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx) }()

	completed := func(id int64) bool {
		rev, err := h.store.GetReview(context.Background(), id)
		return err == nil && rev != nil && rev.Status == models.ReviewCompleted
	}
	require.Eventually(t, func() bool {
		return completed(first.ReviewID) && completed(second.ReviewID)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunStopsWhenQueueCloses(t *testing.T) {
	h := newHarness(t, fakeFactory{}, Options{Concurrency: 3})

	done := make(chan error, 1)
	go func() { done <- h.orch.Run(context.Background()) }()

	require.NoError(t, h.queue.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}
