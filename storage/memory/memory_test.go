package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelcode/sentinel/models"
	"github.com/sentinelcode/sentinel/storage"
)

func newRequest() *models.ScanRequest {
	return &models.ScanRequest{
		RepositoryID: 7,
		CommitSHA:    "abc123",
		TriggerEvent: models.TriggerPush,
		RequestedAt:  time.Now(),
	}
}

func TestReviewLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	req := newRequest()

	pending, err := s.EnsureReview(ctx, "job-1", req)
	require.NoError(t, err)
	assert.Equal(t, models.ReviewPending, pending.Status)

	again, err := s.EnsureReview(ctx, "job-1", req)
	require.NoError(t, err)
	assert.Equal(t, pending.ID, again.ID, "same job must map to the same review")

	started, err := s.StartReview(ctx, "job-1", req, 1)
	require.NoError(t, err)
	assert.Equal(t, models.ReviewInProgress, started.Status)
	assert.NotNil(t, started.StartedAt)

	result := &storage.ReviewResult{
		Issues: []models.Issue{
			{FilePath: "a.py", Severity: models.SeverityCritical, Source: models.SourceStatic, IssueType: models.IssueSecurity},
			{FilePath: "b.py", Severity: models.SeverityLow, Source: models.SourceAI, ConfidenceScore: models.Float64(0.5)},
		},
		AnalysisTime: 3 * time.Second,
		CompletedAt:  time.Now(),
	}
	done, err := s.CommitReview(ctx, started.ID, result)
	require.NoError(t, err)
	assert.Equal(t, models.ReviewCompleted, done.Status)
	assert.Equal(t, models.SeverityCounts{Critical: 1, Low: 1}, done.Counts)
	require.NotNil(t, done.QualityScore)
	assert.Equal(t, 89, *done.QualityScore)

	issues, err := s.ListIssues(ctx, done.ID)
	require.NoError(t, err)
	require.Len(t, issues, 2)
	assert.Equal(t, "a.py", issues[0].FilePath)
	assert.Equal(t, 1, issues[1].Position)

	_, err = s.CommitReview(ctx, done.ID, result)
	assert.ErrorIs(t, err, models.ErrReviewTerminal)

	_, err = s.StartReview(ctx, "job-1", req, 2)
	assert.ErrorIs(t, err, models.ErrReviewTerminal)
}

func TestSetFalsePositiveRecomputesCounts(t *testing.T) {
	ctx := context.Background()
	s := New()
	r, err := s.StartReview(ctx, "job-1", newRequest(), 1)
	require.NoError(t, err)

	_, err = s.CommitReview(ctx, r.ID, &storage.ReviewResult{Issues: []models.Issue{
		{FilePath: "a.py", Severity: models.SeverityHigh, Source: models.SourceStatic},
		{FilePath: "a.py", Severity: models.SeverityHigh, Source: models.SourceStatic},
	}})
	require.NoError(t, err)
	issues, err := s.ListIssues(ctx, r.ID)
	require.NoError(t, err)

	updated, err := s.SetFalsePositive(ctx, r.ID, issues[0].ID, true)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Counts.High)
	assert.Equal(t, 95, *updated.QualityScore)

	_, err = s.SetFalsePositive(ctx, r.ID, 9999, true)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFailReview(t *testing.T) {
	ctx := context.Background()
	s := New()
	r, err := s.EnsureReview(ctx, "job-1", newRequest())
	require.NoError(t, err)

	require.NoError(t, s.FailReview(ctx, r.ID, models.ReasonCheckoutFailed, []string{"repository not found"}))
	got, err := s.GetReview(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReviewFailed, got.Status)
	assert.Equal(t, models.ReasonCheckoutFailed, got.FailureReason)

	assert.ErrorIs(t, s.FailReview(ctx, r.ID, models.ReasonInternal, nil), models.ErrReviewTerminal)
}

func TestRepositories(t *testing.T) {
	ctx := context.Background()
	s := New()

	repo := &models.Repository{Platform: models.PlatformGitHub, ExternalID: "42", RepoName: "acme/api", IsEnabled: true}
	require.NoError(t, s.SaveRepository(ctx, repo))
	assert.NotZero(t, repo.ID)

	found, err := s.FindRepository(ctx, models.PlatformGitHub, "42")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "acme/api", found.RepoName)

	missing, err := s.FindRepository(ctx, models.PlatformGitLab, "42")
	require.NoError(t, err)
	assert.Nil(t, missing)

	dup := &models.Repository{Platform: models.PlatformGitHub, ExternalID: "42"}
	assert.Error(t, s.SaveRepository(ctx, dup))

	now := time.Now()
	require.NoError(t, s.TouchRepositoryScan(ctx, repo.ID, now))
	got, err := s.GetRepository(ctx, repo.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastScanAt)
	assert.True(t, got.LastScanAt.Equal(now))
}

func TestListReviewsFilter(t *testing.T) {
	ctx := context.Background()
	s := New()
	for i, sha := range []string{"a1", "b2", "c3"} {
		req := &models.ScanRequest{RepositoryID: int64(i%2 + 1), CommitSHA: sha, TriggerEvent: models.TriggerPush}
		_, err := s.EnsureReview(ctx, "job-"+sha, req)
		require.NoError(t, err)
	}

	all, err := s.ListReviews(ctx, storage.ReviewFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	repo1, err := s.ListReviews(ctx, storage.ReviewFilter{RepositoryID: 1})
	require.NoError(t, err)
	assert.Len(t, repo1, 2)

	limited, err := s.ListReviews(ctx, storage.ReviewFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	done, err := s.ListReviews(ctx, storage.ReviewFilter{Status: models.ReviewCompleted})
	require.NoError(t, err)
	assert.Empty(t, done)
}
