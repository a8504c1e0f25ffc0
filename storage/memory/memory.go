// Package memory provides an in-process implementation of the storage
// interface, used by the local runner and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sentinelcode/sentinel/models"
	"github.com/sentinelcode/sentinel/storage"
)

// Store keeps all records in maps guarded by a single mutex.
type Store struct {
	mu sync.Mutex

	users    map[int64]*models.User
	repos    map[int64]*models.Repository
	reviews  map[int64]*models.Review
	issues   map[int64][]models.Issue // by review id, in position order
	byJob    map[string]int64
	nextUser int64
	nextRepo int64
	nextRev  int64
	nextIss  int64

	now func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		users:   make(map[int64]*models.User),
		repos:   make(map[int64]*models.Repository),
		reviews: make(map[int64]*models.Review),
		issues:  make(map[int64][]models.Issue),
		byJob:   make(map[string]int64),
		now:     time.Now,
	}
}

// SaveUser inserts or updates a user. A zero ID allocates a new one.
func (s *Store) SaveUser(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.ID == 0 {
		s.nextUser++
		user.ID = s.nextUser
	} else if user.ID > s.nextUser {
		s.nextUser = user.ID
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}
	u := *user
	s.users[u.ID] = &u
	return nil
}

// GetUser returns nil when the user does not exist.
func (s *Store) GetUser(_ context.Context, id int64) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

// SaveRepository inserts or updates a repository. A zero ID allocates a new one.
func (s *Store) SaveRepository(_ context.Context, repo *models.Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, existing := range s.repos {
		if id != repo.ID && existing.Platform == repo.Platform && existing.ExternalID == repo.ExternalID {
			return fmt.Errorf("repository %s/%s already registered as %d", repo.Platform, repo.ExternalID, id)
		}
	}
	if repo.ID == 0 {
		s.nextRepo++
		repo.ID = s.nextRepo
	} else if repo.ID > s.nextRepo {
		s.nextRepo = repo.ID
	}
	if repo.CreatedAt.IsZero() {
		repo.CreatedAt = s.now()
	}
	r := *repo
	s.repos[r.ID] = &r
	return nil
}

// GetRepository returns nil when the repository does not exist.
func (s *Store) GetRepository(_ context.Context, id int64) (*models.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.repos[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

// FindRepository looks a repository up by its provider identity.
func (s *Store) FindRepository(_ context.Context, platform models.Platform, externalID string) (*models.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.repos {
		if r.Platform == platform && r.ExternalID == externalID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

// TouchRepositoryScan records the time of the latest scan.
func (s *Store) TouchRepositoryScan(_ context.Context, repositoryID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.repos[repositoryID]
	if !ok {
		return fmt.Errorf("repository %d: %w", repositoryID, storage.ErrNotFound)
	}
	r.LastScanAt = &at
	return nil
}

// EnsureReview returns the review for jobID, creating a pending one if needed.
func (s *Store) EnsureReview(_ context.Context, jobID string, req *models.ScanRequest) (*models.Review, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ensureLocked(jobID, req), nil
}

func (s *Store) ensureLocked(jobID string, req *models.ScanRequest) *models.Review {
	if id, ok := s.byJob[jobID]; ok {
		return cloneReview(s.reviews[id])
	}
	s.nextRev++
	r := models.NewPendingReview(jobID, req, s.now())
	r.ID = s.nextRev
	s.reviews[r.ID] = r
	s.byJob[jobID] = r.ID
	return cloneReview(r)
}

// StartReview moves the review for jobID to in_progress, creating it if the
// pending row was never written.
func (s *Store) StartReview(_ context.Context, jobID string, req *models.ScanRequest, attempt int) (*models.Review, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureLocked(jobID, req)
	r := s.reviews[s.byJob[jobID]]
	if r.Status.Terminal() {
		return cloneReview(r), models.ErrReviewTerminal
	}
	now := s.now()
	r.Status = models.ReviewInProgress
	r.Attempts = attempt
	if r.StartedAt == nil {
		r.StartedAt = &now
	}
	return cloneReview(r), nil
}

// CommitReview replaces the review's issues and marks it completed.
func (s *Store) CommitReview(_ context.Context, reviewID int64, result *storage.ReviewResult) (*models.Review, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reviews[reviewID]
	if !ok {
		return nil, fmt.Errorf("review %d: %w", reviewID, storage.ErrNotFound)
	}
	if r.Status.Terminal() {
		return cloneReview(r), models.ErrReviewTerminal
	}

	now := s.now()
	issues := make([]models.Issue, len(result.Issues))
	for i, issue := range result.Issues {
		s.nextIss++
		issue.ID = s.nextIss
		issue.ReviewID = reviewID
		issue.Position = i
		issue.CreatedAt = now
		issues[i] = issue
	}
	s.issues[reviewID] = issues
	result.Apply(r)
	return cloneReview(r), nil
}

// FailReview marks a non-terminal review as failed.
func (s *Store) FailReview(_ context.Context, reviewID int64, reason string, notes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reviews[reviewID]
	if !ok {
		return fmt.Errorf("review %d: %w", reviewID, storage.ErrNotFound)
	}
	if r.Status.Terminal() {
		return models.ErrReviewTerminal
	}
	now := s.now()
	r.Status = models.ReviewFailed
	r.FailureReason = reason
	r.Notes = append(r.Notes, notes...)
	r.CompletedAt = &now
	return nil
}

// GetReview returns nil when the review does not exist.
func (s *Store) GetReview(_ context.Context, id int64) (*models.Review, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reviews[id]
	if !ok {
		return nil, nil
	}
	return cloneReview(r), nil
}

// ListReviews returns reviews newest first.
func (s *Store) ListReviews(_ context.Context, filter storage.ReviewFilter) ([]*models.Review, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Review
	for _, r := range s.reviews {
		if filter.RepositoryID != 0 && r.RepositoryID != filter.RepositoryID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, cloneReview(r))
	}
	slices.SortFunc(out, func(a, b *models.Review) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return int(b.ID - a.ID)
	})
	if limit := filter.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListIssues returns the review's issues in aggregation order.
func (s *Store) ListIssues(_ context.Context, reviewID int64) ([]models.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.issues[reviewID]), nil
}

// SetFalsePositive flags an issue and recomputes the review counts and score.
func (s *Store) SetFalsePositive(_ context.Context, reviewID, issueID int64, falsePositive bool) (*models.Review, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reviews[reviewID]
	if !ok {
		return nil, fmt.Errorf("review %d: %w", reviewID, storage.ErrNotFound)
	}
	issues := s.issues[reviewID]
	idx := slices.IndexFunc(issues, func(i models.Issue) bool { return i.ID == issueID })
	if idx < 0 {
		return nil, fmt.Errorf("issue %d: %w", issueID, storage.ErrNotFound)
	}
	issues[idx].IsFalsePositive = falsePositive

	counts := models.CountIssues(issues)
	score := models.QualityScore(counts)
	r.Counts = counts
	r.QualityScore = &score
	return cloneReview(r), nil
}

func cloneReview(r *models.Review) *models.Review {
	cp := *r
	cp.Notes = slices.Clone(r.Notes)
	return &cp
}

// Verify Store implements Storage at compile time.
var _ storage.Storage = (*Store)(nil)
