// Package storage defines the persistence gateway for reviews, issues,
// repositories and users.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/sentinelcode/sentinel/models"
)

// ErrNotFound is returned by mutating operations whose target row does not
// exist. Lookups return (nil, nil) instead.
var ErrNotFound = errors.New("not found")

// Storage defines the interface for storage backends.
// Implementations must be safe for concurrent use by multiple goroutines.
type Storage interface {
	// User and repository operations
	SaveUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id int64) (*models.User, error)
	SaveRepository(ctx context.Context, repo *models.Repository) error
	GetRepository(ctx context.Context, id int64) (*models.Repository, error)
	FindRepository(ctx context.Context, platform models.Platform, externalID string) (*models.Repository, error)
	TouchRepositoryScan(ctx context.Context, repositoryID int64, at time.Time) error

	// Review lifecycle. All lifecycle writes are keyed by the queue job id,
	// so replays of the same job converge on one review.
	EnsureReview(ctx context.Context, jobID string, req *models.ScanRequest) (*models.Review, error)
	StartReview(ctx context.Context, jobID string, req *models.ScanRequest, attempt int) (*models.Review, error)
	CommitReview(ctx context.Context, reviewID int64, result *ReviewResult) (*models.Review, error)
	FailReview(ctx context.Context, reviewID int64, reason string, notes []string) error

	// Review reads and feedback
	GetReview(ctx context.Context, id int64) (*models.Review, error)
	ListReviews(ctx context.Context, filter ReviewFilter) ([]*models.Review, error)
	ListIssues(ctx context.Context, reviewID int64) ([]models.Issue, error)
	SetFalsePositive(ctx context.Context, reviewID, issueID int64, falsePositive bool) (*models.Review, error)
}
