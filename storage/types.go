package storage

import (
	"time"

	"github.com/sentinelcode/sentinel/models"
)

// Listing limits for ListReviews.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// ReviewResult is the outcome of a successful analysis, committed atomically.
// Counts and score are derived from Issues by the gateway.
type ReviewResult struct {
	Issues       []models.Issue
	Degraded     bool
	Notes        []string
	AnalysisTime time.Duration
	CompletedAt  time.Time
}

// ReviewFilter selects reviews for ListReviews. Zero values match everything.
type ReviewFilter struct {
	RepositoryID int64
	Status       models.ReviewStatus
	Limit        int
}

// EffectiveLimit clamps the filter limit to [1, MaxListLimit].
func (f ReviewFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return f.Limit
	}
}

// Apply fills the derived fields of review from the result. Callers must
// already hold whatever serialization the backend uses.
func (r *ReviewResult) Apply(review *models.Review) {
	counts := models.CountIssues(r.Issues)
	score := models.QualityScore(counts)
	secs := int(r.AnalysisTime.Round(time.Second) / time.Second)
	completed := r.CompletedAt

	review.Status = models.ReviewCompleted
	review.Counts = counts
	review.QualityScore = &score
	review.Degraded = r.Degraded
	review.Notes = r.Notes
	review.AnalysisTimeSeconds = &secs
	review.CompletedAt = &completed
	review.FailureReason = ""
}
