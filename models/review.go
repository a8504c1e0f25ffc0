package models

import "time"

// ReviewStatus is the persisted status of a Review.
type ReviewStatus string

const (
	ReviewPending    ReviewStatus = "pending"
	ReviewInProgress ReviewStatus = "in_progress"
	ReviewCompleted  ReviewStatus = "completed"
	ReviewFailed     ReviewStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s ReviewStatus) Terminal() bool {
	return s == ReviewCompleted || s == ReviewFailed
}

// SeverityCounts holds per-severity issue counts.
type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

// Total returns the sum of all severities.
func (c SeverityCounts) Total() int {
	return c.Critical + c.High + c.Medium + c.Low
}

// Add increments the counter for s. Unknown severities are ignored.
func (c *SeverityCounts) Add(s Severity) {
	switch s {
	case SeverityCritical:
		c.Critical++
	case SeverityHigh:
		c.High++
	case SeverityMedium:
		c.Medium++
	case SeverityLow:
		c.Low++
	}
}

// Review is the record of one analysis run over one commit.
type Review struct {
	ID                  int64          `json:"id"`
	JobID               string         `json:"job_id"`
	RepositoryID        int64          `json:"repository_id"`
	CommitSHA           string         `json:"commit_sha"`
	PRNumber            *int           `json:"pr_number,omitempty"`
	TriggerEvent        TriggerEvent   `json:"trigger_event"`
	Status              ReviewStatus   `json:"status"`
	QualityScore        *int           `json:"quality_score"`
	Counts              SeverityCounts `json:"counts"`
	Attempts            int            `json:"attempts"`
	FailureReason       string         `json:"failure_reason,omitempty"`
	Degraded            bool           `json:"degraded"`
	Notes               []string       `json:"notes,omitempty"`
	AnalysisTimeSeconds *int           `json:"analysis_time_seconds,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	StartedAt           *time.Time     `json:"started_at,omitempty"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
}

// NewPendingReview builds the pending review accepted for a job.
func NewPendingReview(jobID string, req *ScanRequest, now time.Time) *Review {
	return &Review{
		JobID:        jobID,
		RepositoryID: req.RepositoryID,
		CommitSHA:    req.CommitSHA,
		PRNumber:     req.PRNumber,
		TriggerEvent: req.TriggerEvent,
		Status:       ReviewPending,
		CreatedAt:    now,
	}
}
