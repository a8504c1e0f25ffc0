package review

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sentinelcode/sentinel/models"
	"github.com/sentinelcode/sentinel/queue"
	"github.com/sentinelcode/sentinel/storage"
)

// Accepted identifies the job and pending review a scan request landed on.
type Accepted struct {
	JobID     string `json:"job_id"`
	ReviewID  int64  `json:"review_id"`
	Coalesced bool   `json:"coalesced,omitempty"`
}

// Intake admits validated scan requests into the queue.
type Intake struct {
	store  storage.Storage
	queue  queue.Queue
	logger *slog.Logger
}

// NewIntake creates an Intake.
func NewIntake(store storage.Storage, q queue.Queue, logger *slog.Logger) *Intake {
	return &Intake{store: store, queue: q, logger: logger}
}

// Submit enqueues req and records its pending review. Requests for disabled
// or unknown repositories return models.ErrRepositoryDisabled. A full queue
// returns models.ErrQueueFull and nothing is recorded.
func (in *Intake) Submit(ctx context.Context, req *models.ScanRequest) (*Accepted, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	repo, err := in.store.GetRepository(ctx, req.RepositoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to load repository: %w", err)
	}
	if repo == nil || !repo.IsEnabled {
		return nil, fmt.Errorf("%w: repository %d", models.ErrRepositoryDisabled, req.RepositoryID)
	}

	res, err := in.queue.Enqueue(ctx, *req)
	if err != nil {
		return nil, err
	}

	// A worker may already be running the job; EnsureReview and StartReview
	// converge on the same row either way.
	rev, err := in.store.EnsureReview(ctx, res.JobID, req)
	if err != nil {
		return nil, fmt.Errorf("failed to record pending review: %w", err)
	}

	in.logger.Info("scan request accepted",
		"repository_id", req.RepositoryID,
		"commit", req.ShortSHA(),
		"trigger", req.TriggerEvent,
		"job_id", res.JobID,
		"review_id", rev.ID,
		"coalesced", res.Coalesced,
	)
	return &Accepted{JobID: res.JobID, ReviewID: rev.ID, Coalesced: res.Coalesced}, nil
}
