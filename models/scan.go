// Package models holds the data types shared by the analysis pipeline.
package models

import (
	"fmt"
	"time"
)

// TriggerEvent is the canonical event that produced a ScanRequest.
type TriggerEvent string

const (
	TriggerPush        TriggerEvent = "push"
	TriggerPullRequest TriggerEvent = "pull_request"
)

// ScanRequest asks the pipeline to analyze one commit of one repository.
// It is immutable once enqueued and identified by (RepositoryID, CommitSHA).
type ScanRequest struct {
	RepositoryID int64        `json:"repository_id"`
	CommitSHA    string       `json:"commit_sha"`
	PRNumber     *int         `json:"pr_number,omitempty"`
	TriggerEvent TriggerEvent `json:"trigger_event"`
	RequestedAt  time.Time    `json:"requested_at"`
}

// DedupKey returns the key used to coalesce duplicate requests.
func (r *ScanRequest) DedupKey() string {
	return fmt.Sprintf("%d:%s", r.RepositoryID, r.CommitSHA)
}

// Validate checks the fields every request must carry.
func (r *ScanRequest) Validate() error {
	if r.RepositoryID <= 0 {
		return fmt.Errorf("%w: missing repository id", ErrMalformedPayload)
	}
	if r.CommitSHA == "" {
		return fmt.Errorf("%w: missing commit sha", ErrMalformedPayload)
	}
	switch r.TriggerEvent {
	case TriggerPush, TriggerPullRequest:
	default:
		return fmt.Errorf("%w: unknown trigger event %q", ErrMalformedPayload, r.TriggerEvent)
	}
	return nil
}

// ShortSHA returns the first seven characters of the commit sha.
func (r *ScanRequest) ShortSHA() string {
	if len(r.CommitSHA) > 7 {
		return r.CommitSHA[:7]
	}
	return r.CommitSHA
}
