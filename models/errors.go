package models

import "errors"

// Pipeline error taxonomy. Components wrap these with %w; callers classify
// with errors.Is.
var (
	// ErrAuthenticationFailed indicates a webhook signature was missing or invalid.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrMalformedPayload indicates a webhook payload lacks required fields.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrRepositoryDisabled indicates the repository does not accept new scans.
	ErrRepositoryDisabled = errors.New("repository disabled")
	// ErrQueueFull indicates the job backlog is at its configured bound.
	ErrQueueFull = errors.New("queue full")

	// ErrCheckoutFailed is a terminal checkout failure (unknown sha, access revoked).
	ErrCheckoutFailed = errors.New("checkout failed")
	// ErrCheckoutTransient is a retryable checkout failure (network).
	ErrCheckoutTransient = errors.New("checkout transient error")

	// ErrAnalyzerInfra is an isolated analyzer failure; it never fails a review.
	ErrAnalyzerInfra = errors.New("analyzer infrastructure error")
	// ErrAnalysisTimeout means the job exceeded its wall-clock budget.
	ErrAnalysisTimeout = errors.New("analysis timeout")
	// ErrUpstreamUnavailable means an upstream AI service could not be reached.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrThrottled means an upstream service asked us to slow down.
	ErrThrottled = errors.New("upstream throttled")

	// ErrPersistenceConflict is a serialization conflict on a review write.
	ErrPersistenceConflict = errors.New("persistence conflict")
	// ErrReviewTerminal means the review already reached completed or failed.
	ErrReviewTerminal = errors.New("review already terminal")
)

// Failure reasons recorded on failed reviews.
const (
	ReasonCheckoutFailed      = "CheckoutFailed"
	ReasonCheckoutTransient   = "CheckoutTransientError"
	ReasonAnalysisTimeout     = "AnalysisTimeout"
	ReasonUpstreamUnavailable = "UpstreamUnavailable"
	ReasonPersistence         = "PersistenceError"
	ReasonInternal            = "InternalError"
)
