// Package server exposes the webhook endpoint, the review read API and the
// operational endpoints over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sentinelcode/sentinel/metrics"
	"github.com/sentinelcode/sentinel/models"
	"github.com/sentinelcode/sentinel/review"
	"github.com/sentinelcode/sentinel/storage"
	"github.com/sentinelcode/sentinel/webhook"
)

// DefaultMaxBodyBytes caps webhook payloads.
const DefaultMaxBodyBytes = 5 << 20

// Ingestor verifies and normalizes webhook deliveries.
type Ingestor interface {
	Ingest(ctx context.Context, platform models.Platform, eventType string, payload []byte, signature string) (*models.ScanRequest, error)
}

// Submitter admits scan requests into the queue.
type Submitter interface {
	Submit(ctx context.Context, req *models.ScanRequest) (*review.Accepted, error)
}

// ReviewStore is the read and feedback side of the persistence gateway.
type ReviewStore interface {
	GetReview(ctx context.Context, id int64) (*models.Review, error)
	ListReviews(ctx context.Context, filter storage.ReviewFilter) ([]*models.Review, error)
	ListIssues(ctx context.Context, reviewID int64) ([]models.Issue, error)
	SetFalsePositive(ctx context.Context, reviewID, issueID int64, falsePositive bool) (*models.Review, error)
}

// Pinger reports backend health. *sql.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Options configures optional server behaviour.
type Options struct {
	// RetryAfter is advertised when the queue is full.
	RetryAfter   time.Duration
	MaxBodyBytes int64
	// Gatherer serves /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
	// Health is pinged by /health when set.
	Health Pinger
}

// Server holds the HTTP handlers.
type Server struct {
	ingest  Ingestor
	intake  Submitter
	reviews ReviewStore
	metrics *metrics.PipelineMetrics
	opts    Options
	logger  *slog.Logger
}

// New creates a Server. m may be nil.
func New(ingest Ingestor, intake Submitter, reviews ReviewStore, m *metrics.PipelineMetrics, opts Options, logger *slog.Logger) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		ingest:  ingest,
		intake:  intake,
		reviews: reviews,
		metrics: m,
		opts:    opts,
		logger:  logger,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/{provider}", s.handleWebhook)
	mux.HandleFunc("GET /reviews", s.handleListReviews)
	mux.HandleFunc("GET /reviews/{id}", s.handleGetReview)
	mux.HandleFunc("POST /reviews/{id}/issues/{issue_id}/feedback", s.handleFeedback)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /{$}", s.handleRoot)
	return mux
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]string{
		"name":   "sentinel",
		"status": "running",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Health.PingContext(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			jsonResponse(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}
	jsonResponse(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	platform := models.Platform(r.PathValue("provider"))
	signatureHeader, eventHeader, ok := webhook.Headers(platform)
	if !ok {
		s.metrics.WebhookReceived("unknown", metrics.OutcomeRejected)
		jsonError(w, http.StatusNotFound, "unknown provider")
		return
	}
	provider := string(platform)

	payload, err := readBody(w, r, s.opts.MaxBodyBytes)
	if err != nil {
		s.logger.Warn("failed to read webhook body", "provider", provider, "error", err)
		s.metrics.WebhookReceived(provider, metrics.OutcomeMalformed)
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			jsonError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		jsonError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	eventType := r.Header.Get(eventHeader)
	s.logger.Debug("received webhook", "provider", provider, "event", eventType, "size", len(payload))

	req, err := s.ingest.Ingest(r.Context(), platform, eventType, payload, r.Header.Get(signatureHeader))
	switch {
	case errors.Is(err, models.ErrAuthenticationFailed):
		s.metrics.WebhookReceived(provider, metrics.OutcomeRejected)
		jsonError(w, http.StatusUnauthorized, "invalid signature")
		return
	case errors.Is(err, models.ErrMalformedPayload):
		s.logger.Warn("malformed webhook", "provider", provider, "event", eventType, "error", err)
		s.metrics.WebhookReceived(provider, metrics.OutcomeMalformed)
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("failed to ingest webhook", "provider", provider, "error", err)
		s.metrics.WebhookReceived(provider, metrics.OutcomeError)
		jsonError(w, http.StatusInternalServerError, "internal error")
		return
	case req == nil:
		s.metrics.WebhookReceived(provider, metrics.OutcomeIgnored)
		jsonResponse(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	accepted, err := s.intake.Submit(r.Context(), req)
	switch {
	case errors.Is(err, models.ErrRepositoryDisabled):
		s.metrics.WebhookReceived(provider, metrics.OutcomeDisabled)
		jsonResponse(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	case errors.Is(err, models.ErrQueueFull):
		s.logger.Warn("queue full, rejecting webhook", "provider", provider, "repository_id", req.RepositoryID)
		s.metrics.WebhookReceived(provider, metrics.OutcomeQueueFull)
		w.Header().Set("Retry-After", retryAfterSeconds(s.opts.RetryAfter))
		jsonError(w, http.StatusServiceUnavailable, "queue full")
		return
	case errors.Is(err, models.ErrMalformedPayload):
		s.metrics.WebhookReceived(provider, metrics.OutcomeMalformed)
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("failed to submit scan request", "provider", provider, "error", err)
		s.metrics.WebhookReceived(provider, metrics.OutcomeError)
		jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}

	outcome := metrics.OutcomeAccepted
	if accepted.Coalesced {
		outcome = metrics.OutcomeCoalesced
	}
	s.metrics.WebhookReceived(provider, outcome)
	jsonResponse(w, http.StatusAccepted, accepted)
}

func (s *Server) handleListReviews(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter storage.ReviewFilter

	if v := q.Get("repository_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			jsonError(w, http.StatusBadRequest, "invalid repository_id")
			return
		}
		filter.RepositoryID = id
	}
	if v := q.Get("status"); v != "" {
		status := models.ReviewStatus(v)
		switch status {
		case models.ReviewPending, models.ReviewInProgress, models.ReviewCompleted, models.ReviewFailed:
			filter.Status = status
		default:
			jsonError(w, http.StatusBadRequest, "invalid status")
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			jsonError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}

	reviews, err := s.reviews.ListReviews(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list reviews", "error", err)
		jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if reviews == nil {
		reviews = []*models.Review{}
	}
	jsonResponse(w, http.StatusOK, map[string]any{"reviews": reviews})
}

type reviewDetail struct {
	*models.Review
	Issues []models.Issue `json:"issues"`
}

func (s *Server) handleGetReview(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	rev, err := s.reviews.GetReview(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get review", "review_id", id, "error", err)
		jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if rev == nil {
		jsonError(w, http.StatusNotFound, "review not found")
		return
	}

	issues, err := s.reviews.ListIssues(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to list issues", "review_id", id, "error", err)
		jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if issues == nil {
		issues = []models.Issue{}
	}
	jsonResponse(w, http.StatusOK, reviewDetail{Review: rev, Issues: issues})
}

type feedbackRequest struct {
	IsFalsePositive *bool `json:"is_false_positive"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	reviewID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	issueID, ok := pathID(w, r, "issue_id")
	if !ok {
		return
	}

	var body feedbackRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
	if err := dec.Decode(&body); err != nil || body.IsFalsePositive == nil {
		jsonError(w, http.StatusBadRequest, "body must be {\"is_false_positive\": bool}")
		return
	}

	rev, err := s.reviews.SetFalsePositive(r.Context(), reviewID, issueID, *body.IsFalsePositive)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		jsonError(w, http.StatusNotFound, "issue not found")
		return
	case err != nil:
		s.logger.Error("failed to record feedback", "review_id", reviewID, "issue_id", issueID, "error", err)
		jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("issue feedback recorded",
		"review_id", reviewID,
		"issue_id", issueID,
		"false_positive", *body.IsFalsePositive,
	)
	jsonResponse(w, http.StatusOK, rev)
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		jsonError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func retryAfterSeconds(d time.Duration) string {
	return strconv.Itoa(int(math.Ceil(max(d, time.Second).Seconds())))
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, status int, msg string) {
	jsonResponse(w, status, map[string]string{"error": msg})
}
