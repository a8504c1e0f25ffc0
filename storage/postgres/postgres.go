// Package postgres provides a PostgreSQL implementation of the storage interface.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/sentinelcode/sentinel/models"
	"github.com/sentinelcode/sentinel/storage"
)

// PostgreSQL provides storage operations using PostgreSQL.
type PostgreSQL struct {
	db     *sql.DB
	logger *slog.Logger
	locks  keyedMutex
}

// New creates a new PostgreSQL storage instance.
func New(db *sql.DB, logger *slog.Logger) *PostgreSQL {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgreSQL{db: db, logger: logger}
}

// NewFromDSN creates a new PostgreSQL storage instance from a connection string.
func NewFromDSN(dsn string, logger *slog.Logger) (*PostgreSQL, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return New(db, logger), nil
}

// DB exposes the underlying pool so the job queue can share it.
func (p *PostgreSQL) DB() *sql.DB {
	return p.db
}

// Close closes the database connection.
func (p *PostgreSQL) Close() error {
	return p.db.Close()
}

// Migrate creates the required database tables.
func (p *PostgreSQL) Migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			username TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			access_token_ref TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS repositories (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id),
			platform TEXT NOT NULL CHECK (platform IN ('github', 'gitlab', 'bitbucket')),
			external_id TEXT NOT NULL,
			repo_name TEXT NOT NULL,
			repo_url TEXT NOT NULL,
			default_branch TEXT NOT NULL DEFAULT 'main',
			is_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			webhook_secret_ref TEXT NOT NULL DEFAULT '',
			last_scan_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(platform, external_id)
		);

		CREATE TABLE IF NOT EXISTS reviews (
			id BIGSERIAL PRIMARY KEY,
			job_id TEXT NOT NULL UNIQUE,
			repository_id BIGINT NOT NULL REFERENCES repositories(id),
			commit_sha TEXT NOT NULL,
			pr_number INTEGER,
			trigger_event TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('pending', 'in_progress', 'completed', 'failed')),
			quality_score INTEGER CHECK (quality_score BETWEEN 0 AND 100),
			critical_count INTEGER NOT NULL DEFAULT 0,
			high_count INTEGER NOT NULL DEFAULT 0,
			medium_count INTEGER NOT NULL DEFAULT 0,
			low_count INTEGER NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0,
			failure_reason TEXT NOT NULL DEFAULT '',
			degraded BOOLEAN NOT NULL DEFAULT FALSE,
			notes JSONB,
			analysis_time_seconds INTEGER,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_reviews_repo ON reviews(repository_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_reviews_active ON reviews(repository_id, commit_sha)
			WHERE status IN ('pending', 'in_progress');

		CREATE TABLE IF NOT EXISTS review_issues (
			id BIGSERIAL PRIMARY KEY,
			review_id BIGINT NOT NULL REFERENCES reviews(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			file_path TEXT NOT NULL,
			line_number INTEGER,
			issue_type TEXT NOT NULL,
			severity TEXT NOT NULL CHECK (severity IN ('critical', 'high', 'medium', 'low')),
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			fix_suggestion TEXT NOT NULL DEFAULT '',
			code_snippet TEXT NOT NULL DEFAULT '',
			confidence_score DOUBLE PRECISION CHECK (confidence_score BETWEEN 0 AND 1),
			source TEXT NOT NULL CHECK (source IN ('static_analysis', 'ai', 'hybrid')),
			static_rule_id TEXT NOT NULL DEFAULT '',
			is_false_positive BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(review_id, position)
		);
	`

	_, err := p.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// SaveUser inserts a user, or updates it when ID is set.
func (p *PostgreSQL) SaveUser(ctx context.Context, user *models.User) error {
	var err error
	if user.ID == 0 {
		err = p.db.QueryRowContext(ctx, `
			INSERT INTO users (username, email, access_token_ref)
			VALUES ($1, $2, $3)
			RETURNING id, created_at
		`, user.Username, user.Email, user.AccessTokenRef).Scan(&user.ID, &user.CreatedAt)
	} else {
		err = p.db.QueryRowContext(ctx, `
			INSERT INTO users (id, username, email, access_token_ref)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET
				username = EXCLUDED.username,
				email = EXCLUDED.email,
				access_token_ref = EXCLUDED.access_token_ref
			RETURNING created_at
		`, user.ID, user.Username, user.Email, user.AccessTokenRef).Scan(&user.CreatedAt)
	}
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// GetUser retrieves a user.
func (p *PostgreSQL) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var user models.User
	err := p.db.QueryRowContext(ctx, `
		SELECT id, username, email, access_token_ref, created_at
		FROM users
		WHERE id = $1
	`, id).Scan(&user.ID, &user.Username, &user.Email, &user.AccessTokenRef, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

const repositoryColumns = `id, user_id, platform, external_id, repo_name, repo_url, default_branch, is_enabled, webhook_secret_ref, last_scan_at, created_at`

func scanRepository(row interface{ Scan(...any) error }) (*models.Repository, error) {
	var repo models.Repository
	var lastScan sql.NullTime
	if err := row.Scan(
		&repo.ID,
		&repo.UserID,
		&repo.Platform,
		&repo.ExternalID,
		&repo.RepoName,
		&repo.RepoURL,
		&repo.DefaultBranch,
		&repo.IsEnabled,
		&repo.WebhookSecretRef,
		&lastScan,
		&repo.CreatedAt,
	); err != nil {
		return nil, err
	}
	if lastScan.Valid {
		repo.LastScanAt = &lastScan.Time
	}
	return &repo, nil
}

// SaveRepository inserts a repository, or updates it when ID is set.
func (p *PostgreSQL) SaveRepository(ctx context.Context, repo *models.Repository) error {
	var err error
	if repo.ID == 0 {
		err = p.db.QueryRowContext(ctx, `
			INSERT INTO repositories (user_id, platform, external_id, repo_name, repo_url, default_branch, is_enabled, webhook_secret_ref)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id, created_at
		`, repo.UserID, repo.Platform, repo.ExternalID, repo.RepoName, repo.RepoURL, repo.DefaultBranch, repo.IsEnabled, repo.WebhookSecretRef,
		).Scan(&repo.ID, &repo.CreatedAt)
	} else {
		err = p.db.QueryRowContext(ctx, `
			INSERT INTO repositories (id, user_id, platform, external_id, repo_name, repo_url, default_branch, is_enabled, webhook_secret_ref)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				repo_name = EXCLUDED.repo_name,
				repo_url = EXCLUDED.repo_url,
				default_branch = EXCLUDED.default_branch,
				is_enabled = EXCLUDED.is_enabled,
				webhook_secret_ref = EXCLUDED.webhook_secret_ref
			RETURNING created_at
		`, repo.ID, repo.UserID, repo.Platform, repo.ExternalID, repo.RepoName, repo.RepoURL, repo.DefaultBranch, repo.IsEnabled, repo.WebhookSecretRef,
		).Scan(&repo.CreatedAt)
	}
	if err != nil {
		return fmt.Errorf("failed to save repository: %w", err)
	}
	return nil
}

// GetRepository retrieves a repository by id.
func (p *PostgreSQL) GetRepository(ctx context.Context, id int64) (*models.Repository, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+repositoryColumns+` FROM repositories WHERE id = $1`, id)
	repo, err := scanRepository(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repository: %w", err)
	}
	return repo, nil
}

// FindRepository retrieves a repository by its provider identity.
func (p *PostgreSQL) FindRepository(ctx context.Context, platform models.Platform, externalID string) (*models.Repository, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+repositoryColumns+` FROM repositories WHERE platform = $1 AND external_id = $2`, platform, externalID)
	repo, err := scanRepository(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find repository: %w", err)
	}
	return repo, nil
}

// TouchRepositoryScan records the time of the latest scan.
func (p *PostgreSQL) TouchRepositoryScan(ctx context.Context, repositoryID int64, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE repositories SET last_scan_at = $2 WHERE id = $1`, repositoryID, at)
	if err != nil {
		return fmt.Errorf("failed to touch repository: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("repository %d: %w", repositoryID, storage.ErrNotFound)
	}
	return nil
}

const reviewColumns = `id, job_id, repository_id, commit_sha, pr_number, trigger_event, status, quality_score,
	critical_count, high_count, medium_count, low_count, attempts, failure_reason, degraded, notes,
	analysis_time_seconds, created_at, started_at, completed_at`

func scanReview(row interface{ Scan(...any) error }) (*models.Review, error) {
	var r models.Review
	var prNumber, score, analysisTime sql.NullInt64
	var notesJSON sql.NullString
	var startedAt, completedAt sql.NullTime

	if err := row.Scan(
		&r.ID,
		&r.JobID,
		&r.RepositoryID,
		&r.CommitSHA,
		&prNumber,
		&r.TriggerEvent,
		&r.Status,
		&score,
		&r.Counts.Critical,
		&r.Counts.High,
		&r.Counts.Medium,
		&r.Counts.Low,
		&r.Attempts,
		&r.FailureReason,
		&r.Degraded,
		&notesJSON,
		&analysisTime,
		&r.CreatedAt,
		&startedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	if prNumber.Valid {
		r.PRNumber = models.Int(int(prNumber.Int64))
	}
	if score.Valid {
		r.QualityScore = models.Int(int(score.Int64))
	}
	if analysisTime.Valid {
		r.AnalysisTimeSeconds = models.Int(int(analysisTime.Int64))
	}
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	r.Notes = notesFromJSON(notesJSON.String)
	return &r, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

const insertPendingReview = `
	INSERT INTO reviews (job_id, repository_id, commit_sha, pr_number, trigger_event, status)
	VALUES ($1, $2, $3, $4, $5, 'pending')
	ON CONFLICT (job_id) DO NOTHING
`

// EnsureReview returns the review for jobID, creating a pending one if needed.
func (p *PostgreSQL) EnsureReview(ctx context.Context, jobID string, req *models.ScanRequest) (*models.Review, error) {
	var review *models.Review
	err := p.withConflictRetry(ctx, "ensure review", func() error {
		if _, err := p.db.ExecContext(ctx, insertPendingReview,
			jobID, req.RepositoryID, req.CommitSHA, nullInt(req.PRNumber), req.TriggerEvent,
		); err != nil {
			return err
		}
		var err error
		review, err = scanReview(p.db.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE job_id = $1`, jobID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure review: %w", err)
	}
	return review, nil
}

// StartReview moves the review for jobID to in_progress.
func (p *PostgreSQL) StartReview(ctx context.Context, jobID string, req *models.ScanRequest, attempt int) (*models.Review, error) {
	var review *models.Review
	err := p.withConflictRetry(ctx, "start review", func() error {
		if _, err := p.db.ExecContext(ctx, insertPendingReview,
			jobID, req.RepositoryID, req.CommitSHA, nullInt(req.PRNumber), req.TriggerEvent,
		); err != nil {
			return err
		}

		var err error
		review, err = scanReview(p.db.QueryRowContext(ctx, `
			UPDATE reviews SET
				status = 'in_progress',
				attempts = $2,
				started_at = COALESCE(started_at, NOW())
			WHERE job_id = $1 AND status IN ('pending', 'in_progress')
			RETURNING `+reviewColumns, jobID, attempt))
		if err != sql.ErrNoRows {
			return err
		}

		// The row exists but is terminal.
		review, err = scanReview(p.db.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE job_id = $1`, jobID))
		if err != nil {
			return err
		}
		return models.ErrReviewTerminal
	})
	if errors.Is(err, models.ErrReviewTerminal) {
		return review, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to start review: %w", err)
	}
	return review, nil
}

// CommitReview atomically replaces the review's issues and marks it completed.
func (p *PostgreSQL) CommitReview(ctx context.Context, reviewID int64, result *storage.ReviewResult) (*models.Review, error) {
	unlock := p.locks.Lock(reviewID)
	defer unlock()

	var review *models.Review
	err := p.withConflictRetry(ctx, "commit review", func() error {
		var err error
		review, err = p.commitReviewTx(ctx, reviewID, result)
		return err
	})
	if errors.Is(err, models.ErrReviewTerminal) || errors.Is(err, storage.ErrNotFound) {
		return review, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to commit review: %w", err)
	}
	return review, nil
}

func (p *PostgreSQL) commitReviewTx(ctx context.Context, reviewID int64, result *storage.ReviewResult) (*models.Review, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var status models.ReviewStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM reviews WHERE id = $1 FOR UPDATE`, reviewID).Scan(&status)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("review %d: %w", reviewID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if status.Terminal() {
		return nil, models.ErrReviewTerminal
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM review_issues WHERE review_id = $1`, reviewID); err != nil {
		return nil, err
	}
	for i, issue := range result.Issues {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO review_issues (review_id, position, file_path, line_number, issue_type, severity, title,
				description, fix_suggestion, code_snippet, confidence_score, source, static_rule_id, is_false_positive)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`,
			reviewID,
			i,
			issue.FilePath,
			nullInt(issue.LineNumber),
			issue.IssueType,
			issue.Severity,
			issue.Title,
			issue.Description,
			issue.FixSuggestion,
			issue.CodeSnippet,
			nullFloat(issue.ConfidenceScore),
			issue.Source,
			issue.StaticRuleID,
			issue.IsFalsePositive,
		); err != nil {
			return nil, err
		}
	}

	var derived models.Review
	result.Apply(&derived)
	review, err := scanReview(tx.QueryRowContext(ctx, `
		UPDATE reviews SET
			status = 'completed',
			quality_score = $2,
			critical_count = $3,
			high_count = $4,
			medium_count = $5,
			low_count = $6,
			degraded = $7,
			notes = $8,
			analysis_time_seconds = $9,
			completed_at = $10,
			failure_reason = ''
		WHERE id = $1
		RETURNING `+reviewColumns,
		reviewID,
		*derived.QualityScore,
		derived.Counts.Critical,
		derived.Counts.High,
		derived.Counts.Medium,
		derived.Counts.Low,
		derived.Degraded,
		notesToJSON(derived.Notes),
		*derived.AnalysisTimeSeconds,
		*derived.CompletedAt,
	))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return review, nil
}

// FailReview marks a non-terminal review as failed.
func (p *PostgreSQL) FailReview(ctx context.Context, reviewID int64, reason string, notes []string) error {
	unlock := p.locks.Lock(reviewID)
	defer unlock()

	err := p.withConflictRetry(ctx, "fail review", func() error {
		res, err := p.db.ExecContext(ctx, `
			UPDATE reviews SET
				status = 'failed',
				failure_reason = $2,
				notes = COALESCE(notes, '[]'::jsonb) || $3::jsonb,
				completed_at = NOW()
			WHERE id = $1 AND status IN ('pending', 'in_progress')
		`, reviewID, reason, notesToJSON(notes))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return models.ErrReviewTerminal
		}
		return nil
	})
	if errors.Is(err, models.ErrReviewTerminal) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to fail review: %w", err)
	}
	return nil
}

// GetReview retrieves a review by id.
func (p *PostgreSQL) GetReview(ctx context.Context, id int64) (*models.Review, error) {
	review, err := scanReview(p.db.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get review: %w", err)
	}
	return review, nil
}

// ListReviews retrieves reviews newest first.
func (p *PostgreSQL) ListReviews(ctx context.Context, filter storage.ReviewFilter) ([]*models.Review, error) {
	var where []string
	var args []any
	if filter.RepositoryID != 0 {
		args = append(args, filter.RepositoryID)
		where = append(where, fmt.Sprintf("repository_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	args = append(args, filter.EffectiveLimit())

	query := `SELECT ` + reviewColumns + ` FROM reviews`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	defer rows.Close()

	var reviews []*models.Review
	for rows.Next() {
		review, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan review: %w", err)
		}
		reviews = append(reviews, review)
	}

	return reviews, rows.Err()
}

// ListIssues retrieves the review's issues in aggregation order.
func (p *PostgreSQL) ListIssues(ctx context.Context, reviewID int64) ([]models.Issue, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, review_id, position, file_path, line_number, issue_type, severity, title, description,
			fix_suggestion, code_snippet, confidence_score, source, static_rule_id, is_false_positive, created_at
		FROM review_issues
		WHERE review_id = $1
		ORDER BY position ASC
	`, reviewID)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	defer rows.Close()

	var issues []models.Issue
	for rows.Next() {
		var issue models.Issue
		var line sql.NullInt64
		var confidence sql.NullFloat64
		if err := rows.Scan(
			&issue.ID,
			&issue.ReviewID,
			&issue.Position,
			&issue.FilePath,
			&line,
			&issue.IssueType,
			&issue.Severity,
			&issue.Title,
			&issue.Description,
			&issue.FixSuggestion,
			&issue.CodeSnippet,
			&confidence,
			&issue.Source,
			&issue.StaticRuleID,
			&issue.IsFalsePositive,
			&issue.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		if line.Valid {
			issue.LineNumber = models.Int(int(line.Int64))
		}
		if confidence.Valid {
			issue.ConfidenceScore = models.Float64(confidence.Float64)
		}
		issues = append(issues, issue)
	}

	return issues, rows.Err()
}

// SetFalsePositive flags an issue and recomputes the review's counts and
// score in the same transaction.
func (p *PostgreSQL) SetFalsePositive(ctx context.Context, reviewID, issueID int64, falsePositive bool) (*models.Review, error) {
	unlock := p.locks.Lock(reviewID)
	defer unlock()

	var review *models.Review
	err := p.withConflictRetry(ctx, "set false positive", func() error {
		var err error
		review, err = p.setFalsePositiveTx(ctx, reviewID, issueID, falsePositive)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to set false positive: %w", err)
	}
	return review, nil
}

func (p *PostgreSQL) setFalsePositiveTx(ctx context.Context, reviewID, issueID int64, falsePositive bool) (*models.Review, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM reviews WHERE id = $1 FOR UPDATE`, reviewID).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("review %d: %w", reviewID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `UPDATE review_issues SET is_false_positive = $3 WHERE review_id = $1 AND id = $2`,
		reviewID, issueID, falsePositive)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("issue %d: %w", issueID, storage.ErrNotFound)
	}

	rows, err := tx.QueryContext(ctx, `SELECT severity, is_false_positive FROM review_issues WHERE review_id = $1`, reviewID)
	if err != nil {
		return nil, err
	}
	var issues []models.Issue
	for rows.Next() {
		var issue models.Issue
		if err := rows.Scan(&issue.Severity, &issue.IsFalsePositive); err != nil {
			rows.Close()
			return nil, err
		}
		issues = append(issues, issue)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	counts := models.CountIssues(issues)
	review, err := scanReview(tx.QueryRowContext(ctx, `
		UPDATE reviews SET
			quality_score = $2,
			critical_count = $3,
			high_count = $4,
			medium_count = $5,
			low_count = $6
		WHERE id = $1
		RETURNING `+reviewColumns,
		reviewID,
		models.QualityScore(counts),
		counts.Critical,
		counts.High,
		counts.Medium,
		counts.Low,
	))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return review, nil
}

// Verify PostgreSQL implements Storage at compile time.
var _ storage.Storage = (*PostgreSQL)(nil)
