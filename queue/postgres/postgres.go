// Package postgres provides a durable Queue backed by PostgreSQL.
//
// Jobs live in scan_jobs; a partial unique index on the active
// (repository_id, commit_sha) pair provides coalescing. Workers claim lane
// heads with FOR UPDATE SKIP LOCKED on scan_lanes, so at most one job per
// repository is in flight. Producers NOTIFY on enqueue and completion;
// consumers LISTEN and fall back to polling.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/sentinelcode/sentinel/models"
	"github.com/sentinelcode/sentinel/queue"
)

// Channel is the NOTIFY channel used to wake consumers.
const Channel = "scan_jobs"

// Queue is a PostgreSQL-backed queue.Queue.
type Queue struct {
	db       *sql.DB
	opts     queue.Options
	logger   *slog.Logger
	listener *pq.Listener

	mu     sync.Mutex
	wake   chan struct{}
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a queue on db. When dsn is non-empty a LISTEN connection is
// opened for low-latency wakeups; otherwise consumers only poll.
func New(db *sql.DB, dsn string, opts queue.Options, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		db:     db,
		opts:   opts.WithDefaults(),
		logger: logger,
		wake:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	if dsn != "" {
		q.listener = pq.NewListener(dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
			if err != nil {
				logger.Warn("queue listener event", slog.Int("event", int(ev)), slog.Any("error", err))
			}
		})
		if err := q.listener.Listen(Channel); err != nil {
			q.listener.Close()
			return nil, fmt.Errorf("failed to listen on %s: %w", Channel, err)
		}
		q.wg.Add(1)
		go q.forwardNotifications()
	}

	return q, nil
}

// Migrate creates the queue tables.
func Migrate(ctx context.Context, db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS scan_jobs (
			id TEXT PRIMARY KEY,
			seq BIGSERIAL NOT NULL,
			repository_id BIGINT NOT NULL,
			commit_sha TEXT NOT NULL,
			request JSONB NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('pending', 'inflight', 'done', 'dead')),
			attempt INTEGER NOT NULL DEFAULT 0,
			not_before TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			lease_until TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_scan_jobs_active
			ON scan_jobs(repository_id, commit_sha)
			WHERE status IN ('pending', 'inflight');

		CREATE INDEX IF NOT EXISTS idx_scan_jobs_lane
			ON scan_jobs(repository_id, seq)
			WHERE status IN ('pending', 'inflight');

		CREATE TABLE IF NOT EXISTS scan_lanes (
			repository_id BIGINT PRIMARY KEY,
			last_dispatched_at TIMESTAMPTZ
		);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create queue schema: %w", err)
	}
	return nil
}

func (q *Queue) forwardNotifications() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case <-q.listener.Notify:
			q.broadcast()
		}
	}
}

func (q *Queue) broadcast() {
	q.mu.Lock()
	close(q.wake)
	q.wake = make(chan struct{})
	q.mu.Unlock()
}

func (q *Queue) notify(ctx context.Context, execer interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}) error {
	_, err := execer.ExecContext(ctx, `SELECT pg_notify($1, '')`, Channel)
	return err
}

// Enqueue inserts a job or coalesces onto the active one for the same commit.
func (q *Queue) Enqueue(ctx context.Context, req models.ScanRequest) (queue.EnqueueResult, error) {
	if err := req.Validate(); err != nil {
		return queue.EnqueueResult{}, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return queue.EnqueueResult{}, fmt.Errorf("failed to encode request: %w", err)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return queue.EnqueueResult{}, fmt.Errorf("failed to begin enqueue: %w", err)
	}
	defer tx.Rollback()

	existing, err := activeJob(ctx, tx, req)
	if err != nil {
		return queue.EnqueueResult{}, err
	}
	if existing != "" {
		return queue.EnqueueResult{JobID: existing, Coalesced: true}, nil
	}

	var depth int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scan_jobs WHERE status IN ('pending', 'inflight')`,
	).Scan(&depth); err != nil {
		return queue.EnqueueResult{}, fmt.Errorf("failed to count jobs: %w", err)
	}
	if depth >= q.opts.MaxBacklog {
		return queue.EnqueueResult{}, fmt.Errorf("%w: %d jobs outstanding", models.ErrQueueFull, depth)
	}

	id := uuid.NewString()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO scan_jobs (id, repository_id, commit_sha, request, status)
		VALUES ($1, $2, $3, $4, 'pending')
		ON CONFLICT (repository_id, commit_sha) WHERE status IN ('pending', 'inflight') DO NOTHING
	`, id, req.RepositoryID, req.CommitSHA, string(payload))
	if err != nil {
		return queue.EnqueueResult{}, fmt.Errorf("failed to insert job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost a race with a concurrent producer for the same commit.
		existing, err := activeJob(ctx, tx, req)
		if err != nil {
			return queue.EnqueueResult{}, err
		}
		return queue.EnqueueResult{JobID: existing, Coalesced: true}, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO scan_lanes (repository_id) VALUES ($1) ON CONFLICT (repository_id) DO NOTHING`,
		req.RepositoryID,
	); err != nil {
		return queue.EnqueueResult{}, fmt.Errorf("failed to create lane: %w", err)
	}
	if err := q.notify(ctx, tx); err != nil {
		return queue.EnqueueResult{}, fmt.Errorf("failed to notify: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return queue.EnqueueResult{}, fmt.Errorf("failed to commit enqueue: %w", err)
	}

	return queue.EnqueueResult{JobID: id}, nil
}

func activeJob(ctx context.Context, tx *sql.Tx, req models.ScanRequest) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM scan_jobs
		WHERE repository_id = $1 AND commit_sha = $2 AND status IN ('pending', 'inflight')
	`, req.RepositoryID, req.CommitSHA).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up active job: %w", err)
	}
	return id, nil
}

// Dequeue claims the head of the least recently dispatched ready lane.
func (q *Queue) Dequeue(ctx context.Context) (*queue.Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, queue.ErrClosed
		}
		wake := q.wake
		q.mu.Unlock()

		d, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}

		timer := time.NewTimer(q.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

const claimQuery = `
	WITH heads AS (
		SELECT DISTINCT ON (repository_id) id, repository_id, status, not_before
		FROM scan_jobs
		WHERE status IN ('pending', 'inflight')
		ORDER BY repository_id, seq
	), candidate AS (
		SELECT h.id, h.repository_id
		FROM heads h
		JOIN scan_lanes l ON l.repository_id = h.repository_id
		WHERE h.status = 'pending' AND h.not_before <= NOW()
		ORDER BY l.last_dispatched_at ASC NULLS FIRST, h.repository_id
		LIMIT 1
		FOR UPDATE OF l SKIP LOCKED
	)
	UPDATE scan_jobs j SET
		status = 'inflight',
		attempt = j.attempt + 1,
		lease_until = NOW() + make_interval(secs => $1),
		updated_at = NOW()
	FROM candidate c
	WHERE j.id = c.id AND j.status = 'pending'
	RETURNING j.id, j.repository_id, j.request, j.attempt, j.lease_until
`

func (q *Queue) claim(ctx context.Context) (*queue.Delivery, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim: %w", err)
	}
	defer tx.Rollback()

	// Leases that expired without an ack become deliverable again.
	if _, err := tx.ExecContext(ctx, `
		UPDATE scan_jobs SET status = 'pending', lease_until = NULL, updated_at = NOW()
		WHERE status = 'inflight' AND lease_until < NOW()
	`); err != nil {
		return nil, fmt.Errorf("failed to reap leases: %w", err)
	}

	var d queue.Delivery
	var repositoryID int64
	var payload []byte
	err = tx.QueryRowContext(ctx, claimQuery, q.opts.Visibility.Seconds()).
		Scan(&d.ID, &repositoryID, &payload, &d.Attempt, &d.LeaseUntil)
	if err == sql.ErrNoRows {
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	if err := json.Unmarshal(payload, &d.Request); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", d.ID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE scan_lanes SET last_dispatched_at = NOW() WHERE repository_id = $1`, repositoryID,
	); err != nil {
		return nil, fmt.Errorf("failed to update lane: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	return &d, nil
}

// Ack marks an in-flight job done and wakes consumers for its lane successor.
func (q *Queue) Ack(ctx context.Context, d *queue.Delivery) error {
	if err := q.settle(ctx, d, `
		UPDATE scan_jobs SET status = 'done', lease_until = NULL, updated_at = NOW()
		WHERE id = $1 AND attempt = $2 AND status = 'inflight'
	`); err != nil {
		return err
	}
	q.wakeConsumers(ctx)
	return nil
}

// Nack requeues an in-flight job after its backoff delay, or dead-letters it.
func (q *Queue) Nack(ctx context.Context, d *queue.Delivery, requeue bool) error {
	if !requeue {
		if err := q.settle(ctx, d, `
			UPDATE scan_jobs SET status = 'dead', lease_until = NULL, updated_at = NOW()
			WHERE id = $1 AND attempt = $2 AND status = 'inflight'
		`); err != nil {
			return err
		}
		q.wakeConsumers(ctx)
		return nil
	}

	return q.settle(ctx, d, `
		UPDATE scan_jobs SET
			status = 'pending',
			lease_until = NULL,
			not_before = NOW() + make_interval(secs => $3),
			updated_at = NOW()
		WHERE id = $1 AND attempt = $2 AND status = 'inflight'
	`, q.opts.RetryDelay(d.Attempt).Seconds())
}

// Extend renews the lease of a delivery that still holds its job.
func (q *Queue) Extend(ctx context.Context, d *queue.Delivery) error {
	return q.settle(ctx, d, `
		UPDATE scan_jobs SET lease_until = NOW() + make_interval(secs => $3), updated_at = NOW()
		WHERE id = $1 AND attempt = $2 AND status = 'inflight'
	`, q.opts.Visibility.Seconds())
}

// settle runs a lease-guarded update. When no row matches it tells a job
// that is gone apart from one that moved on to another delivery.
func (q *Queue) settle(ctx context.Context, d *queue.Delivery, query string, args ...any) error {
	res, err := q.db.ExecContext(ctx, query, append([]any{d.ID, d.Attempt}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var status string
	err = q.db.QueryRowContext(ctx, `SELECT status FROM scan_jobs WHERE id = $1`, d.ID).Scan(&status)
	switch {
	case err == sql.ErrNoRows:
		return fmt.Errorf("%w: %s", queue.ErrUnknownJob, d.ID)
	case err != nil:
		return fmt.Errorf("failed to load job: %w", err)
	}
	return fmt.Errorf("%w: job %s attempt %d is %s", queue.ErrLeaseLost, d.ID, d.Attempt, status)
}

func (q *Queue) wakeConsumers(ctx context.Context) {
	if err := q.notify(ctx, q.db); err != nil {
		q.logger.Warn("failed to notify queue consumers", slog.Any("error", err))
	}
}

// Depth returns the number of pending plus in-flight jobs.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scan_jobs WHERE status IN ('pending', 'inflight')`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

// Close stops the listener and wakes blocked consumers. The database handle
// is owned by the caller.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.wake)
	q.wake = make(chan struct{})
	q.mu.Unlock()

	close(q.done)
	q.wg.Wait()

	if q.listener != nil {
		if err := q.listener.Close(); err != nil {
			return fmt.Errorf("failed to close listener: %w", err)
		}
	}
	return nil
}

var _ queue.Queue = (*Queue)(nil)
