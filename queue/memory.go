package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelcode/sentinel/models"
)

type memJob struct {
	id         string
	req        models.ScanRequest
	attempt    int
	notBefore  time.Time
	leaseUntil time.Time
	inflight   bool
}

type memLane struct {
	repositoryID   int64
	jobs           []*memJob
	lastDispatched time.Time
}

// Memory is an in-process Queue. State is lost on restart.
type Memory struct {
	mu     sync.Mutex
	opts   Options
	lanes  map[int64]*memLane
	jobs   map[string]*memJob
	dedup  map[string]string
	dead   []Delivery
	wake   chan struct{}
	closed bool

	now func() time.Time
}

// NewMemory creates an in-process queue.
func NewMemory(opts Options) *Memory {
	return &Memory{
		opts:  opts.WithDefaults(),
		lanes: make(map[int64]*memLane),
		jobs:  make(map[string]*memJob),
		dedup: make(map[string]string),
		wake:  make(chan struct{}),
		now:   time.Now,
	}
}

// broadcast wakes every blocked Dequeue. Callers hold mu.
func (m *Memory) broadcast() {
	close(m.wake)
	m.wake = make(chan struct{})
}

// Enqueue adds req to its repository lane or coalesces onto an active job.
func (m *Memory) Enqueue(_ context.Context, req models.ScanRequest) (EnqueueResult, error) {
	if err := req.Validate(); err != nil {
		return EnqueueResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return EnqueueResult{}, ErrClosed
	}
	if id, ok := m.dedup[req.DedupKey()]; ok {
		return EnqueueResult{JobID: id, Coalesced: true}, nil
	}
	if len(m.jobs) >= m.opts.MaxBacklog {
		return EnqueueResult{}, fmt.Errorf("%w: %d jobs outstanding", models.ErrQueueFull, len(m.jobs))
	}

	j := &memJob{id: uuid.NewString(), req: req}
	l, ok := m.lanes[req.RepositoryID]
	if !ok {
		l = &memLane{repositoryID: req.RepositoryID}
		m.lanes[req.RepositoryID] = l
	}
	l.jobs = append(l.jobs, j)
	m.jobs[j.id] = j
	m.dedup[req.DedupKey()] = j.id
	m.broadcast()

	return EnqueueResult{JobID: j.id}, nil
}

// Dequeue blocks until a lane head is deliverable.
func (m *Memory) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		now := m.now()
		d, next := m.claimLocked(now)
		wake := m.wake
		m.mu.Unlock()

		if d != nil {
			return d, nil
		}

		var timer *time.Timer
		var fire <-chan time.Time
		if !next.IsZero() {
			timer = time.NewTimer(next.Sub(now))
			fire = timer.C
		}
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil, ctx.Err()
		case <-wake:
		case <-fire:
		}
		stopTimer(timer)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// claimLocked delivers the best lane head, or reports when to look again.
func (m *Memory) claimLocked(now time.Time) (*Delivery, time.Time) {
	var best *memLane
	var next time.Time
	earliest := func(t time.Time) {
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}

	for _, l := range m.lanes {
		head := l.jobs[0]
		if head.inflight {
			if now.Before(head.leaseUntil) {
				earliest(head.leaseUntil)
				continue
			}
			// Lease expired without ack; the head becomes deliverable again.
			head.inflight = false
		}
		if now.Before(head.notBefore) {
			earliest(head.notBefore)
			continue
		}
		if best == nil ||
			l.lastDispatched.Before(best.lastDispatched) ||
			(l.lastDispatched.Equal(best.lastDispatched) && l.repositoryID < best.repositoryID) {
			best = l
		}
	}
	if best == nil {
		return nil, next
	}

	head := best.jobs[0]
	head.inflight = true
	head.attempt++
	head.leaseUntil = now.Add(m.opts.Visibility)
	best.lastDispatched = now

	return &Delivery{
		ID:         head.id,
		Request:    head.req,
		Attempt:    head.attempt,
		LeaseUntil: head.leaseUntil,
	}, time.Time{}
}

// Ack removes a delivered job and releases its lane.
func (m *Memory) Ack(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.holderLocked(d)
	if err != nil {
		return err
	}
	m.removeLocked(j)
	m.broadcast()
	return nil
}

// Nack requeues a delivered job after its backoff delay, or dead-letters it.
func (m *Memory) Nack(_ context.Context, d *Delivery, requeue bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.holderLocked(d)
	if err != nil {
		return err
	}
	if !requeue {
		m.removeLocked(j)
		m.dead = append(m.dead, Delivery{ID: j.id, Request: j.req, Attempt: j.attempt})
		m.broadcast()
		return nil
	}

	j.inflight = false
	j.leaseUntil = time.Time{}
	j.notBefore = m.now().Add(m.opts.RetryDelay(j.attempt))
	m.broadcast()
	return nil
}

// Extend pushes the lease of d out by another visibility timeout.
func (m *Memory) Extend(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.holderLocked(d)
	if err != nil {
		return err
	}
	j.leaseUntil = m.now().Add(m.opts.Visibility)
	return nil
}

// holderLocked returns the job d refers to if d still holds its lease. A
// lease that expired but was not yet reclaimed is still held.
func (m *Memory) holderLocked(d *Delivery) (*memJob, error) {
	j, ok := m.jobs[d.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, d.ID)
	}
	if !j.inflight || j.attempt != d.Attempt {
		return nil, fmt.Errorf("%w: job %s attempt %d", ErrLeaseLost, d.ID, d.Attempt)
	}
	return j, nil
}

// removeLocked drops j, which is the in-flight head of its lane.
func (m *Memory) removeLocked(j *memJob) {
	l := m.lanes[j.req.RepositoryID]
	l.jobs = l.jobs[1:]
	if len(l.jobs) == 0 {
		delete(m.lanes, l.repositoryID)
	}
	delete(m.jobs, j.id)
	delete(m.dedup, j.req.DedupKey())
}

// Depth returns the number of pending plus in-flight jobs.
func (m *Memory) Depth(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs), nil
}

// DeadLetters returns the jobs that were nacked without requeue.
func (m *Memory) DeadLetters() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Delivery, len(m.dead))
	copy(out, m.dead)
	return out
}

// Close wakes all blocked consumers and rejects further calls.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.broadcast()
	}
	return nil
}

var _ Queue = (*Memory)(nil)
