// Package queue provides the durable, fair, at-least-once job queue that
// decouples webhook intake from scan execution.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sentinelcode/sentinel/models"
)

var (
	// ErrClosed is returned once the queue has been closed.
	ErrClosed = errors.New("queue closed")
	// ErrUnknownJob is returned when settling a job the queue no longer holds.
	ErrUnknownJob = errors.New("unknown job")
	// ErrLeaseLost is returned when a delivery is settled or extended after
	// its lease expired and the job was reclaimed or redelivered.
	ErrLeaseLost = errors.New("delivery lease lost")
)

// Queue is the job queue contract.
//
// Jobs of one repository are delivered strictly in order with at most one in
// flight; across repositories the least recently dispatched one goes first.
// Enqueueing a (repository, commit) pair that is already pending or in flight
// coalesces onto the existing job.
type Queue interface {
	Enqueue(ctx context.Context, req models.ScanRequest) (EnqueueResult, error)
	// Dequeue blocks until a job is available, ctx is done or the queue is closed.
	Dequeue(ctx context.Context) (*Delivery, error)
	// Ack, Nack and Extend only act on the delivery that currently holds the
	// job's lease; a stale delivery gets ErrLeaseLost.
	Ack(ctx context.Context, d *Delivery) error
	// Nack with requeue puts the job back at the head of its lane after a
	// backoff delay; without requeue the job is dead-lettered.
	Nack(ctx context.Context, d *Delivery, requeue bool) error
	// Extend renews the delivery's lease for another visibility timeout.
	Extend(ctx context.Context, d *Delivery) error
	// Depth is the number of pending plus in-flight jobs.
	Depth(ctx context.Context) (int, error)
	Close() error
}

// EnqueueResult identifies the job a request landed on.
type EnqueueResult struct {
	JobID     string
	Coalesced bool
}

// Delivery is one delivery of a job to a worker. ID and Attempt together
// identify the lease.
type Delivery struct {
	ID         string
	Request    models.ScanRequest
	Attempt    int // 1 on first delivery
	LeaseUntil time.Time
}

// Options tunes queue behaviour. Zero values take the defaults below.
type Options struct {
	// MaxBacklog bounds pending plus in-flight jobs.
	MaxBacklog int
	// Visibility is how long a delivery stays leased before it is redelivered.
	Visibility time.Duration
	// RetryBase and RetryMax bound the nack requeue delay.
	RetryBase time.Duration
	RetryMax  time.Duration
	// PollInterval is the fallback wake-up interval for durable backends.
	PollInterval time.Duration
}

// Default option values.
const (
	DefaultMaxBacklog   = 1000
	DefaultVisibility   = 15 * time.Minute
	DefaultRetryBase    = 2 * time.Second
	DefaultRetryMax     = 2 * time.Minute
	DefaultPollInterval = 5 * time.Second
)

// WithDefaults returns o with zero fields replaced by defaults.
func (o Options) WithDefaults() Options {
	if o.MaxBacklog <= 0 {
		o.MaxBacklog = DefaultMaxBacklog
	}
	if o.Visibility <= 0 {
		o.Visibility = DefaultVisibility
	}
	if o.RetryBase <= 0 {
		o.RetryBase = DefaultRetryBase
	}
	if o.RetryMax <= 0 {
		o.RetryMax = DefaultRetryMax
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

// RetryDelay returns the requeue delay after the given delivery attempt:
// RetryBase doubled per attempt, capped at RetryMax, without jitter.
func (o Options) RetryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.RetryBase
	b.MaxInterval = o.RetryMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
