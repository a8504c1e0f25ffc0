package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sentinelcode/sentinel/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func push(repo int64, sha string) models.ScanRequest {
	return models.ScanRequest{RepositoryID: repo, CommitSHA: sha, TriggerEvent: models.TriggerPush, RequestedAt: time.Now()}
}

func dequeue(t *testing.T, q Queue) *Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	return d
}

func assertEmpty(t *testing.T, q Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEnqueueCoalescesDuplicates(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(Options{})
	defer q.Close()

	first, err := q.Enqueue(ctx, push(1, "abc123"))
	require.NoError(t, err)
	assert.False(t, first.Coalesced)

	second, err := q.Enqueue(ctx, push(1, "abc123"))
	require.NoError(t, err)
	assert.True(t, second.Coalesced)
	assert.Equal(t, first.JobID, second.JobID)

	// Still coalesces while in flight.
	d := dequeue(t, q)
	third, err := q.Enqueue(ctx, push(1, "abc123"))
	require.NoError(t, err)
	assert.Equal(t, d.ID, third.JobID)

	require.NoError(t, q.Ack(ctx, d))
	fresh, err := q.Enqueue(ctx, push(1, "abc123"))
	require.NoError(t, err)
	assert.NotEqual(t, first.JobID, fresh.JobID, "completed jobs no longer coalesce")
}

func TestEnqueueRejectsInvalidRequest(t *testing.T) {
	q := NewMemory(Options{})
	defer q.Close()

	_, err := q.Enqueue(context.Background(), models.ScanRequest{RepositoryID: 1, TriggerEvent: models.TriggerPush})
	assert.ErrorIs(t, err, models.ErrMalformedPayload)
}

func TestStrictPerRepositoryOrder(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(Options{})
	defer q.Close()

	a, err := q.Enqueue(ctx, push(1, "aaa"))
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, push(1, "bbb"))
	require.NoError(t, err)

	d := dequeue(t, q)
	assert.Equal(t, a.JobID, d.ID)
	assertEmpty(t, q)

	require.NoError(t, q.Ack(ctx, d))
	d = dequeue(t, q)
	assert.Equal(t, b.JobID, d.ID)
	require.NoError(t, q.Ack(ctx, d))
}

func TestFairnessAcrossRepositories(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(Options{})
	defer q.Close()

	for _, sha := range []string{"a1", "a2", "a3"} {
		_, err := q.Enqueue(ctx, push(1, sha))
		require.NoError(t, err)
	}
	_, err := q.Enqueue(ctx, push(2, "b1"))
	require.NoError(t, err)

	first := dequeue(t, q)
	require.NoError(t, q.Ack(ctx, first))
	second := dequeue(t, q)
	require.NoError(t, q.Ack(ctx, second))

	assert.NotEqual(t, first.Request.RepositoryID, second.Request.RepositoryID,
		"a busy repository must not starve another one")
}

func TestBackpressure(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(Options{MaxBacklog: 2})
	defer q.Close()

	_, err := q.Enqueue(ctx, push(1, "a"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, push(2, "b"))
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, push(3, "c"))
	assert.ErrorIs(t, err, models.ErrQueueFull)

	res, err := q.Enqueue(ctx, push(1, "a"))
	require.NoError(t, err, "coalesced enqueues never hit the bound")
	assert.True(t, res.Coalesced)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}

func TestNackRequeueAfterBackoff(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(Options{RetryBase: 40 * time.Millisecond, RetryMax: time.Second})
	defer q.Close()

	_, err := q.Enqueue(ctx, push(1, "a"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, push(1, "b"))
	require.NoError(t, err)

	d := dequeue(t, q)
	assert.Equal(t, 1, d.Attempt)
	require.NoError(t, q.Nack(ctx, d, true))
	assertEmpty(t, q)

	again := dequeue(t, q)
	assert.Equal(t, d.ID, again.ID, "requeued job keeps the head of its lane")
	assert.Equal(t, 2, again.Attempt)
	require.NoError(t, q.Ack(ctx, again))
}

func TestNackDeadLetters(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(Options{})
	defer q.Close()

	_, err := q.Enqueue(ctx, push(1, "a"))
	require.NoError(t, err)
	d := dequeue(t, q)
	require.NoError(t, q.Nack(ctx, d, false))

	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, d.ID, dead[0].ID)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
	assert.ErrorIs(t, q.Ack(ctx, d), ErrUnknownJob)
}

func TestLeaseExpiryRedelivers(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(Options{Visibility: 30 * time.Millisecond})
	defer q.Close()

	_, err := q.Enqueue(ctx, push(1, "a"))
	require.NoError(t, err)
	first := dequeue(t, q)

	second := dequeue(t, q)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Attempt)
	require.NoError(t, q.Ack(ctx, second))
}

func TestStaleDeliveryCannotSettleRedeliveredJob(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(Options{Visibility: time.Minute})
	defer q.Close()
	clock := time.Now()
	q.now = func() time.Time { return clock }

	_, err := q.Enqueue(ctx, push(1, "aaa"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, push(1, "bbb"))
	require.NoError(t, err)

	stale := dequeue(t, q)
	clock = clock.Add(2 * time.Minute)
	current := dequeue(t, q)
	require.Equal(t, stale.ID, current.ID)
	require.Equal(t, 2, current.Attempt)

	assert.ErrorIs(t, q.Ack(ctx, stale), ErrLeaseLost)
	assert.ErrorIs(t, q.Nack(ctx, stale, true), ErrLeaseLost)
	assert.ErrorIs(t, q.Extend(ctx, stale), ErrLeaseLost)

	// The lane stays held by the current delivery.
	require.NoError(t, q.Extend(ctx, current))
	assertEmpty(t, q)

	require.NoError(t, q.Ack(ctx, current))
	next := dequeue(t, q)
	assert.Equal(t, "bbb", next.Request.CommitSHA)
	require.NoError(t, q.Ack(ctx, next))
}

func TestAckRequiresDelivery(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(Options{})
	defer q.Close()

	res, err := q.Enqueue(ctx, push(1, "a"))
	require.NoError(t, err)

	assert.ErrorIs(t, q.Ack(ctx, &Delivery{ID: res.JobID}), ErrLeaseLost)
	assert.ErrorIs(t, q.Ack(ctx, &Delivery{ID: "missing", Attempt: 1}), ErrUnknownJob)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestExtendKeepsLease(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(Options{Visibility: time.Minute})
	defer q.Close()
	clock := time.Now()
	q.now = func() time.Time { return clock }

	_, err := q.Enqueue(ctx, push(1, "a"))
	require.NoError(t, err)
	d := dequeue(t, q)

	for range 3 {
		clock = clock.Add(40 * time.Second)
		require.NoError(t, q.Extend(ctx, d))
	}
	assertEmpty(t, q)
	require.NoError(t, q.Ack(ctx, d))
}

func TestCloseWakesConsumers(t *testing.T) {
	q := NewMemory(Options{})

	errc := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Close())
	assert.ErrorIs(t, <-errc, ErrClosed)

	_, err := q.Enqueue(context.Background(), push(1, "a"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRetryDelay(t *testing.T) {
	o := Options{RetryBase: time.Second, RetryMax: 5 * time.Second}
	assert.Equal(t, time.Second, o.RetryDelay(1))
	assert.Equal(t, 2*time.Second, o.RetryDelay(2))
	assert.Equal(t, 4*time.Second, o.RetryDelay(3))
	assert.Equal(t, 5*time.Second, o.RetryDelay(4))
}
