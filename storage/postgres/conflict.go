package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"

	"github.com/sentinelcode/sentinel/models"
)

// SQLSTATE codes treated as retryable write conflicts.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// conflictRetries bounds retries of a conflicting write.
const conflictRetries = 4

// classify maps driver errors onto the pipeline taxonomy.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeSerializationFailure, codeDeadlockDetected:
			return fmt.Errorf("%w: %s", models.ErrPersistenceConflict, pqErr.Message)
		}
	}
	return err
}

// withConflictRetry runs op, retrying serialization failures with
// exponential backoff. Other errors are returned immediately.
func (p *PostgreSQL) withConflictRetry(ctx context.Context, name string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = time.Second

	operation := func() error {
		err := classify(op())
		if err != nil && !errors.Is(err, models.ErrPersistenceConflict) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, d time.Duration) {
		p.logger.Warn("retrying conflicting write", slog.String("op", name), slog.Duration("backoff", d), slog.Any("error", err))
	}
	return backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(b, conflictRetries), ctx), notify)
}

// keyedMutex serializes writers per review id within this process.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(id int64) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[int64]*keyedLock)
	}
	l, ok := k.locks[id]
	if !ok {
		l = &keyedLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
