package sink

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"etl-extract/internal/source"
)

// RetryStore decorates another Store adding automatic retry capabilities for
// transient write failures, such as a locked database file. Only errors for
// which the retryable predicate returns true are retried; every other error
// is returned at once.
//
// If attempts is < 1, it defaults to 1 (no retries).
// If delayMs is 0, it defaults to 1000ms.
type RetryStore struct {
	Store
	attempts  int
	delay     time.Duration
	retryable func(error) bool
}

// NewRetryStore builds a Store with retry behaviour around inner. A nil
// predicate retries every error.
func NewRetryStore(inner Store, attempts, delayMs int, retryable func(error) bool) *RetryStore {
	if attempts < 1 {
		attempts = 1
	}
	if delayMs == 0 {
		delayMs = 1000
	}
	if retryable == nil {
		retryable = func(error) bool { return true }
	}
	return &RetryStore{
		Store:     inner,
		attempts:  attempts,
		delay:     time.Duration(delayMs) * time.Millisecond,
		retryable: retryable,
	}
}

// Unwrap returns the decorated store.
func (r *RetryStore) Unwrap() Store { return r.Store }

// CreateTable forwards the call to the wrapped store retrying on failure.
func (r *RetryStore) CreateTable(ctx context.Context, table string, columns []string) error {
	return r.do(ctx, "create table "+table, func() error {
		return r.Store.CreateTable(ctx, table, columns)
	})
}

// InsertRows forwards the call to the wrapped store retrying on failure.
func (r *RetryStore) InsertRows(ctx context.Context, table string, rows []source.Row, cp Checkpoint) error {
	return r.do(ctx, "insert into "+table, func() error {
		return r.Store.InsertRows(ctx, table, rows, cp)
	})
}

func (r *RetryStore) do(ctx context.Context, what string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		err = fn()
		if err == nil || !r.retryable(err) {
			return err
		}

		logrus.Warnf("store %s failed (attempt %d/%d): %v", what, attempt, r.attempts, err)

		// Wait before next retry unless it's the final attempt.
		if attempt < r.attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.delay):
			}
		}
	}
	return err
}
