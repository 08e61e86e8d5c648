// Package queue provides the bounded hand-off between a chunk producer and
// its consumer, plus a registry that lets a controller stop every live queue.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrClosed is returned by Put after Close.
	ErrClosed = errors.New("queue closed")
	// ErrTimeout is returned when a Put or Get waits longer than the queue's
	// timeout.
	ErrTimeout = errors.New("queue operation timed out")
)

// Queue is a FIFO of bounded capacity. Put blocks while the queue is full.
//
// One producer calls Put and finally Close; one consumer calls Get until it
// reports the queue drained. Stop is a flag any goroutine may raise to ask
// the producer to finish after its in-flight item; it does not discard or
// reject anything.
type Queue[T any] struct {
	id      string
	items   chan T
	timeout time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	closed   atomic.Bool
}

// Option configures a Queue.
type Option func(*options)

type options struct {
	timeout time.Duration
}

// WithTimeout bounds how long Put and Get may block.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// New creates a queue holding at most capacity items (minimum 1).
func New[T any](capacity int, opts ...Option) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Queue[T]{
		id:      uuid.NewString(),
		items:   make(chan T, capacity),
		timeout: o.timeout,
		stop:    make(chan struct{}),
	}
}

// ID identifies the queue within a Pool.
func (q *Queue[T]) ID() string { return q.id }

// Put enqueues item, blocking while the queue is full.
func (q *Queue[T]) Put(ctx context.Context, item T) error {
	if q.closed.Load() {
		return ErrClosed
	}
	var timeout <-chan time.Time
	if q.timeout > 0 {
		t := time.NewTimer(q.timeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case q.items <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		return ErrTimeout
	}
}

// Get dequeues the next item. ok is false once the queue has been closed and
// every remaining item delivered.
func (q *Queue[T]) Get(ctx context.Context) (item T, ok bool, err error) {
	var timeout <-chan time.Time
	if q.timeout > 0 {
		t := time.NewTimer(q.timeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case item, ok = <-q.items:
		return item, ok, nil
	case <-ctx.Done():
		return item, false, ctx.Err()
	case <-timeout:
		return item, false, ErrTimeout
	}
}

// Close marks the end of production. Items already queued remain readable.
// Only the producer may call Close.
func (q *Queue[T]) Close() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.items)
	}
}

// Stop raises the stop flag.
func (q *Queue[T]) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
}

// Stopped reports whether Stop has been called.
func (q *Queue[T]) Stopped() bool {
	select {
	case <-q.stop:
		return true
	default:
		return false
	}
}

// Done is closed when Stop is called.
func (q *Queue[T]) Done() <-chan struct{} { return q.stop }

// Len is the number of items waiting.
func (q *Queue[T]) Len() int { return len(q.items) }

// Cap is the queue's capacity.
func (q *Queue[T]) Cap() int { return cap(q.items) }
