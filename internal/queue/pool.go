package queue

import (
	"fmt"
	"sync"
	"time"
)

// Pool tracks live queues by id so a controller can stop them from outside
// the goroutines that use them.
type Pool[T any] struct {
	mu      sync.Mutex
	queues  map[string]*Queue[T]
	stopped bool
}

// NewPool returns an empty pool.
func NewPool[T any]() *Pool[T] {
	return &Pool[T]{queues: make(map[string]*Queue[T])}
}

// New creates and registers a queue. If StopAll has been called the queue
// starts stopped.
func (p *Pool[T]) New(capacity int, timeout time.Duration) *Queue[T] {
	q := New[T](capacity, WithTimeout(timeout))
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		q.Stop()
	}
	p.queues[q.ID()] = q
	return q
}

// Get returns the queue registered under id.
func (p *Pool[T]) Get(id string) (*Queue[T], bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.queues[id]
	return q, ok
}

// Stop raises the stop flag of one queue.
func (p *Pool[T]) Stop(id string) error {
	q, ok := p.Get(id)
	if !ok {
		return fmt.Errorf("unknown queue %s", id)
	}
	q.Stop()
	return nil
}

// StopAll stops every registered queue and every queue created afterwards,
// until Reset.
func (p *Pool[T]) StopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	for _, q := range p.queues {
		q.Stop()
	}
}

// Reset lets newly created queues start unstopped again.
func (p *Pool[T]) Reset() {
	p.mu.Lock()
	p.stopped = false
	p.mu.Unlock()
}

// Release forgets the queue registered under id.
func (p *Pool[T]) Release(id string) {
	p.mu.Lock()
	delete(p.queues, id)
	p.mu.Unlock()
}

// Len is the number of registered queues.
func (p *Pool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queues)
}

// Depth is the total number of items waiting across all queues.
func (p *Pool[T]) Depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, q := range p.queues {
		n += q.Len()
	}
	return n
}
