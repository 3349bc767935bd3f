package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ChanQueue is an in-process Queue backed by a buffered channel.
type ChanQueue[T any] struct {
	mu             sync.RWMutex
	jobs           chan T
	open           bool
	buffer         int
	enqueueTimeout time.Duration
}

// NewChanQueue creates a closed ChanQueue. Open must be called before use.
func NewChanQueue[T any](buffer int, enqueueTimeout time.Duration) *ChanQueue[T] {
	return &ChanQueue[T]{buffer: buffer, enqueueTimeout: enqueueTimeout}
}

// Open allocates the channel. Opening an open queue is a no-op.
func (q *ChanQueue[T]) Open(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.open {
		return nil
	}

	q.jobs = make(chan T, q.buffer)
	q.open = true
	return nil
}

// Close closes the channel. Jobs still buffered are dropped.
func (q *ChanQueue[T]) Close(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.open {
		return nil
	}

	q.open = false
	close(q.jobs)
	return nil
}

// EnqueueJob waits up to the enqueue timeout for room in the buffer.
func (q *ChanQueue[T]) EnqueueJob(ctx context.Context, job T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if !q.open {
		return ErrClosedQueue
	}

	timer := time.NewTimer(q.enqueueTimeout)
	defer timer.Stop()

	select {
	case q.jobs <- job:
		return nil
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	}
}

// GetJobChan returns the channel workers read from.
func (q *ChanQueue[T]) GetJobChan(_ context.Context) (chan T, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if !q.open {
		return nil, ErrClosedQueue
	}

	return q.jobs, nil
}
