// Package queue provides a generic worker pool fed by a pluggable job queue.
package queue

import (
	"context"
	"errors"
)

var (
	// ErrTimeout is returned when a job could not be enqueued in time.
	ErrTimeout = errors.New("enqueue timeout")
	// ErrClosedQueue is returned when the queue is not open.
	ErrClosedQueue = errors.New("queue is closed")
)

// Queue stores jobs until a worker picks them up.
type Queue[T any] interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	EnqueueJob(ctx context.Context, job T) error
	GetJobChan(ctx context.Context) (chan T, error)
}

// Handler processes a single job. Handlers have no error return: a job is
// delivered at most once and never retried by the processor.
type Handler[T any] interface {
	Handle(ctx context.Context, job T)
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc[T any] func(ctx context.Context, job T)

// Handle implements Handler.
func (f HandlerFunc[T]) Handle(ctx context.Context, job T) {
	f(ctx, job)
}
