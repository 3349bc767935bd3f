package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/platforma-dev/batchmigrate/log"
)

// Processor runs a fixed number of workers that take jobs from a Queue and
// pass them to a Handler.
type Processor[T any] struct {
	handler         Handler[T]
	queue           Queue[T]
	workers         int
	shutdownTimeout time.Duration

	processed atomic.Int64
	inFlight  atomic.Int64
}

// New creates a Processor. workers below 1 are raised to 1.
func New[T any](handler Handler[T], queue Queue[T], workers int, shutdownTimeout time.Duration) *Processor[T] {
	if workers < 1 {
		workers = 1
	}

	return &Processor[T]{
		handler:         handler,
		queue:           queue,
		workers:         workers,
		shutdownTimeout: shutdownTimeout,
	}
}

// Enqueue adds a job to the underlying queue.
func (p *Processor[T]) Enqueue(ctx context.Context, job T) error {
	err := p.queue.EnqueueJob(ctx, job)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	return nil
}

// Run opens the queue and processes jobs until ctx is canceled. Jobs already
// taken by a worker are allowed to finish within the shutdown timeout.
func (p *Processor[T]) Run(ctx context.Context) error {
	err := p.queue.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open queue: %w", err)
	}

	jobs, err := p.queue.GetJobChan(ctx)
	if err != nil {
		return errors.Join(fmt.Errorf("failed to get job channel: %w", err), p.queue.Close(context.WithoutCancel(ctx)))
	}

	log.InfoContext(ctx, "queue processor started", "workers", p.workers)

	var wg sync.WaitGroup
	for i := range p.workers {
		wg.Add(1)
		workerCtx := log.With(ctx, log.WorkerIDKey, strconv.Itoa(i+1))

		go func() {
			defer wg.Done()
			p.work(workerCtx, jobs)
		}()
	}

	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.shutdownTimeout):
		log.WarnContext(ctx, "queue processor shutdown timed out", "inFlight", p.inFlight.Load())
	}

	err = p.queue.Close(context.WithoutCancel(ctx))
	if err != nil {
		return fmt.Errorf("failed to close queue: %w", err)
	}

	log.InfoContext(ctx, "queue processor stopped", "processed", p.processed.Load())
	return nil
}

// Healthcheck reports processor counters.
func (p *Processor[T]) Healthcheck(_ context.Context) any {
	return map[string]any{
		"workers":   p.workers,
		"processed": p.processed.Load(),
		"inFlight":  p.inFlight.Load(),
	}
}

func (p *Processor[T]) work(ctx context.Context, jobs chan T) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			p.handle(context.WithoutCancel(ctx), job)
		}
	}
}

func (p *Processor[T]) handle(ctx context.Context, job T) {
	p.inFlight.Add(1)
	defer func() {
		p.inFlight.Add(-1)
		p.processed.Add(1)

		if r := recover(); r != nil {
			log.ErrorContext(ctx, "job handler panicked", "panic", r)
		}
	}()

	p.handler.Handle(ctx, job)
}
