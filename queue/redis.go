package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/platforma-dev/batchmigrate/log"
)

const redisPopTimeout = time.Second

// RedisQueue is a Queue backed by a Redis list. Jobs are JSON encoded, pushed
// to the tail and popped from the head, so several processes can share one list.
//
// A job leaves the list only when a worker is ready to take it: the job
// channel is unbuffered and a popped job that nobody receives before Close
// goes back to the head of the list.
type RedisQueue[T any] struct {
	client redis.UniversalClient
	key    string

	mu     sync.Mutex
	jobs   chan T
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisQueue creates a closed RedisQueue over the list at key.
func NewRedisQueue[T any](client redis.UniversalClient, key string) *RedisQueue[T] {
	return &RedisQueue[T]{client: client, key: key}
}

// Open verifies the connection and starts popping jobs into the job channel.
func (q *RedisQueue[T]) Open(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.jobs != nil {
		return nil
	}

	err := q.client.Ping(ctx).Err()
	if err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}

	popCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.jobs = make(chan T)
	q.cancel = cancel
	q.done = make(chan struct{})

	go q.pop(popCtx, q.jobs, q.done)

	return nil
}

// Close stops popping and closes the job channel. Jobs not handed to a
// worker stay in the list for the next consumer.
func (q *RedisQueue[T]) Close(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.jobs == nil {
		return nil
	}

	q.cancel()
	select {
	case <-q.done:
	case <-ctx.Done():
		return fmt.Errorf("failed to stop redis queue: %w", ctx.Err())
	}

	var left []any
	for {
		select {
		case job := <-q.jobs:
			payload, err := json.Marshal(job)
			if err != nil {
				log.ErrorContext(ctx, "dropping unencodable job", "key", q.key, "error", err)
				continue
			}
			left = append(left, payload)
			continue
		default:
		}
		break
	}

	close(q.jobs)
	q.jobs = nil

	return q.requeue(ctx, left...)
}

// EnqueueJob appends the JSON encoded job to the list.
func (q *RedisQueue[T]) EnqueueJob(ctx context.Context, job T) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	err = q.client.RPush(ctx, q.key, payload).Err()
	if err != nil {
		return fmt.Errorf("failed to push job: %w", err)
	}

	return nil
}

// GetJobChan returns the channel fed from the list.
func (q *RedisQueue[T]) GetJobChan(_ context.Context) (chan T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.jobs == nil {
		return nil, ErrClosedQueue
	}

	return q.jobs, nil
}

// Len returns the number of jobs waiting in the list.
func (q *RedisQueue[T]) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

func (q *RedisQueue[T]) pop(ctx context.Context, jobs chan T, done chan struct{}) {
	defer close(done)

	for ctx.Err() == nil {
		res, err := q.client.BLPop(ctx, redisPopTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WarnContext(ctx, "failed to pop job", "key", q.key, "error", err)
			time.Sleep(redisPopTimeout)
			continue
		}

		// res holds the key followed by the value
		payload := res[1]

		var job T
		err = json.Unmarshal([]byte(payload), &job)
		if err != nil {
			log.ErrorContext(ctx, "dropping undecodable job", "key", q.key, "error", err)
			continue
		}

		select {
		case jobs <- job:
		case <-ctx.Done():
			err := q.requeue(context.WithoutCancel(ctx), payload)
			if err != nil {
				log.ErrorContext(ctx, "failed to return job to queue", "key", q.key, "error", err)
			}
			return
		}
	}
}

// requeue puts payloads back at the head of the list in their original order.
func (q *RedisQueue[T]) requeue(ctx context.Context, payloads ...any) error {
	if len(payloads) == 0 {
		return nil
	}

	slices.Reverse(payloads)

	err := q.client.LPush(ctx, q.key, payloads...).Err()
	if err != nil {
		return fmt.Errorf("failed to return %d jobs to %s: %w", len(payloads), q.key, err)
	}

	return nil
}
