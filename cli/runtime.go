package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/platforma-dev/batchmigrate/config"
	"github.com/platforma-dev/batchmigrate/database"
	"github.com/platforma-dev/batchmigrate/driver"
	"github.com/platforma-dev/batchmigrate/execution"
	"github.com/platforma-dev/batchmigrate/queue"
)

// runtime holds the connections a command works with.
type runtime struct {
	cfg   *config.Config
	db    *database.Database
	store *execution.Repository
	redis *redis.Client
}

func open(cfg *config.Config) (*runtime, error) {
	db, err := database.New(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, db: db, store: execution.NewRepository(db.Connection())}

	if cfg.Queue.Backend == config.QueueRedis || cfg.SignalChannel != "" {
		rt.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	return rt, nil
}

func (rt *runtime) Close() error {
	var errs []error
	if rt.redis != nil {
		errs = append(errs, rt.redis.Close())
	}
	errs = append(errs, rt.db.Close())
	return errors.Join(errs...)
}

// jobQueue returns the queue backend selected by configuration.
func (rt *runtime) jobQueue() queue.Queue[driver.Job] {
	if rt.cfg.Queue.Backend == config.QueueRedis {
		return queue.NewRedisQueue[driver.Job](rt.redis, rt.cfg.Redis.Key)
	}
	return queue.NewChanQueue[driver.Job](rt.cfg.Queue.Buffer, rt.cfg.Queue.EnqueueTimeout)
}

type enqueueFunc func(context.Context, driver.Job) error

func (f enqueueFunc) Enqueue(ctx context.Context, job driver.Job) error {
	return f(ctx, job)
}

// redisEnqueuer hands jobs to the workers of a serve process.
func (rt *runtime) redisEnqueuer() enqueueFunc {
	q := queue.NewRedisQueue[driver.Job](rt.redis, rt.cfg.Redis.Key)
	return func(ctx context.Context, job driver.Job) error {
		err := q.EnqueueJob(ctx, job)
		if err != nil {
			return fmt.Errorf("failed to enqueue job: %w", err)
		}
		return nil
	}
}

// inlineQueue runs a chain in the calling process, job after job.
type inlineQueue struct {
	jobs []driver.Job
}

func (q *inlineQueue) Enqueue(_ context.Context, job driver.Job) error {
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *inlineQueue) drain(ctx context.Context, d *driver.Driver) int {
	n := 0
	for len(q.jobs) > 0 {
		job := q.jobs[0]
		q.jobs = q.jobs[1:]

		d.Handle(ctx, job)
		n++
	}
	return n
}
