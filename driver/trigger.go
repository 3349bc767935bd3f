package driver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/platforma-dev/batchmigrate/execution"
	"github.com/platforma-dev/batchmigrate/log"
	"github.com/platforma-dev/batchmigrate/migration"
)

// RangeOptions selects the batches of a manual run or rollback.
// Zero values mean: from batch 1, to the last batch, with the default size.
type RangeOptions struct {
	From      int
	To        int
	BatchSize int
}

// Trigger starts runs and rollbacks on operator request.
type Trigger struct {
	registry *migration.Registry
	store    execution.Store
	queue    Enqueuer
	execLog  *execution.Logger
	now      func() time.Time
}

// NewTrigger creates a Trigger.
func NewTrigger(registry *migration.Registry, store execution.Store, queue Enqueuer) *Trigger {
	return &Trigger{
		registry: registry,
		store:    store,
		queue:    queue,
		execLog:  execution.NewLogger(store, slog.LevelInfo),
		now:      time.Now,
	}
}

// Run starts a forward run of migration id.
func (t *Trigger) Run(ctx context.Context, id string, opts RangeOptions) (*execution.Execution, error) {
	return t.start(ctx, id, migration.Up, opts)
}

// Rollback starts a backward run of migration id.
func (t *Trigger) Rollback(ctx context.Context, id string, opts RangeOptions) (*execution.Execution, error) {
	return t.start(ctx, id, migration.Down, opts)
}

// Cancel marks an open execution canceled. The batch in flight, if any,
// finishes; no further batch of the chain runs.
func (t *Trigger) Cancel(ctx context.Context, executionID int64) (*execution.Execution, error) {
	exec, err := t.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load execution %d: %w", executionID, err)
	}

	if !exec.Status.Open() {
		return nil, fmt.Errorf("%w: execution %d is %s", ErrExecutionClosed, exec.ID, exec.Status)
	}

	exec.Finish(execution.StatusCanceled, t.now())

	err = t.store.UpdateExecution(ctx, exec)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel execution %d: %w", exec.ID, err)
	}

	err = t.execLog.Warn(ctx, exec.ID, "execution canceled by operator", nil)
	if err != nil {
		log.WarnContext(ctx, "failed to write execution log", "error", err)
	}

	return exec, nil
}

// start creates one execution and enqueues every batch of the clamped range directly.
//
// The driver also chains each successful batch to the next one, so batches
// after the first can be dispatched twice. Late duplicates are dropped once
// the migration reports completion; earlier ones run again.
func (t *Trigger) start(ctx context.Context, id string, dir migration.Direction, opts RangeOptions) (*execution.Execution, error) {
	m, ok := t.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMigrationNotFound, id)
	}

	if dir == migration.Up {
		canRun, err := m.CanRun(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to check whether %s can run: %w", id, err)
		}
		if !canRun {
			return nil, fmt.Errorf("%w: %s", ErrCannotRun, id)
		}
	}

	size := migration.BatchSize(m, opts.BatchSize)

	total, err := m.TotalItems(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to count %s items of %s: %w", dir, id, err)
	}

	from, to := clampRange(opts.From, opts.To, migration.TotalBatches(total, size))
	if from > to {
		return nil, fmt.Errorf("%w: %d..%d", ErrEmptyRange, opts.From, opts.To)
	}

	operation := execution.OperationRun
	if dir == migration.Down {
		operation = execution.OperationRollback
	}

	exec := &execution.Execution{
		MigrationID: id,
		Operation:   operation,
		Status:      execution.StatusScheduled,
		BatchSize:   size,
		ItemsTotal:  total,
	}

	err = t.store.CreateExecution(ctx, exec)
	if err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	ctx = log.With(ctx, log.ExecutionIDKey, fmt.Sprint(exec.ID))

	jobs := make([]Job, 0, to-from+1)
	for number := from; number <= to; number++ {
		raw, err := migration.ContextFor(ctx, m, dir, number, size)
		if err != nil {
			return exec, discard(ctx, t.store, exec, nil, t.now(), err)
		}
		jobs = append(jobs, newJob(ctx, id, dir, migration.Batch{Number: number, Size: size, Context: raw}, exec.ID))
	}

	err = appendEvent(ctx, t.store, execution.EventScheduled, jobs[0], nil)
	if err != nil {
		return exec, discard(ctx, t.store, exec, nil, t.now(), err)
	}

	err = t.execLog.Info(ctx, exec.ID, fmt.Sprintf("%s scheduled for batches %d..%d", dir, from, to), map[string]any{"batchSize": size})
	if err != nil {
		log.WarnContext(ctx, "failed to write execution log", "error", err)
	}

	if len(jobs) > 1 {
		log.WarnContext(ctx, "batches enqueued directly also self-chain and may run twice", "migrationId", id, "from", from, "to", to)
	}

	for _, job := range jobs {
		err = t.queue.Enqueue(ctx, job)
		if err != nil {
			// batches already enqueued are skipped once the execution is closed
			return exec, discard(ctx, t.store, exec, &job, t.now(), fmt.Errorf("failed to enqueue %s batch %d: %w", dir, job.Batch, err))
		}
	}

	return exec, nil
}

// clampRange applies the range defaults: from at least 1, to at most total.
func clampRange(from, to, total int) (int, int) {
	if from < 1 {
		from = 1
	}
	if to < 1 || to > total {
		to = total
	}
	return from, to
}
