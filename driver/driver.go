// Package driver advances migrations batch by batch through the task queue,
// schedules compensating rollbacks and keeps the execution bookkeeping.
package driver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx/types"

	"github.com/platforma-dev/batchmigrate/execution"
	"github.com/platforma-dev/batchmigrate/log"
	"github.com/platforma-dev/batchmigrate/migration"
	"github.com/platforma-dev/batchmigrate/signal"
)

// WideEventName is the name of the wide event written for every job.
const WideEventName = "migration.batch"

// Driver processes exactly one batch of one migration per job and decides what
// comes next: the following batch, completion, or a compensating rollback.
type Driver struct {
	registry *migration.Registry
	store    execution.Store
	queue    Enqueuer
	execLog  *execution.Logger
	signals  *signal.Bus
	events   *log.WideEventLogger
	now      func() time.Time
}

// Option configures a Driver.
type Option func(*Driver)

// WithSignals publishes batch notifications to bus.
func WithSignals(bus *signal.Bus) Option {
	return func(d *Driver) { d.signals = bus }
}

// WithExecutionLog replaces the default info-level execution logger.
func WithExecutionLog(l *execution.Logger) Option {
	return func(d *Driver) { d.execLog = l }
}

// WithWideEvents writes one wide event per job to l.
func WithWideEvents(l *log.WideEventLogger) Option {
	return func(d *Driver) { d.events = l }
}

// WithClock overrides the clock used for execution dates.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) { d.now = now }
}

// New creates a Driver. queue receives follow-up jobs.
func New(registry *migration.Registry, store execution.Store, queue Enqueuer, opts ...Option) *Driver {
	d := &Driver{
		registry: registry,
		store:    store,
		queue:    queue,
		execLog:  execution.NewLogger(store, slog.LevelInfo),
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Handle implements queue.Handler. Every error is terminal and only logged.
func (d *Driver) Handle(ctx context.Context, job Job) {
	err := d.Process(ctx, job)
	if err != nil {
		log.ErrorContext(job.context(ctx), "batch job failed", "jobId", job.ID, "error", err)
	}
}

// Process runs one batch and schedules whatever follows it.
func (d *Driver) Process(ctx context.Context, job Job) (err error) {
	ctx = job.context(ctx)

	// direction, batch and execution id come from the context keys
	ev := log.NewEvent(WideEventName)
	ev.AddAttrs(map[string]any{
		"migration": job.MigrationID,
		"batchSize": job.BatchSize,
		"jobId":     job.ID,
	})
	ctx = log.WithEvent(ctx, ev)
	defer func() {
		ev.AddError(err)
		d.events.WriteEvent(ctx, ev)
	}()

	m, ok := d.registry.Get(job.MigrationID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrMigrationNotFound, job.MigrationID)
	}
	job.BatchSize = migration.BatchSize(m, job.BatchSize)

	exec, err := d.store.GetExecution(ctx, job.ExecutionID)
	if err != nil {
		return fmt.Errorf("failed to load execution %d: %w", job.ExecutionID, err)
	}

	done, err := migration.IsDone(ctx, m, job.Direction)
	if err != nil {
		return d.abort(ctx, exec, job, fmt.Errorf("failed to evaluate completion: %w", err))
	}
	if done {
		ev.AddStep(slog.LevelDebug, "skipped-done")
		return d.settle(ctx, exec)
	}

	if !exec.Status.Open() {
		ev.AddStep(slog.LevelInfo, "skipped-"+string(exec.Status))
		return nil
	}

	applicable, err := m.IsApplicable(ctx)
	if err != nil {
		return d.abort(ctx, exec, job, fmt.Errorf("failed to evaluate applicability: %w", err))
	}
	if !applicable {
		ev.AddStep(slog.LevelWarn, "skipped-not-applicable")
		d.logWarn(ctx, exec.ID, "migration is no longer applicable, chain stopped", nil)
		return d.finish(ctx, exec, execution.StatusCanceled)
	}

	if exec.Status != execution.StatusRunning {
		exec.Start(d.now())
		err = d.store.UpdateExecution(ctx, exec)
		if err != nil {
			return fmt.Errorf("failed to start execution %d: %w", exec.ID, err)
		}
	}

	err = d.appendEvent(ctx, execution.EventBatchStarted, job, nil)
	if err != nil {
		return err
	}
	ev.AddStep(slog.LevelInfo, "batch-started")
	d.logInfo(ctx, exec.ID, fmt.Sprintf("%s batch %d started", job.Direction, job.Batch), map[string]any{"batchSize": job.BatchSize})

	batch := job.batch()
	completed, err := d.runBatch(ctx, m, job, batch)
	if err != nil {
		return d.fail(ctx, m, exec, job, err)
	}
	ev.AddAttr("completed", completed)

	exec.Advance(batch.Size)

	if completed {
		d.audit(ctx, execution.EventCompleted, job)
		ev.AddStep(slog.LevelInfo, "completed")
		d.logInfo(ctx, exec.ID, fmt.Sprintf("%s completed after batch %d", job.Direction, job.Batch), nil)
		return d.finish(ctx, exec, execution.StatusCompleted)
	}

	d.audit(ctx, execution.EventBatchCompleted, job)
	ev.AddStep(slog.LevelInfo, "batch-completed")
	d.logInfo(ctx, exec.ID, fmt.Sprintf("%s batch %d completed", job.Direction, job.Batch), nil)

	err = d.store.UpdateExecution(ctx, exec)
	if err != nil {
		log.ErrorContext(ctx, "failed to record progress", "error", err)
		ev.AddError(err)
	}

	err = d.enqueue(ctx, m, job.MigrationID, job.Direction, job.Batch+1, job.BatchSize, exec.ID)
	if err != nil {
		// nothing will pick the chain up again
		return d.abort(ctx, exec, job, err)
	}

	return nil
}

// runBatch covers the hooks, the signals and the operation itself. Any error
// or panic in there is a batch failure.
func (d *Driver) runBatch(ctx context.Context, m migration.Migration, job Job, batch migration.Batch) (completed bool, err error) {
	n := signal.Notification{
		MigrationID: job.MigrationID,
		Migration:   m,
		Direction:   job.Direction,
		Batch:       batch,
		ExecutionID: job.ExecutionID,
	}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			n.Name = signal.BatchFailed
			n.Elapsed = time.Since(start)
			n.Err = err
			d.signals.Publish(ctx, n)

			err = &BatchError{MigrationID: job.MigrationID, Direction: job.Direction, Batch: job.Batch, err: err}
		}
	}()

	ev := log.EventFromContext(ctx)

	err = migration.Before(ctx, m, job.Direction, batch)
	if err != nil {
		return false, fmt.Errorf("before hook: %w", err)
	}
	ev.AddStep(slog.LevelDebug, "before-hook")

	n.Name = signal.BeforeBatch
	d.signals.Publish(ctx, n)

	err = migration.Apply(ctx, m, job.Direction, batch)
	if err != nil {
		return false, err
	}
	ev.AddStep(slog.LevelInfo, "operation")

	n.Name = signal.AfterBatch
	n.Elapsed = time.Since(start)
	d.signals.Publish(ctx, n)

	completed, err = migration.IsDone(ctx, m, job.Direction)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate completion: %w", err)
	}

	err = migration.After(ctx, m, job.Direction, batch, completed)
	if err != nil {
		return false, fmt.Errorf("after hook: %w", err)
	}
	ev.AddStep(slog.LevelDebug, "after-hook")

	return completed, nil
}

// fail records a batch failure. A failed up batch starts a rollback chain at
// batch 1; a failed down batch ends everything for this migration.
func (d *Driver) fail(ctx context.Context, m migration.Migration, exec *execution.Execution, job Job, batchErr error) error {
	ev := log.EventFromContext(ctx)
	ev.AddStep(slog.LevelError, "failed")

	err := d.appendEvent(ctx, execution.EventFailed, job, batchErr)
	if err != nil {
		log.ErrorContext(ctx, "failed to record failure event", "error", err)
	}
	d.logError(ctx, exec.ID, fmt.Sprintf("%s batch %d failed", job.Direction, job.Batch), map[string]any{"error": batchErr.Error()})

	if job.Direction == migration.Down {
		return errors.Join(batchErr, d.finish(ctx, exec, execution.StatusFailed))
	}

	// end date is stamped once the rollback chain finishes
	exec.Status = execution.StatusFailed
	err = d.store.UpdateExecution(ctx, exec)
	if err != nil {
		err = fmt.Errorf("failed to update execution %d: %w", exec.ID, err)
	}

	return errors.Join(batchErr, err, d.compensate(ctx, m, exec, job))
}

// compensate creates the rollback execution and enqueues its first batch.
func (d *Driver) compensate(ctx context.Context, m migration.Migration, parent *execution.Execution, job Job) error {
	total, err := m.TotalItems(ctx, migration.Down)
	if err != nil {
		return d.uncompensated(ctx, parent, fmt.Errorf("failed to count rollback items: %w", err))
	}

	rollback := &execution.Execution{
		MigrationID:       job.MigrationID,
		Operation:         execution.OperationRollback,
		Status:            execution.StatusScheduled,
		BatchSize:         job.BatchSize,
		ItemsTotal:        total,
		ParentExecutionID: sql.NullInt64{Int64: parent.ID, Valid: true},
	}
	err = d.store.CreateExecution(ctx, rollback)
	if err != nil {
		return d.uncompensated(ctx, parent, fmt.Errorf("failed to create rollback execution: %w", err))
	}

	first, err := d.batchFor(ctx, m, migration.Down, 1, job.BatchSize)
	if err != nil {
		return errors.Join(err, d.finish(ctx, rollback, execution.StatusFailed))
	}

	next := newJob(ctx, job.MigrationID, migration.Down, first, rollback.ID)
	d.audit(ctx, execution.EventScheduled, next)
	d.logWarn(ctx, parent.ID, "compensating rollback scheduled", map[string]any{"rollbackExecutionId": rollback.ID})
	log.EventFromContext(ctx).AddAttr("rollbackExecutionId", rollback.ID)

	err = d.queue.Enqueue(ctx, next)
	if err != nil {
		err = fmt.Errorf("failed to enqueue rollback: %w", err)
		return errors.Join(err, d.finish(ctx, rollback, execution.StatusFailed))
	}

	return nil
}

// uncompensated closes a failed execution for which no rollback could be started.
func (d *Driver) uncompensated(ctx context.Context, exec *execution.Execution, cause error) error {
	d.logError(ctx, exec.ID, "compensating rollback could not be scheduled", map[string]any{"error": cause.Error()})
	return errors.Join(cause, d.finish(ctx, exec, execution.StatusFailed))
}

// abort ends the execution when the migration predicates fail or the chain
// cannot be continued. Nothing is compensated.
func (d *Driver) abort(ctx context.Context, exec *execution.Execution, job Job, cause error) error {
	err := d.appendEvent(ctx, execution.EventFailed, job, cause)
	if err != nil {
		log.ErrorContext(ctx, "failed to record failure event", "error", err)
	}
	d.logError(ctx, exec.ID, fmt.Sprintf("%s chain aborted at batch %d", job.Direction, job.Batch), map[string]any{"error": cause.Error()})

	if !exec.Status.Open() {
		return cause
	}

	return errors.Join(cause, d.finish(ctx, exec, execution.StatusFailed))
}

// settle closes an execution that is still open although its migration is
// already done. It writes no events and no log entries.
func (d *Driver) settle(ctx context.Context, exec *execution.Execution) error {
	if !exec.Status.Open() {
		return nil
	}

	return d.finish(ctx, exec, execution.StatusCompleted)
}

// finish sets a terminal status and propagates the end of a rollback chain:
// an automatic rollback closes its parent, a manual one reverts the last run.
func (d *Driver) finish(ctx context.Context, exec *execution.Execution, status execution.Status) error {
	now := d.now()

	if status == execution.StatusCompleted && exec.ItemsTotal > 0 {
		exec.ItemsProcessed = exec.ItemsTotal
	}
	exec.Finish(status, now)

	err := d.store.UpdateExecution(ctx, exec)
	if err != nil {
		return fmt.Errorf("failed to update execution %d: %w", exec.ID, err)
	}

	switch {
	case exec.ParentExecutionID.Valid:
		return d.closeParent(ctx, exec.ParentExecutionID.Int64, now)
	case exec.Operation == execution.OperationRollback && status == execution.StatusCompleted:
		return d.revertLastRun(ctx, exec.MigrationID)
	default:
		return nil
	}
}

func (d *Driver) closeParent(ctx context.Context, parentID int64, now time.Time) error {
	parent, err := d.store.GetExecution(ctx, parentID)
	if err != nil {
		return fmt.Errorf("failed to load parent execution %d: %w", parentID, err)
	}
	if parent.EndDate.Valid {
		return nil
	}

	parent.EndDate = sql.NullTime{Time: now, Valid: true}

	err = d.store.UpdateExecution(ctx, parent)
	if err != nil {
		return fmt.Errorf("failed to close parent execution %d: %w", parentID, err)
	}

	return nil
}

func (d *Driver) revertLastRun(ctx context.Context, migrationID string) error {
	runs, err := d.store.ListExecutions(ctx, execution.ExecutionFilter{MigrationID: migrationID, Status: execution.StatusCompleted})
	if err != nil {
		return fmt.Errorf("failed to list executions: %w", err)
	}

	for _, run := range runs {
		if run.Operation != execution.OperationRun {
			continue
		}

		run.Status = execution.StatusReverted
		err = d.store.UpdateExecution(ctx, &run)
		if err != nil {
			return fmt.Errorf("failed to revert execution %d: %w", run.ID, err)
		}
		return nil
	}

	return nil
}

// enqueue schedules batch number of the chain.
func (d *Driver) enqueue(ctx context.Context, m migration.Migration, migrationID string, dir migration.Direction, number, size int, executionID int64) error {
	batch, err := d.batchFor(ctx, m, dir, number, size)
	if err != nil {
		return err
	}

	err = d.queue.Enqueue(ctx, newJob(ctx, migrationID, dir, batch, executionID))
	if err != nil {
		return fmt.Errorf("failed to enqueue %s batch %d: %w", dir, number, err)
	}

	return nil
}

func (d *Driver) batchFor(ctx context.Context, m migration.Migration, dir migration.Direction, number, size int) (migration.Batch, error) {
	raw, err := migration.ContextFor(ctx, m, dir, number, size)
	if err != nil {
		return migration.Batch{}, err
	}

	return migration.Batch{Number: number, Size: size, Context: raw}, nil
}

func (d *Driver) appendEvent(ctx context.Context, typ execution.EventType, job Job, cause error) error {
	return appendEvent(ctx, d.store, typ, job, cause)
}

// audit appends an event after the batch already ran. A failed write is
// logged and does not stop the chain.
func (d *Driver) audit(ctx context.Context, typ execution.EventType, job Job) {
	err := d.appendEvent(ctx, typ, job, nil)
	if err != nil {
		log.ErrorContext(ctx, "failed to record event", "type", string(typ), "error", err)
		log.EventFromContext(ctx).AddError(err)
	}
}

func (d *Driver) logInfo(ctx context.Context, executionID int64, msg string, data any) {
	d.writeLog(ctx, executionID, slog.LevelInfo, msg, data)
}

func (d *Driver) logWarn(ctx context.Context, executionID int64, msg string, data any) {
	d.writeLog(ctx, executionID, slog.LevelWarn, msg, data)
}

func (d *Driver) logError(ctx context.Context, executionID int64, msg string, data any) {
	d.writeLog(ctx, executionID, slog.LevelError, msg, data)
}

func (d *Driver) writeLog(ctx context.Context, executionID int64, level slog.Level, msg string, data any) {
	err := d.execLog.Log(ctx, executionID, level, msg, data)
	if err != nil {
		log.WarnContext(ctx, "failed to write execution log", "error", err)
	}
}

// discard closes an execution whose chain could not be started and returns
// cause. A failed event is written when the first job was already built.
func discard(ctx context.Context, store execution.Store, exec *execution.Execution, job *Job, now time.Time, cause error) error {
	if job != nil {
		err := appendEvent(ctx, store, execution.EventFailed, *job, cause)
		if err != nil {
			log.ErrorContext(ctx, "failed to record failure event", "error", err)
		}
	}

	exec.Finish(execution.StatusFailed, now)

	err := store.UpdateExecution(ctx, exec)
	if err != nil {
		return errors.Join(cause, fmt.Errorf("failed to close execution %d: %w", exec.ID, err))
	}

	return cause
}

func appendEvent(ctx context.Context, store execution.Store, typ execution.EventType, job Job, cause error) error {
	data := execution.EventData{
		Direction:   job.Direction.String(),
		Batch:       job.Batch,
		BatchSize:   job.BatchSize,
		ExecutionID: job.ExecutionID,
	}
	if cause != nil {
		data.Error = cause.Error()
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode event data: %w", err)
	}

	err = store.AppendEvent(ctx, &execution.Event{MigrationID: job.MigrationID, Type: typ, Data: types.JSONText(raw)})
	if err != nil {
		return fmt.Errorf("failed to append %s event: %w", typ, err)
	}

	return nil
}
