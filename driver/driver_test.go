package driver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"testing"

	"github.com/platforma-dev/batchmigrate/driver"
	"github.com/platforma-dev/batchmigrate/execution"
	"github.com/platforma-dev/batchmigrate/log"
	"github.com/platforma-dev/batchmigrate/migration"
	"github.com/platforma-dev/batchmigrate/signal"
)

func TestScheduledMigrationCompletes(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	m := newCounter(15, 5)
	h.register(t, "backfill", m)

	err := h.entry.Run(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got: %s", err.Error())
	}

	errs := h.drain(t)
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got: %v", errs)
	}

	if !slices.Equal(m.upBatches, []int{1, 2, 3}) {
		t.Fatalf("expected batches 1, 2, 3, got: %v", m.upBatches)
	}

	events := h.events(t, "backfill")
	if n := countOf(events, "batch-started:"); n != 3 {
		t.Fatalf("expected 3 batch-started events, got: %d (%v)", n, events)
	}
	if n := countOf(events, "batch-completed:"); n != 2 {
		t.Fatalf("expected 2 batch-completed events, got: %d (%v)", n, events)
	}
	if n := countOf(events, "completed:"); n != 1 {
		t.Fatalf("expected 1 completed event, got: %d (%v)", n, events)
	}

	execs := h.executions(t, "backfill")
	if len(execs) != 1 {
		t.Fatalf("expected 1 execution, got: %d", len(execs))
	}

	exec := execs[0]
	if exec.Status != execution.StatusCompleted {
		t.Fatalf("expected status completed, got: %s", exec.Status)
	}
	if exec.ItemsTotal != 15 || exec.ItemsProcessed != 15 {
		t.Fatalf("expected 15/15 items, got: %d/%d", exec.ItemsProcessed, exec.ItemsTotal)
	}
	if !exec.StartDate.Valid || !exec.EndDate.Valid {
		t.Fatalf("expected start and end date to be set, got: %v %v", exec.StartDate, exec.EndDate)
	}
}

func TestUpFailureSchedulesOneRollback(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	m := newCounter(15, 5)
	m.failUpAt = 2
	h.register(t, "backfill", m)

	err := h.entry.Run(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got: %s", err.Error())
	}

	errs := h.drain(t)
	if len(errs) != 1 {
		t.Fatalf("expected 1 failed job, got: %v", errs)
	}

	var batchErr *driver.BatchError
	if !errors.As(errs[0], &batchErr) {
		t.Fatalf("expected batch error, got: %s", errs[0].Error())
	}
	if batchErr.Batch != 2 || batchErr.Direction != migration.Up || !errors.Is(errs[0], errBoom) {
		t.Fatalf("unexpected batch error: %s", batchErr.Error())
	}

	want := []string{
		"scheduled:up:1",
		"batch-started:up:1",
		"batch-completed:up:1",
		"batch-started:up:2",
		"failed:up:2",
		"scheduled:down:1",
		"batch-started:down:1",
		"completed:down:1",
	}
	got := h.events(t, "backfill")
	if !slices.Equal(got, want) {
		t.Fatalf("expected events %v, got: %v", want, got)
	}

	if !slices.Equal(m.upBatches, []int{1, 2}) {
		t.Fatalf("expected up batches 1, 2, got: %v", m.upBatches)
	}
	if !slices.Equal(m.downBatches, []int{1}) {
		t.Fatalf("expected down batch 1, got: %v", m.downBatches)
	}

	run := h.execution(t, 1)
	if run.Status != execution.StatusFailed {
		t.Fatalf("expected run to be failed, got: %s", run.Status)
	}
	if !run.EndDate.Valid {
		t.Fatalf("expected run end date once the rollback finished")
	}

	rollback := h.execution(t, 2)
	if rollback.Operation != execution.OperationRollback || rollback.Status != execution.StatusCompleted {
		t.Fatalf("expected completed rollback, got: %s %s", rollback.Operation, rollback.Status)
	}
	if !rollback.ParentExecutionID.Valid || rollback.ParentExecutionID.Int64 != run.ID {
		t.Fatalf("expected parent execution %d, got: %v", run.ID, rollback.ParentExecutionID)
	}

	st, err := driver.StatusOf(context.Background(), h.store, "backfill")
	if err != nil {
		t.Fatalf("expected no error, got: %s", err.Error())
	}
	if st.String() != "failed (auto-reverted)" {
		t.Fatalf("expected auto-reverted status, got: %s", st)
	}
}

func TestDownFailureIsNotCompensated(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	m := newCounter(15, 5)
	m.failUpAt = 2
	m.failDown = true
	h.register(t, "backfill", m)

	err := h.entry.Run(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got: %s", err.Error())
	}

	errs := h.drain(t)
	if len(errs) != 2 {
		t.Fatalf("expected 2 failed jobs, got: %v", errs)
	}

	if !slices.Equal(m.upBatches, []int{1, 2}) {
		t.Fatalf("expected up batches 1, 2, got: %v", m.upBatches)
	}
	if !slices.Equal(m.downBatches, []int{1}) {
		t.Fatalf("expected a single down batch, got: %v", m.downBatches)
	}

	got := h.events(t, "backfill")
	if got[len(got)-1] != "failed:down:1" {
		t.Fatalf("expected the chain to end with the down failure, got: %v", got)
	}

	if len(h.executions(t, "backfill")) != 2 {
		t.Fatalf("expected no execution beyond the rollback")
	}

	run := h.execution(t, 1)
	if run.Status != execution.StatusFailed || !run.EndDate.Valid {
		t.Fatalf("expected closed failed run, got: %s %v", run.Status, run.EndDate)
	}

	rollback := h.execution(t, 2)
	if rollback.Status != execution.StatusFailed || !rollback.EndDate.Valid {
		t.Fatalf("expected closed failed rollback, got: %s %v", rollback.Status, rollback.EndDate)
	}

	st, err := driver.StatusOf(context.Background(), h.store, "backfill")
	if err != nil {
		t.Fatalf("expected no error, got: %s", err.Error())
	}
	if st.Annotation != driver.AnnotationAutoRevertFailed {
		t.Fatalf("expected auto-revert failed, got: %s", st)
	}
}

func TestDoneMigrationIsSkipped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	m := newCounter(10, 5)
	m.done = 10
	h.register(t, "backfill", m)

	exec := &execution.Execution{MigrationID: "backfill", Operation: execution.OperationRun, Status: execution.StatusRunning, BatchSize: 5, ItemsTotal: 10}
	err := h.store.CreateExecution(ctx, exec)
	if err != nil {
		t.Fatalf("expected no error, got: %s", err.Error())
	}

	for batch := 1; batch <= 3; batch++ {
		err = h.driver.Process(ctx, driver.Job{MigrationID: "backfill", Direction: migration.Up, Batch: batch, BatchSize: 5, ExecutionID: exec.ID})
		if err != nil {
			t.Fatalf("expected no error, got: %s", err.Error())
		}
	}

	if len(m.upBatches) != 0 {
		t.Fatalf("expected no batch to run, got: %v", m.upBatches)
	}
	if len(h.queue.jobs) != 0 {
		t.Fatalf("expected nothing enqueued, got: %d jobs", len(h.queue.jobs))
	}
	if events := h.events(t, "backfill"); len(events) != 0 {
		t.Fatalf("expected no events, got: %v", events)
	}

	logs, err := h.store.ListLogs(ctx, execution.LogFilter{ExecutionID: exec.ID})
	if err != nil {
		t.Fatalf("expected no error, got: %s", err.Error())
	}
	if len(logs) != 0 {
		t.Fatalf("expected no log entries, got: %d", len(logs))
	}

	if got := h.execution(t, exec.ID); got.Status != execution.StatusCompleted {
		t.Fatalf("expected the open execution to be settled, got: %s", got.Status)
	}
}

func TestUnknownMigration(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	err := h.driver.Process(context.Background(), driver.Job{MigrationID: "missing", Direction: migration.Up, Batch: 1, BatchSize: 1, ExecutionID: 1})
	if !errors.Is(err, driver.ErrMigrationNotFound) {
		t.Fatalf("expected not found error, got: %v", err)
	}
	if len(h.queue.jobs) != 0 {
		t.Fatalf("expected nothing enqueued")
	}
}

func TestChainStops(t *testing.T) {
	t.Parallel()

	t.Run("canceled execution", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		h := newHarness(t)
		m := newCounter(15, 5)
		h.register(t, "backfill", m)

		err := h.entry.Run(ctx)
		if err != nil {
			t.Fatalf("expected no error, got: %s", err.Error())
		}

		_, err = h.trigger.Cancel(ctx, 1)
		if err != nil {
			t.Fatalf("expected no error, got: %s", err.Error())
		}

		errs := h.drain(t)
		if len(errs) != 0 {
			t.Fatalf("expected no errors, got: %v", errs)
		}
		if len(m.upBatches) != 0 {
			t.Fatalf("expected no batch to run, got: %v", m.upBatches)
		}
		if got := h.execution(t, 1); got.Status != execution.StatusCanceled {
			t.Fatalf("expected canceled execution, got: %s", got.Status)
		}
	})

	t.Run("migration no longer applicable", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		h := newHarness(t)
		m := newCounter(15, 5)
		h.register(t, "backfill", m)

		err := h.entry.Run(ctx)
		if err != nil {
			t.Fatalf("expected no error, got: %s", err.Error())
		}

		job := h.queue.jobs[0]
		h.queue.jobs = nil

		err = h.driver.Process(ctx, job)
		if err != nil {
			t.Fatalf("expected no error, got: %s", err.Error())
		}

		m.notApplicable = true
		errs := h.drain(t)
		if len(errs) != 0 {
			t.Fatalf("expected no errors, got: %v", errs)
		}

		if !slices.Equal(m.upBatches, []int{1}) {
			t.Fatalf("expected only batch 1, got: %v", m.upBatches)
		}

		exec := h.execution(t, 1)
		if exec.Status != execution.StatusCanceled || !exec.EndDate.Valid {
			t.Fatalf("expected closed canceled execution, got: %s", exec.Status)
		}
		if exec.ItemsProcessed != 5 {
			t.Fatalf("expected 5 processed items, got: %d", exec.ItemsProcessed)
		}
	})
}

func TestPanicIsBatchFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	m := newCounter(10, 5)
	m.panicUpAt = 1
	h.register(t, "backfill", m)

	err := h.entry.Run(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got: %s", err.Error())
	}

	errs := h.drain(t)
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "forward exploded") {
		t.Fatalf("expected the panic to fail the batch, got: %v", errs)
	}

	if !slices.Equal(m.downBatches, []int{1}) {
		t.Fatalf("expected a rollback, got: %v", m.downBatches)
	}
}

type hooked struct {
	*counter
	calls *[]string
}

func (h hooked) BeforeBatch(_ context.Context, dir migration.Direction, b migration.Batch) error {
	*h.calls = append(*h.calls, "before-hook:"+dir.String())
	return nil
}

func (h hooked) AfterBatch(_ context.Context, dir migration.Direction, b migration.Batch, completed bool) error {
	if completed {
		*h.calls = append(*h.calls, "after-hook:completed")
	} else {
		*h.calls = append(*h.calls, "after-hook")
	}
	return nil
}

func (h hooked) Forward(ctx context.Context, b migration.Batch) error {
	*h.calls = append(*h.calls, "forward")
	return h.counter.Forward(ctx, b)
}

func TestHooksAndSignalsOrder(t *testing.T) {
	t.Parallel()

	var calls []string

	bus := signal.NewBus()
	bus.Subscribe(signal.ListenerFunc(func(_ context.Context, n signal.Notification) {
		calls = append(calls, string(n.Name))
	}))

	h := newHarness(t, driver.WithSignals(bus))
	h.register(t, "backfill", hooked{counter: newCounter(5, 5), calls: &calls})

	err := h.entry.Run(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got: %s", err.Error())
	}
	h.drain(t)

	want := []string{"before-hook:up", "before-batch", "forward", "after-batch", "after-hook:completed"}
	if !slices.Equal(calls, want) {
		t.Fatalf("expected %v, got: %v", want, calls)
	}
}

func TestFailureSignal(t *testing.T) {
	t.Parallel()

	var failed []signal.Notification

	bus := signal.NewBus()
	bus.Subscribe(signal.ListenerFunc(func(_ context.Context, n signal.Notification) {
		failed = append(failed, n)
	}), signal.BatchFailed)

	h := newHarness(t, driver.WithSignals(bus))
	m := newCounter(10, 5)
	m.failUpAt = 1
	h.register(t, "backfill", m)

	err := h.entry.Run(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got: %s", err.Error())
	}
	h.drain(t)

	if len(failed) != 1 {
		t.Fatalf("expected 1 failure notification, got: %d", len(failed))
	}
	if !errors.Is(failed[0].Err, errBoom) || failed[0].Batch.Number != 1 || failed[0].MigrationID != "backfill" {
		t.Fatalf("unexpected notification: %+v", failed[0])
	}
}

type cursor struct {
	AfterID int `json:"afterId"`
}

type paged struct {
	*counter
	seen *[]int
}

func (p paged) ContextFor(_ context.Context, _ migration.Direction, number, size int) (cursor, error) {
	return cursor{AfterID: (number - 1) * size}, nil
}

func (p paged) Forward(ctx context.Context, b migration.Batch) error {
	c, err := migration.ContextOf[cursor](b)
	if err != nil {
		return err
	}
	*p.seen = append(*p.seen, c.AfterID)
	return p.counter.Forward(ctx, b)
}

func TestBatchContextTravelsWithJob(t *testing.T) {
	t.Parallel()

	var seen []int
	h := newHarness(t)
	h.register(t, "paged", migration.WithContext[cursor](paged{counter: newCounter(9, 3), seen: &seen}))

	err := h.entry.Run(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got: %s", err.Error())
	}

	var raw json.RawMessage = h.queue.jobs[0].Context
	if string(raw) != `{"afterId":0}` {
		t.Fatalf("expected encoded cursor, got: %s", raw)
	}

	h.drain(t)

	if !slices.Equal(seen, []int{0, 3, 6}) {
		t.Fatalf("expected cursors 0, 3, 6, got: %v", seen)
	}
}

func TestExecutionLogLevel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := execution.NewMemoryStore()
	registry := migration.NewRegistry()
	q := &fifo{}

	m := newCounter(10, 5)
	m.failUpAt = 2
	registry.MustRegister("backfill", m)

	d := driver.New(registry, store, q, driver.WithExecutionLog(execution.NewLogger(store, slog.LevelWarn)))

	err := driver.NewEntryPoint(registry, store, q).Run(ctx)
	if err != nil {
		t.Fatalf("expected no error, got: %s", err.Error())
	}

	for len(q.jobs) > 0 {
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		_ = d.Process(ctx, job)
	}

	logs, err := store.ListLogs(ctx, execution.LogFilter{ExecutionID: 1})
	if err != nil {
		t.Fatalf("expected no error, got: %s", err.Error())
	}

	for _, entry := range logs {
		if entry.Severity < int(slog.LevelWarn) {
			t.Fatalf("expected only warnings and errors, got: %s %q", entry.Level, entry.Message)
		}
	}
	if len(logs) != 2 {
		t.Fatalf("expected failure and rollback entries, got: %d", len(logs))
	}
}

func TestWideEvent(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	events := log.NewWideEventLogger(&buf, nil, "json", nil)

	h := newHarness(t, driver.WithWideEvents(events))
	h.register(t, "backfill", newCounter(5, 5))

	err := h.entry.Run(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got: %s", err.Error())
	}
	h.drain(t)

	var record map[string]any
	err = json.Unmarshal(buf.Bytes(), &record)
	if err != nil {
		t.Fatalf("expected one JSON record, got: %s", buf.String())
	}

	if record["name"] != driver.WideEventName || record["migration"] != "backfill" || record["completed"] != true {
		t.Fatalf("unexpected wide event: %s", buf.String())
	}
}

func TestEnqueueFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.register(t, "backfill", newCounter(10, 5))

	err := h.entry.Run(ctx)
	if err != nil {
		t.Fatalf("expected no error, got: %s", err.Error())
	}

	queueErr := errors.New("queue down")
	job := h.queue.jobs[0]
	h.queue.jobs = nil
	h.queue.err = queueErr

	err = h.driver.Process(ctx, job)
	if !errors.Is(err, queueErr) {
		t.Fatalf("expected queue error, got: %v", err)
	}

	exec := h.execution(t, job.ExecutionID)
	if exec.Status != execution.StatusFailed || !exec.EndDate.Valid {
		t.Fatalf("expected the stranded execution to be closed as failed, got: %+v", exec)
	}
	if exec.ItemsProcessed != 5 {
		t.Fatalf("expected progress of the batch that ran, got: %d", exec.ItemsProcessed)
	}

	events := h.events(t, "backfill")
	if events[len(events)-1] != "failed:up:1" {
		t.Fatalf("expected a failed event last, got: %v", events)
	}
	if countOf(events, "scheduled:down") != 0 || len(h.queue.jobs) != 0 {
		t.Fatalf("expected no compensation, got: %v", events)
	}

	st, err := driver.StatusOf(ctx, h.store, "backfill")
	if err != nil {
		t.Fatalf("expected no error, got: %s", err.Error())
	}
	if st.String() != "failed" {
		t.Fatalf("expected failed status, got: %s", st)
	}
}

func TestZeroBatchSizeUsesMigrationDefault(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	m := newCounter(12, 4)
	h.register(t, "backfill", m)

	err := h.entry.Run(ctx)
	if err != nil {
		t.Fatalf("expected no error, got: %s", err.Error())
	}
	for i := range h.queue.jobs {
		h.queue.jobs[i].BatchSize = 0
	}

	errs := h.drain(t)
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got: %v", errs)
	}

	if len(m.upBatches) != 3 || m.done != 12 {
		t.Fatalf("expected three batches of the default size, got: %v (done %d)", m.upBatches, m.done)
	}

	exec := h.executions(t, "backfill")[0]
	if exec.Status != execution.StatusCompleted || exec.ItemsProcessed != 12 {
		t.Fatalf("expected completed execution, got: %+v", exec)
	}
}
