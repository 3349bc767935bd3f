package driver_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/platforma-dev/batchmigrate/driver"
	"github.com/platforma-dev/batchmigrate/execution"
	"github.com/platforma-dev/batchmigrate/migration"
)

var errBoom = errors.New("boom")

// counter moves a number of items forward and back, batch by batch.
type counter struct {
	migration.Base

	meta          migration.Metadata
	total         int
	done          int
	failUpAt      int
	failDown      bool
	panicUpAt     int
	notApplicable bool
	cannotRun     bool
	countErr      error

	upBatches   []int
	downBatches []int
}

func newCounter(total, batchSize int) *counter {
	return &counter{meta: migration.Metadata{Label: "counter", DefaultBatchSize: batchSize}, total: total}
}

func (c *counter) Metadata() migration.Metadata { return c.meta }

func (c *counter) TotalItems(context.Context, migration.Direction) (int, error) {
	return c.total, c.countErr
}

func (c *counter) IsApplicable(context.Context) (bool, error) { return !c.notApplicable, nil }

func (c *counter) CanRun(context.Context) (bool, error) { return !c.cannotRun, nil }

func (c *counter) IsUpDone(context.Context) (bool, error) { return c.done >= c.total, nil }

func (c *counter) IsDownDone(context.Context) (bool, error) { return c.done <= 0, nil }

func (c *counter) Forward(_ context.Context, b migration.Batch) error {
	c.upBatches = append(c.upBatches, b.Number)
	if b.Number == c.panicUpAt {
		panic("forward exploded")
	}
	if b.Number == c.failUpAt {
		return errBoom
	}
	c.done = min(c.total, c.done+b.Size)
	return nil
}

func (c *counter) Backward(_ context.Context, b migration.Batch) error {
	c.downBatches = append(c.downBatches, b.Number)
	if c.failDown {
		return errBoom
	}
	c.done = max(0, c.done-b.Size)
	return nil
}

// fifo is a synchronous stand-in for the task queue.
type fifo struct {
	jobs []driver.Job
	err  error
}

func (q *fifo) Enqueue(_ context.Context, job driver.Job) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

// failAfter accepts n jobs and then fails.
type failAfter struct {
	*fifo
	n int
}

func (q *failAfter) Enqueue(ctx context.Context, job driver.Job) error {
	if len(q.jobs) >= q.n {
		return errBoom
	}
	return q.fifo.Enqueue(ctx, job)
}

type harness struct {
	registry *migration.Registry
	store    *execution.MemoryStore
	queue    *fifo
	driver   *driver.Driver
	trigger  *driver.Trigger
	entry    *driver.EntryPoint
}

func newHarness(t *testing.T, opts ...driver.Option) *harness {
	t.Helper()

	h := &harness{
		registry: migration.NewRegistry(),
		store:    execution.NewMemoryStore(),
		queue:    &fifo{},
	}
	h.driver = driver.New(h.registry, h.store, h.queue, opts...)
	h.trigger = driver.NewTrigger(h.registry, h.store, h.queue)
	h.entry = driver.NewEntryPoint(h.registry, h.store, h.queue)

	return h
}

func (h *harness) register(t *testing.T, id string, m migration.Migration) {
	t.Helper()

	err := h.registry.Register(id, m)
	if err != nil {
		t.Fatalf("expected no error, got: %s", err.Error())
	}
}

// drain processes queued jobs in order until the queue is empty and returns
// the errors of failed jobs.
func (h *harness) drain(t *testing.T) []error {
	t.Helper()

	var errs []error
	for i := 0; len(h.queue.jobs) > 0; i++ {
		if i > 100 {
			t.Fatalf("expected the chain to end, still queued: %d", len(h.queue.jobs))
		}

		job := h.queue.jobs[0]
		h.queue.jobs = h.queue.jobs[1:]

		err := h.driver.Process(context.Background(), job)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (h *harness) events(t *testing.T, id string) []string {
	t.Helper()

	events, err := h.store.ListEvents(context.Background(), id)
	if err != nil {
		t.Fatalf("expected no error, got: %s", err.Error())
	}

	result := make([]string, 0, len(events))
	for _, e := range events {
		var data execution.EventData
		err := json.Unmarshal(e.Data, &data)
		if err != nil {
			t.Fatalf("expected JSON event data, got: %s", e.Data)
		}
		result = append(result, fmt.Sprintf("%s:%s:%d", e.Type, data.Direction, data.Batch))
	}
	return result
}

func (h *harness) executions(t *testing.T, id string) []execution.Execution {
	t.Helper()

	execs, err := h.store.ListExecutions(context.Background(), execution.ExecutionFilter{MigrationID: id})
	if err != nil {
		t.Fatalf("expected no error, got: %s", err.Error())
	}
	return execs
}

func (h *harness) execution(t *testing.T, id int64) *execution.Execution {
	t.Helper()

	exec, err := h.store.GetExecution(context.Background(), id)
	if err != nil {
		t.Fatalf("expected no error, got: %s", err.Error())
	}
	return exec
}

func countOf(events []string, prefix string) int {
	n := 0
	for _, e := range events {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}
