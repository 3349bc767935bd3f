package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/platforma-dev/batchmigrate/execution"
	"github.com/platforma-dev/batchmigrate/log"
	"github.com/platforma-dev/batchmigrate/migration"
)

// EntryPoint starts a chain for every pending migration once per cycle.
// A cycle lasts from construction, or the last Reset, to the next Reset.
type EntryPoint struct {
	registry *migration.Registry
	store    execution.Store
	queue    Enqueuer
	now      func() time.Time

	mu        sync.Mutex
	fired     bool
	firedAt   time.Time
	scheduled int
	failed    int
}

// NewEntryPoint creates an EntryPoint that has not fired yet.
func NewEntryPoint(registry *migration.Registry, store execution.Store, queue Enqueuer) *EntryPoint {
	return &EntryPoint{registry: registry, store: store, queue: queue, now: time.Now}
}

// Run closes the registry and enqueues batch 1 of every applicable migration
// that is neither manual nor done. Later calls in the same cycle do nothing.
// A failing migration does not keep the others from being scheduled.
func (e *EntryPoint) Run(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.fired {
		log.DebugContext(ctx, "migrations already scheduled in this cycle")
		return nil
	}
	e.fired = true
	e.firedAt = e.now()

	e.registry.Close()

	var errs []error
	scheduled := 0

	for _, entry := range e.registry.All() {
		ok, err := e.schedule(log.With(ctx, log.MigrationIDKey, entry.ID), entry)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to schedule %s: %w", entry.ID, err))
			continue
		}
		if ok {
			scheduled++
		}
	}

	e.scheduled = scheduled
	e.failed = len(errs)

	log.InfoContext(ctx, "migrations scheduled", "scheduled", scheduled, "registered", e.registry.Len(), "failed", len(errs))

	return errors.Join(errs...)
}

// Fired reports whether Run already fired in the current cycle.
func (e *EntryPoint) Fired() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.fired
}

// Healthcheck reports whether the current cycle fired and what it scheduled.
func (e *EntryPoint) Healthcheck(_ context.Context) any {
	e.mu.Lock()
	defer e.mu.Unlock()

	health := map[string]any{
		"fired":          e.fired,
		"registryClosed": e.registry.Closed(),
		"registered":     e.registry.Len(),
	}
	if e.fired {
		health["firedAt"] = e.firedAt
		health["scheduled"] = e.scheduled
		health["failed"] = e.failed
	}

	return health
}

// Reset starts a new cycle. The registry stays closed.
func (e *EntryPoint) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.fired = false
}

func (e *EntryPoint) schedule(ctx context.Context, entry migration.Entry) (bool, error) {
	m := entry.Migration

	if m.Metadata().ManualTrigger {
		log.DebugContext(ctx, "skipping manual migration")
		return false, nil
	}

	done, err := m.IsUpDone(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate completion: %w", err)
	}
	if done {
		return false, nil
	}

	applicable, err := m.IsApplicable(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate applicability: %w", err)
	}
	if !applicable {
		log.DebugContext(ctx, "skipping migration that is not applicable")
		return false, nil
	}

	size := migration.BatchSize(m, 0)

	total, err := m.TotalItems(ctx, migration.Up)
	if err != nil {
		return false, fmt.Errorf("failed to count items: %w", err)
	}

	exec := &execution.Execution{
		MigrationID: entry.ID,
		Operation:   execution.OperationRun,
		Status:      execution.StatusPending,
		BatchSize:   size,
		ItemsTotal:  total,
	}

	err = e.store.CreateExecution(ctx, exec)
	if err != nil {
		return false, fmt.Errorf("failed to create execution: %w", err)
	}

	raw, err := migration.ContextFor(ctx, m, migration.Up, 1, size)
	if err != nil {
		return false, discard(ctx, e.store, exec, nil, e.now(), err)
	}

	job := newJob(ctx, entry.ID, migration.Up, migration.Batch{Number: 1, Size: size, Context: raw}, exec.ID)

	err = appendEvent(ctx, e.store, execution.EventScheduled, job, nil)
	if err != nil {
		return false, discard(ctx, e.store, exec, nil, e.now(), err)
	}

	err = e.queue.Enqueue(ctx, job)
	if err != nil {
		return false, discard(ctx, e.store, exec, &job, e.now(), fmt.Errorf("failed to enqueue batch 1: %w", err))
	}

	log.InfoContext(ctx, "migration scheduled", "executionId", exec.ID, "itemsTotal", total, "batchSize", size)
	return true, nil
}
