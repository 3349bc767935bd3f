package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/platforma-dev/batchmigrate/execution"
)

// Annotations shown next to the status of an automatic rollback.
const (
	AnnotationAutoReverted     = "auto-reverted"
	AnnotationAutoRevertFailed = "auto-revert failed"
)

// StatusNotStarted is reported for migrations without executions.
const StatusNotStarted = "not started"

// Status is the operator-facing state of a migration.
type Status struct {
	MigrationID string
	// Execution is the latest execution, nil when the migration never ran.
	Execution  *execution.Execution
	State      string
	Annotation string
}

func (s Status) String() string {
	if s.Annotation == "" {
		return s.State
	}
	return s.State + " (" + s.Annotation + ")"
}

// StatusOf derives the status of a migration from its latest execution.
// A finished automatic rollback is reported on behalf of the run that failed.
func StatusOf(ctx context.Context, store execution.Store, migrationID string) (Status, error) {
	latest, err := store.LatestExecution(ctx, migrationID)
	if errors.Is(err, execution.ErrNotFound) {
		return Status{MigrationID: migrationID, State: StatusNotStarted}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("failed to load latest execution of %s: %w", migrationID, err)
	}

	st := Status{MigrationID: migrationID, Execution: latest, State: string(latest.Status)}

	if !latest.ParentExecutionID.Valid {
		return st, nil
	}

	switch latest.Status {
	case execution.StatusCompleted:
		st.State = string(execution.StatusFailed)
		st.Annotation = AnnotationAutoReverted
	case execution.StatusFailed:
		st.State = string(execution.StatusFailed)
		st.Annotation = AnnotationAutoRevertFailed
	case execution.StatusCanceled:
		st.State = string(execution.StatusCanceled)
	default:
		st.State = "reverting"
	}

	return st, nil
}
