package driver

import (
	"errors"
	"fmt"

	"github.com/platforma-dev/batchmigrate/migration"
)

var (
	// ErrMigrationNotFound is returned when a job or trigger names an unregistered migration.
	ErrMigrationNotFound = errors.New("migration not found")
	// ErrCannotRun is returned by a manual trigger when the migration refuses to run.
	ErrCannotRun = errors.New("migration cannot run")
	// ErrEmptyRange is returned when the requested batch range is empty after clamping.
	ErrEmptyRange = errors.New("empty batch range")
	// ErrExecutionClosed is returned when canceling an execution that already finished.
	ErrExecutionClosed = errors.New("execution is not open")
)

// BatchError is an operation failure of one batch. It is terminal: the batch
// is never retried by the driver.
type BatchError struct {
	MigrationID string
	Direction   migration.Direction
	Batch       int
	err         error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("migration %s %s batch %d failed: %v", e.MigrationID, e.Direction, e.Batch, e.err)
}

func (e *BatchError) Unwrap() error {
	return e.err
}
