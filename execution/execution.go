// Package execution keeps the bookkeeping of migration runs: execution records,
// the per-migration event log and the leveled per-execution log.
package execution

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx/types"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Status is the lifecycle state of an Execution.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
	StatusReverted  Status = "reverted"
)

// Open reports whether an execution in this status can still make progress.
func (s Status) Open() bool {
	return s == StatusScheduled || s == StatusPending || s == StatusRunning
}

// Operation tells a forward run from a rollback.
type Operation string

const (
	OperationRun      Operation = "run"
	OperationRollback Operation = "rollback"
)

// Execution is one top-level run or rollback invocation of a migration.
type Execution struct {
	ID                int64         `db:"id"`
	MigrationID       string        `db:"migration_id"`
	Operation         Operation     `db:"operation"`
	Status            Status        `db:"status"`
	BatchSize         int           `db:"batch_size"`
	ItemsTotal        int           `db:"items_total"`
	ItemsProcessed    int           `db:"items_processed"`
	ParentExecutionID sql.NullInt64 `db:"parent_execution_id"`
	StartDate         sql.NullTime  `db:"start_date"`
	EndDate           sql.NullTime  `db:"end_date"`
	CreatedAt         time.Time     `db:"created_at"`
}

// Start moves a fresh execution to running and stamps the start date once.
func (e *Execution) Start(now time.Time) {
	e.Status = StatusRunning
	if !e.StartDate.Valid {
		e.StartDate = sql.NullTime{Time: now, Valid: true}
	}
}

// Finish sets a terminal status and the end date.
func (e *Execution) Finish(status Status, now time.Time) {
	e.Status = status
	e.EndDate = sql.NullTime{Time: now, Valid: true}
}

// Advance adds processed items, never beyond the total when the total is known.
func (e *Execution) Advance(items int) {
	e.ItemsProcessed += items
	if e.ItemsTotal > 0 && e.ItemsProcessed > e.ItemsTotal {
		e.ItemsProcessed = e.ItemsTotal
	}
}

// EventType names a lifecycle transition in the event log.
type EventType string

const (
	EventScheduled      EventType = "scheduled"
	EventBatchStarted   EventType = "batch-started"
	EventBatchCompleted EventType = "batch-completed"
	EventCompleted      EventType = "completed"
	EventFailed         EventType = "failed"
)

// Event is an append-only audit record of a migration lifecycle transition.
type Event struct {
	ID          int64          `db:"id"`
	MigrationID string         `db:"migration_id"`
	Type        EventType      `db:"type"`
	Data        types.JSONText `db:"data"`
	CreatedAt   time.Time      `db:"created_at"`
}

// EventData is the payload stored with each event.
type EventData struct {
	Direction   string `json:"direction,omitempty"`
	Batch       int    `json:"batch,omitempty"`
	BatchSize   int    `json:"batchSize,omitempty"`
	ExecutionID int64  `json:"executionId,omitempty"`
	Error       string `json:"error,omitempty"`
}

// LogEntry is one line of the per-execution log.
type LogEntry struct {
	ID          int64          `db:"id"`
	ExecutionID int64          `db:"execution_id"`
	Level       string         `db:"level"`
	Severity    int            `db:"severity"`
	Message     string         `db:"message"`
	Data        types.JSONText `db:"data"`
	CreatedAt   time.Time      `db:"created_at"`
}

// ExecutionFilter narrows ListExecutions. Zero values match everything.
type ExecutionFilter struct {
	MigrationID string
	Status      Status
	Limit       int
}

// LogFilter narrows ListLogs. Results are ordered oldest first.
// A non-positive Limit means no limit; a negative Offset counts as zero.
type LogFilter struct {
	ExecutionID int64
	MinSeverity *int
	Search      string
	Limit       int
	Offset      int
}

// Store persists executions, events and log entries.
type Store interface {
	CreateExecution(ctx context.Context, e *Execution) error
	GetExecution(ctx context.Context, id int64) (*Execution, error)
	UpdateExecution(ctx context.Context, e *Execution) error
	LatestExecution(ctx context.Context, migrationID string) (*Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error)

	AppendEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, migrationID string) ([]Event, error)

	AppendLog(ctx context.Context, entry *LogEntry) error
	ListLogs(ctx context.Context, filter LogFilter) ([]LogEntry, error)
}
