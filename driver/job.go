package driver

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/google/uuid"

	"github.com/platforma-dev/batchmigrate/log"
	"github.com/platforma-dev/batchmigrate/migration"
)

// Job is one Batch driver invocation as it travels through the task queue.
type Job struct {
	ID          string              `json:"id"`
	TraceID     string              `json:"traceId"`
	MigrationID string              `json:"migrationId"`
	Direction   migration.Direction `json:"direction"`
	Batch       int                 `json:"batch"`
	BatchSize   int                 `json:"batchSize"`
	ExecutionID int64               `json:"executionId"`
	Context     json.RawMessage     `json:"context,omitempty"`
	// Retries is the retry budget requested from the queue. The driver always asks for none.
	Retries int `json:"retries"`
}

// Enqueuer hands jobs to the task queue. queue.Processor implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) error
}

func newJob(ctx context.Context, migrationID string, dir migration.Direction, batch migration.Batch, executionID int64) Job {
	traceID := log.TraceID(ctx)
	if traceID == "" {
		_, traceID = log.WithTraceID(ctx, "")
	}

	return Job{
		ID:          uuid.NewString(),
		TraceID:     traceID,
		MigrationID: migrationID,
		Direction:   dir,
		Batch:       batch.Number,
		BatchSize:   batch.Size,
		ExecutionID: executionID,
		Context:     batch.Context,
	}
}

func (j Job) batch() migration.Batch {
	return migration.Batch{Number: j.Batch, Size: j.BatchSize, Context: j.Context}
}

// context restores the trace id and adds the job coordinates to ctx for logging.
func (j Job) context(ctx context.Context) context.Context {
	ctx = log.With(ctx, log.TraceIDKey, j.TraceID)
	ctx = log.With(ctx, log.MigrationIDKey, j.MigrationID)
	ctx = log.With(ctx, log.DirectionKey, j.Direction.String())
	ctx = log.With(ctx, log.BatchKey, strconv.Itoa(j.Batch))
	if j.ExecutionID > 0 {
		ctx = log.With(ctx, log.ExecutionIDKey, strconv.FormatInt(j.ExecutionID, 10))
	}
	return ctx
}
