package migration

import (
	"context"
	"encoding/json"
	"fmt"
)

// Contextual is a migration that passes a typed value of C to each batch.
type Contextual[C any] interface {
	Migration
	ContextFor(ctx context.Context, dir Direction, number, size int) (C, error)
}

type typedMigration[C any] struct {
	Contextual[C]
}

// WithContext adapts m so its typed batch context travels through the queue as JSON.
// Inside Forward and Backward use ContextOf[C] to read it back.
func WithContext[C any](m Contextual[C]) Migration {
	return typedMigration[C]{m}
}

func (t typedMigration[C]) BatchContext(ctx context.Context, dir Direction, number, size int) (json.RawMessage, error) {
	value, err := t.ContextFor(ctx, dir, number, size)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch context: %w", err)
	}
	return raw, nil
}

// BeforeBatch forwards to the wrapped migration hooks.
func (t typedMigration[C]) BeforeBatch(ctx context.Context, dir Direction, batch Batch) error {
	return Before(ctx, t.Contextual, dir, batch)
}

// AfterBatch forwards to the wrapped migration hooks.
func (t typedMigration[C]) AfterBatch(ctx context.Context, dir Direction, batch Batch, completed bool) error {
	return After(ctx, t.Contextual, dir, batch, completed)
}

// ContextOf decodes the batch context into C. An empty context yields the zero value.
func ContextOf[C any](batch Batch) (C, error) {
	var value C
	if len(batch.Context) == 0 {
		return value, nil
	}
	err := json.Unmarshal(batch.Context, &value)
	if err != nil {
		return value, fmt.Errorf("failed to decode context of batch %d: %w", batch.Number, err)
	}
	return value, nil
}
