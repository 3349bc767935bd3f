// Package migration defines the unit of work driven by the batch engine and the registry holding them.
package migration

import (
	"context"
	"encoding/json"
	"fmt"
)

// Direction selects which operation of a migration runs.
type Direction int

const (
	// Up is the forward direction.
	Up Direction = iota + 1
	// Down is the backward (compensating) direction.
	Down
)

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Opposite returns the compensating direction.
func (d Direction) Opposite() Direction {
	if d == Up {
		return Down
	}
	return Up
}

// Valid reports whether d is Up or Down.
func (d Direction) Valid() bool {
	return d == Up || d == Down
}

// MarshalText implements encoding.TextMarshaler.
func (d Direction) MarshalText() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDirection, int(d))
	}
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Direction) UnmarshalText(text []byte) error {
	parsed, err := ParseDirection(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDirection parses "up" or "down".
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "up":
		return Up, nil
	case "down":
		return Down, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidDirection, s)
	}
}

// Batch is one bounded unit of a migration's work. Numbers start at 1.
type Batch struct {
	Number  int
	Size    int
	Context json.RawMessage
}

// Metadata describes a migration to operators and to the scheduler.
type Metadata struct {
	Label       string
	Description string
	Tags        []string

	DefaultBatchSize int
	// RetriesPerBatch is advisory. The driver never retries a batch itself;
	// the value is exposed for an external retry policy.
	RetriesPerBatch int
	// ManualTrigger excludes the migration from the automatic scheduling pass.
	ManualTrigger bool
}

// Migration is a long-running data transformation executed in batches.
//
// Predicates must be cheap, idempotent and free of side effects. Forward and
// Backward must be safe to call again for the same batch while the matching
// completion predicate has not flipped. IsUpDone must eventually become true
// under repeated Forward calls with increasing batch numbers.
type Migration interface {
	Metadata() Metadata
	TotalItems(ctx context.Context, dir Direction) (int, error)

	IsApplicable(ctx context.Context) (bool, error)
	CanRun(ctx context.Context) (bool, error)
	IsUpDone(ctx context.Context) (bool, error)
	IsDownDone(ctx context.Context) (bool, error)

	Forward(ctx context.Context, batch Batch) error
	Backward(ctx context.Context, batch Batch) error
}

// ContextSupplier is implemented by migrations that hand batch-specific context
// (a cursor, an id range) to their own operations.
type ContextSupplier interface {
	BatchContext(ctx context.Context, dir Direction, number, size int) (json.RawMessage, error)
}

// Hooks is implemented by migrations that need to run code around each batch.
type Hooks interface {
	BeforeBatch(ctx context.Context, dir Direction, batch Batch) error
	AfterBatch(ctx context.Context, dir Direction, batch Batch, completed bool) error
}

// Base provides defaults for the optional parts of Migration.
// Embed it and implement the rest.
type Base struct{}

// IsApplicable returns true.
func (Base) IsApplicable(context.Context) (bool, error) { return true, nil }

// CanRun returns true.
func (Base) CanRun(context.Context) (bool, error) { return true, nil }

// BeforeBatch does nothing.
func (Base) BeforeBatch(context.Context, Direction, Batch) error { return nil }

// AfterBatch does nothing.
func (Base) AfterBatch(context.Context, Direction, Batch, bool) error { return nil }

// Apply runs the operation matching dir.
func Apply(ctx context.Context, m Migration, dir Direction, batch Batch) error {
	switch dir {
	case Up:
		return m.Forward(ctx, batch)
	case Down:
		return m.Backward(ctx, batch)
	default:
		return fmt.Errorf("%w: %d", ErrInvalidDirection, int(dir))
	}
}

// IsDone evaluates the completion predicate matching dir.
func IsDone(ctx context.Context, m Migration, dir Direction) (bool, error) {
	switch dir {
	case Up:
		return m.IsUpDone(ctx)
	case Down:
		return m.IsDownDone(ctx)
	default:
		return false, fmt.Errorf("%w: %d", ErrInvalidDirection, int(dir))
	}
}

// Before calls the before hook when m implements Hooks.
func Before(ctx context.Context, m Migration, dir Direction, batch Batch) error {
	if h, ok := m.(Hooks); ok {
		return h.BeforeBatch(ctx, dir, batch)
	}
	return nil
}

// After calls the after hook when m implements Hooks.
func After(ctx context.Context, m Migration, dir Direction, batch Batch, completed bool) error {
	if h, ok := m.(Hooks); ok {
		return h.AfterBatch(ctx, dir, batch, completed)
	}
	return nil
}

// ContextFor returns the batch context m wants for the given batch, or nil.
func ContextFor(ctx context.Context, m Migration, dir Direction, number, size int) (json.RawMessage, error) {
	s, ok := m.(ContextSupplier)
	if !ok {
		return nil, nil
	}
	raw, err := s.BatchContext(ctx, dir, number, size)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s context for batch %d: %w", dir, number, err)
	}
	return raw, nil
}

// BatchSize returns size when positive, otherwise the migration default, otherwise 1.
func BatchSize(m Migration, size int) int {
	if size > 0 {
		return size
	}
	if def := m.Metadata().DefaultBatchSize; def > 0 {
		return def
	}
	return 1
}

// TotalBatches returns how many batches cover items, never less than one.
func TotalBatches(items, size int) int {
	if size <= 0 || items <= 0 {
		return 1
	}
	return (items + size - 1) / size
}
