package execution

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"strings"
	"time"
)

type db interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Rebind(query string) string
	DriverName() string
}

// Repository is the SQL Store. It works on postgres and sqlite connections.
type Repository struct {
	db db
}

// NewRepository creates a repository over an sqlx connection.
func NewRepository(db db) *Repository {
	return &Repository{db: db}
}

//go:embed migrations
var migrations embed.FS

// Migrations returns the schema for the connection dialect.
func (r *Repository) Migrations() fs.FS {
	dialect := "postgres"
	if strings.HasPrefix(r.db.DriverName(), "sqlite") {
		dialect = "sqlite"
	}
	m, _ := fs.Sub(migrations, "migrations/"+dialect)
	return m
}

const executionColumns = `id, migration_id, operation, status, batch_size, items_total, items_processed,
	parent_execution_id, start_date, end_date, created_at`

func (r *Repository) CreateExecution(ctx context.Context, e *Execution) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	query := r.db.Rebind(`
		INSERT INTO batchmigrate_executions
			(migration_id, operation, status, batch_size, items_total, items_processed,
			 parent_execution_id, start_date, end_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`)
	err := r.db.GetContext(ctx, &e.ID, query,
		e.MigrationID, e.Operation, e.Status, e.BatchSize, e.ItemsTotal, e.ItemsProcessed,
		e.ParentExecutionID, e.StartDate, e.EndDate, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

func (r *Repository) GetExecution(ctx context.Context, id int64) (*Execution, error) {
	var e Execution
	err := r.db.GetContext(ctx, &e, r.db.Rebind("SELECT "+executionColumns+" FROM batchmigrate_executions WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution by id: %w", err)
	}
	return &e, nil
}

func (r *Repository) UpdateExecution(ctx context.Context, e *Execution) error {
	query := r.db.Rebind(`
		UPDATE batchmigrate_executions
		SET status = ?, batch_size = ?, items_total = ?, items_processed = ?, start_date = ?, end_date = ?
		WHERE id = ?
	`)
	res, err := r.db.ExecContext(ctx, query,
		e.Status, e.BatchSize, e.ItemsTotal, e.ItemsProcessed, e.StartDate, e.EndDate, e.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("execution %d: %w", e.ID, ErrNotFound)
	}
	return nil
}

func (r *Repository) LatestExecution(ctx context.Context, migrationID string) (*Execution, error) {
	var e Execution
	query := r.db.Rebind("SELECT " + executionColumns + " FROM batchmigrate_executions WHERE migration_id = ? ORDER BY id DESC LIMIT 1")
	err := r.db.GetContext(ctx, &e, query, migrationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("latest execution of %s: %w", migrationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest execution: %w", err)
	}
	return &e, nil
}

func (r *Repository) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	var (
		where []string
		args  []any
	)
	if filter.MigrationID != "" {
		where = append(where, "migration_id = ?")
		args = append(args, filter.MigrationID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := "SELECT " + executionColumns + " FROM batchmigrate_executions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limitOrAll(filter.Limit))

	executions := []Execution{}
	err := r.db.SelectContext(ctx, &executions, r.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	return executions, nil
}

func (r *Repository) AppendEvent(ctx context.Context, e *Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	query := r.db.Rebind(`
		INSERT INTO batchmigrate_events (migration_id, type, data, created_at)
		VALUES (?, ?, ?, ?)
		RETURNING id
	`)
	err := r.db.GetContext(ctx, &e.ID, query, e.MigrationID, e.Type, e.Data, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (r *Repository) ListEvents(ctx context.Context, migrationID string) ([]Event, error) {
	query := "SELECT id, migration_id, type, data, created_at FROM batchmigrate_events"
	args := []any{}
	if migrationID != "" {
		query += " WHERE migration_id = ?"
		args = append(args, migrationID)
	}
	query += " ORDER BY id"

	events := []Event{}
	err := r.db.SelectContext(ctx, &events, r.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

func (r *Repository) AppendLog(ctx context.Context, entry *LogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := r.db.Rebind(`
		INSERT INTO batchmigrate_logs (execution_id, level, severity, message, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id
	`)
	err := r.db.GetContext(ctx, &entry.ID, query,
		entry.ExecutionID, entry.Level, entry.Severity, entry.Message, entry.Data, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}
	return nil
}

func (r *Repository) ListLogs(ctx context.Context, filter LogFilter) ([]LogEntry, error) {
	var (
		where []string
		args  []any
	)
	if filter.ExecutionID != 0 {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.MinSeverity != nil {
		where = append(where, "severity >= ?")
		args = append(args, *filter.MinSeverity)
	}
	if filter.Search != "" {
		where = append(where, "LOWER(message) LIKE ?")
		args = append(args, "%"+strings.ToLower(filter.Search)+"%")
	}

	query := "SELECT id, execution_id, level, severity, message, data, created_at FROM batchmigrate_logs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id LIMIT ? OFFSET ?"
	args = append(args, limitOrAll(filter.Limit), max(filter.Offset, 0))

	entries := []LogEntry{}
	err := r.db.SelectContext(ctx, &entries, r.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	return entries, nil
}

func limitOrAll(limit int) int {
	if limit <= 0 {
		return math.MaxInt32
	}
	return limit
}
