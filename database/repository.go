package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

type repository struct {
	db *sqlx.DB
}

func newRepository(db *sqlx.DB) *repository {
	return &repository{db: db}
}

// migrations returns the schema of the migration log table itself.
func (r *repository) migrations() []Migration {
	return []Migration{
		{
			ID: "init",
			Up: `CREATE TABLE IF NOT EXISTS batchmigrate_schema_migrations (
				repository VARCHAR(255) NOT NULL,
				id         VARCHAR(255) NOT NULL,
				timestamp  TIMESTAMP    NOT NULL,
				PRIMARY KEY (repository, id)
			)`,
			Down: "DROP TABLE batchmigrate_schema_migrations",
		},
	}
}

func (r *repository) getMigrationLogs(ctx context.Context) ([]migrationLog, error) {
	logs := []migrationLog{}
	err := r.db.SelectContext(ctx, &logs, "SELECT repository, id, timestamp FROM batchmigrate_schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to select migration logs: %w", err)
	}
	return logs, nil
}

func (r *repository) saveMigrationLog(ctx context.Context, l migrationLog) error {
	query := r.db.Rebind("INSERT INTO batchmigrate_schema_migrations (repository, id, timestamp) VALUES (?, ?, ?)")
	_, err := r.db.ExecContext(ctx, query, l.Repository, l.MigrationID, l.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert migration log: %w", err)
	}
	return nil
}

func (r *repository) executeQuery(ctx context.Context, query string) error {
	_, err := r.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to execute query: %w", err)
	}
	return nil
}
