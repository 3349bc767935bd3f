// Package backfill is an example migration: it fills users.email_normalized
// from users.email, a batch of rows at a time.
package backfill

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/platforma-dev/batchmigrate/log"
	"github.com/platforma-dev/batchmigrate/migration"
)

// ID is the registry id of the migration.
const ID = "normalize-user-emails"

// NormalizeEmails backfills the normalized email column.
type NormalizeEmails struct {
	migration.Base
	db *sqlx.DB
}

// New creates the migration over db.
func New(db *sqlx.DB) *NormalizeEmails {
	return &NormalizeEmails{db: db}
}

// Schema creates the demo table.
func Schema(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS demo_users (
		id INTEGER PRIMARY KEY,
		email TEXT NOT NULL,
		email_normalized TEXT
	)`)
	if err != nil {
		return fmt.Errorf("failed to create demo_users: %w", err)
	}
	return nil
}

// Seed inserts n users with mixed-case emails.
func Seed(ctx context.Context, db *sqlx.DB, n int) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := 1; i <= n; i++ {
		_, err = tx.ExecContext(ctx, db.Rebind(`INSERT INTO demo_users (email) VALUES (?)`), fmt.Sprintf("  User%d@Example.COM ", i))
		if err != nil {
			return fmt.Errorf("failed to insert user %d: %w", i, err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit seed: %w", err)
	}
	return nil
}

func (m *NormalizeEmails) Metadata() migration.Metadata {
	return migration.Metadata{
		Label:            "Normalize user emails",
		Description:      "Fills users.email_normalized with the trimmed, lower-cased email",
		Tags:             []string{"demo", "users"},
		DefaultBatchSize: 100,
	}
}

func (m *NormalizeEmails) TotalItems(ctx context.Context, _ migration.Direction) (int, error) {
	return m.count(ctx, `SELECT COUNT(*) FROM demo_users`)
}

func (m *NormalizeEmails) IsUpDone(ctx context.Context) (bool, error) {
	n, err := m.count(ctx, `SELECT COUNT(*) FROM demo_users WHERE email_normalized IS NULL`)
	return n == 0, err
}

func (m *NormalizeEmails) IsDownDone(ctx context.Context) (bool, error) {
	n, err := m.count(ctx, `SELECT COUNT(*) FROM demo_users WHERE email_normalized IS NOT NULL`)
	return n == 0, err
}

func (m *NormalizeEmails) Forward(ctx context.Context, b migration.Batch) error {
	res, err := m.db.ExecContext(ctx, m.db.Rebind(`UPDATE demo_users SET email_normalized = LOWER(TRIM(email))
		WHERE id IN (SELECT id FROM demo_users WHERE email_normalized IS NULL ORDER BY id LIMIT ?)`), b.Size)
	if err != nil {
		return fmt.Errorf("failed to normalize batch %d: %w", b.Number, err)
	}

	rows, _ := res.RowsAffected()
	log.DebugContext(ctx, "normalized emails", "rows", rows)
	return nil
}

func (m *NormalizeEmails) Backward(ctx context.Context, b migration.Batch) error {
	_, err := m.db.ExecContext(ctx, m.db.Rebind(`UPDATE demo_users SET email_normalized = NULL
		WHERE id IN (SELECT id FROM demo_users WHERE email_normalized IS NOT NULL ORDER BY id LIMIT ?)`), b.Size)
	if err != nil {
		return fmt.Errorf("failed to clear batch %d: %w", b.Number, err)
	}
	return nil
}

func (m *NormalizeEmails) count(ctx context.Context, query string) (int, error) {
	var n int
	err := m.db.GetContext(ctx, &n, query)
	if err != nil {
		return 0, fmt.Errorf("failed to count demo users: %w", err)
	}
	return n, nil
}
