package migration

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyID is returned when a migration is registered without an id.
	ErrEmptyID = errors.New("migration id is empty")
	// ErrIDTooLong is returned when a migration id exceeds MaxIDLength.
	ErrIDTooLong = errors.New("migration id is too long")
	// ErrDuplicateID is returned when an id is registered twice.
	ErrDuplicateID = errors.New("migration id already registered")
	// ErrRegistryClosed is returned when registering after the scheduling cutover.
	ErrRegistryClosed = errors.New("registry is closed")
	// ErrNilMigration is returned when registering a nil migration.
	ErrNilMigration = errors.New("migration is nil")
	// ErrInvalidDirection is returned for directions other than up and down.
	ErrInvalidDirection = errors.New("invalid direction")
)

// ConfigError is a terminal configuration error. It is surfaced to the caller and never retried.
type ConfigError struct {
	ID  string
	err error
}

// Error returns the formatted error message for ConfigError.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid migration configuration for %q: %v", e.ID, e.err)
}

// Unwrap returns the underlying error for ConfigError.
func (e *ConfigError) Unwrap() error {
	return e.err
}
