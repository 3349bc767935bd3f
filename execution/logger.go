package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx/types"
	"github.com/platforma-dev/batchmigrate/log"
)

// MinLevel returns the default minimum severity of the execution log.
func MinLevel(debug bool) slog.Level {
	if debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// Logger writes the leveled per-execution log. Entries below the minimum
// level are dropped before they reach the store.
type Logger struct {
	store Store
	min   slog.Level
}

// NewLogger creates a Logger writing entries at or above min.
func NewLogger(store Store, min slog.Level) *Logger {
	return &Logger{store: store, min: min}
}

// Enabled reports whether entries at level would be stored.
func (l *Logger) Enabled(level slog.Level) bool {
	return level >= l.min
}

// Log stores one entry. data is encoded as JSON when not nil.
func (l *Logger) Log(ctx context.Context, executionID int64, level slog.Level, msg string, data any) error {
	if !l.Enabled(level) {
		return nil
	}

	entry := &LogEntry{
		ExecutionID: executionID,
		Level:       level.String(),
		Severity:    int(level),
		Message:     msg,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to encode log data: %w", err)
		}
		entry.Data = types.JSONText(raw)
	}

	err := l.store.AppendLog(ctx, entry)
	if err != nil {
		return err
	}

	switch {
	case level >= slog.LevelError:
		log.ErrorContext(ctx, msg, "executionLog", executionID)
	case level >= slog.LevelWarn:
		log.WarnContext(ctx, msg, "executionLog", executionID)
	case level >= slog.LevelInfo:
		log.InfoContext(ctx, msg, "executionLog", executionID)
	default:
		log.DebugContext(ctx, msg, "executionLog", executionID)
	}
	return nil
}

func (l *Logger) Debug(ctx context.Context, executionID int64, msg string, data any) error {
	return l.Log(ctx, executionID, slog.LevelDebug, msg, data)
}

func (l *Logger) Info(ctx context.Context, executionID int64, msg string, data any) error {
	return l.Log(ctx, executionID, slog.LevelInfo, msg, data)
}

func (l *Logger) Warn(ctx context.Context, executionID int64, msg string, data any) error {
	return l.Log(ctx, executionID, slog.LevelWarn, msg, data)
}

func (l *Logger) Error(ctx context.Context, executionID int64, msg string, data any) error {
	return l.Log(ctx, executionID, slog.LevelError, msg, data)
}
