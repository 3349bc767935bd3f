package execution

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps everything in process memory. It suits tests and
// single-process deployments where the history does not need to survive restarts.
type MemoryStore struct {
	mu         sync.Mutex
	now        func() time.Time
	executions []Execution
	events     []Event
	logs       []LogEntry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (s *MemoryStore) CreateExecution(_ context.Context, e *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.ID = int64(len(s.executions) + 1)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	s.executions = append(s.executions, *e)
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id int64) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id < 1 || id > int64(len(s.executions)) {
		return nil, fmt.Errorf("execution %d: %w", id, ErrNotFound)
	}
	e := s.executions[id-1]
	return &e, nil
}

func (s *MemoryStore) UpdateExecution(_ context.Context, e *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID < 1 || e.ID > int64(len(s.executions)) {
		return fmt.Errorf("execution %d: %w", e.ID, ErrNotFound)
	}
	s.executions[e.ID-1] = *e
	return nil
}

func (s *MemoryStore) LatestExecution(_ context.Context, migrationID string) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range slices.Backward(s.executions) {
		if e.MigrationID == migrationID {
			return &e, nil
		}
	}
	return nil, fmt.Errorf("latest execution of %s: %w", migrationID, ErrNotFound)
}

// ListExecutions returns matching executions, newest first.
func (s *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := []Execution{}
	for _, e := range slices.Backward(s.executions) {
		if filter.MigrationID != "" && e.MigrationID != filter.MigrationID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		result = append(result, e)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.ID = int64(len(s.events) + 1)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	s.events = append(s.events, *e)
	return nil
}

// ListEvents returns the events of a migration, oldest first. An empty id lists all events.
func (s *MemoryStore) ListEvents(_ context.Context, migrationID string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := []Event{}
	for _, e := range s.events {
		if migrationID == "" || e.MigrationID == migrationID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) AppendLog(_ context.Context, entry *LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.ID = int64(len(s.logs) + 1)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	s.logs = append(s.logs, *entry)
	return nil
}

func (s *MemoryStore) ListLogs(_ context.Context, filter LogFilter) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := []LogEntry{}
	for _, entry := range s.logs {
		if filter.ExecutionID != 0 && entry.ExecutionID != filter.ExecutionID {
			continue
		}
		if filter.MinSeverity != nil && entry.Severity < *filter.MinSeverity {
			continue
		}
		if filter.Search != "" && !strings.Contains(strings.ToLower(entry.Message), strings.ToLower(filter.Search)) {
			continue
		}
		matched = append(matched, entry)
	}

	offset := max(filter.Offset, 0)
	if offset >= len(matched) {
		return []LogEntry{}, nil
	}
	matched = matched[offset:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}
