package migration

import (
	"fmt"
	"slices"
	"sync"
)

// MaxIDLength is the storage bound of a migration id.
const MaxIDLength = 255

// Entry is a registered migration with its id.
type Entry struct {
	ID        string
	Migration Migration
}

// Registry is an ordered, keyed collection of migrations.
// It becomes read-only once Close is called by the scheduling cutover.
type Registry struct {
	mu     sync.RWMutex
	ids    []string
	items  map[string]Migration
	closed bool
}

// NewRegistry creates an empty, open registry.
func NewRegistry() *Registry {
	return &Registry{items: make(map[string]Migration)}
}

// Register adds m under id. Ids are write-once.
func (r *Registry) Register(id string, m Migration) error {
	if id == "" {
		return &ConfigError{ID: id, err: ErrEmptyID}
	}
	if len(id) > MaxIDLength {
		return &ConfigError{ID: id, err: fmt.Errorf("%w: %d > %d", ErrIDTooLong, len(id), MaxIDLength)}
	}
	if m == nil {
		return &ConfigError{ID: id, err: ErrNilMigration}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return &ConfigError{ID: id, err: ErrRegistryClosed}
	}
	if _, ok := r.items[id]; ok {
		return &ConfigError{ID: id, err: ErrDuplicateID}
	}

	r.items[id] = m
	r.ids = append(r.ids, id)
	return nil
}

// MustRegister is like Register but panics on error. Meant for init-time wiring.
func (r *Registry) MustRegister(id string, m Migration) {
	if err := r.Register(id, m); err != nil {
		panic(err)
	}
}

// Get returns the migration registered under id.
func (r *Registry) Get(id string) (Migration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.items[id]
	return m, ok
}

// All returns registered migrations in insertion order.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]Entry, 0, len(r.ids))
	for _, id := range r.ids {
		entries = append(entries, Entry{ID: id, Migration: r.items[id]})
	}
	return entries
}

// Filter returns a closed snapshot holding the entries matching keep.
// The receiver is not modified.
func (r *Registry) Filter(keep func(Entry) bool) *Registry {
	view := NewRegistry()
	for _, entry := range r.All() {
		if keep(entry) {
			view.items[entry.ID] = entry.Migration
			view.ids = append(view.ids, entry.ID)
		}
	}
	view.closed = true
	return view
}

// Len returns the number of registered migrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.ids)
}

// Close forbids further registrations.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
}

// Closed reports whether the cutover has happened.
func (r *Registry) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.closed
}

// HasTag matches entries whose migration carries tag.
func HasTag(tag string) func(Entry) bool {
	return func(e Entry) bool {
		return slices.Contains(e.Migration.Metadata().Tags, tag)
	}
}

// LabelOf returns the migration label, falling back to its id.
func LabelOf(e Entry) string {
	if label := e.Migration.Metadata().Label; label != "" {
		return label
	}
	return e.ID
}
