// Package signal publishes batch lifecycle notifications to any number of listeners.
package signal

import (
	"context"
	"sync"
	"time"

	"github.com/platforma-dev/batchmigrate/log"
	"github.com/platforma-dev/batchmigrate/migration"
)

// Name identifies a signal.
type Name string

const (
	// BeforeBatch fires right before a batch operation runs.
	BeforeBatch Name = "before-batch"
	// AfterBatch fires after a batch operation returned without error.
	AfterBatch Name = "after-batch"
	// BatchFailed fires when a batch operation returned an error.
	BatchFailed Name = "batch-failed"
)

// Notification is the payload of every signal.
type Notification struct {
	Name        Name
	MigrationID string
	Migration   migration.Migration
	Direction   migration.Direction
	Batch       migration.Batch
	ExecutionID int64
	// Elapsed is set on AfterBatch and BatchFailed.
	Elapsed time.Duration
	// Err is set on BatchFailed.
	Err error
}

// Listener receives notifications. Listeners must not block for long: they run
// inline with the batch.
type Listener interface {
	Notify(ctx context.Context, n Notification)
}

// ListenerFunc is a function adapter for Listener.
type ListenerFunc func(ctx context.Context, n Notification)

// Notify implements Listener.
func (f ListenerFunc) Notify(ctx context.Context, n Notification) {
	f(ctx, n)
}

// Bus fans notifications out to subscribed listeners. No acknowledgement is expected.
type Bus struct {
	mu        sync.RWMutex
	listeners map[Name][]Listener
}

// NewBus creates a bus without listeners.
func NewBus() *Bus {
	return &Bus{listeners: make(map[Name][]Listener)}
}

// Subscribe registers l for the given signals, or for all signals when none are given.
func (b *Bus) Subscribe(l Listener, names ...Name) {
	if len(names) == 0 {
		names = []Name{BeforeBatch, AfterBatch, BatchFailed}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, name := range names {
		b.listeners[name] = append(b.listeners[name], l)
	}
}

// Publish delivers n to listeners of n.Name in subscription order.
// A panicking listener is logged and skipped.
func (b *Bus) Publish(ctx context.Context, n Notification) {
	if b == nil {
		return
	}

	b.mu.RLock()
	listeners := append([]Listener(nil), b.listeners[n.Name]...)
	b.mu.RUnlock()

	for _, l := range listeners {
		notify(ctx, l, n)
	}
}

func notify(ctx context.Context, l Listener, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(ctx, "signal listener panicked", "signal", string(n.Name), "panic", r)
		}
	}()

	l.Notify(ctx, n)
}
