// Package metrics exports batch counters and durations to Prometheus.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/platforma-dev/batchmigrate/execution"
	"github.com/platforma-dev/batchmigrate/signal"
)

const namespace = "batchmigrate"

// Collector turns batch signals into Prometheus metrics. It owns its registry.
type Collector struct {
	registry *prometheus.Registry

	BatchesStarted   *prometheus.CounterVec
	BatchesProcessed *prometheus.CounterVec
	BatchesFailed    *prometheus.CounterVec
	BatchDuration    *prometheus.HistogramVec
	OpenExecutions   *prometheus.GaugeVec
}

// ExecutionLister is the part of execution.Store that Refresh reads.
type ExecutionLister interface {
	ListExecutions(ctx context.Context, filter execution.ExecutionFilter) ([]execution.Execution, error)
}

// NewCollector creates a Collector with every metric registered.
func NewCollector() *Collector {
	labels := []string{"migration", "direction"}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		BatchesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_started_total",
			Help:      "Total number of batches handed to a migration operation",
		}, labels),
		BatchesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_processed_total",
			Help:      "Total number of batches whose operation returned without error",
		}, labels),
		BatchesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_failed_total",
			Help:      "Total number of failed batches",
		}, labels),
		BatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Duration of batch operations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, labels),
		OpenExecutions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_executions",
			Help:      "Executions that are scheduled, pending or running, as of the last refresh",
		}, []string{"status"}),
	}

	c.registry.MustRegister(c.BatchesStarted, c.BatchesProcessed, c.BatchesFailed, c.BatchDuration, c.OpenExecutions)

	return c
}

// Subscribe registers the collector on bus for every batch signal.
func (c *Collector) Subscribe(bus *signal.Bus) {
	bus.Subscribe(c)
}

// Notify implements signal.Listener.
func (c *Collector) Notify(_ context.Context, n signal.Notification) {
	labels := prometheus.Labels{"migration": n.MigrationID, "direction": n.Direction.String()}

	switch n.Name {
	case signal.BeforeBatch:
		c.BatchesStarted.With(labels).Inc()
	case signal.AfterBatch:
		c.BatchesProcessed.With(labels).Inc()
		c.BatchDuration.With(labels).Observe(n.Elapsed.Seconds())
	case signal.BatchFailed:
		c.BatchesFailed.With(labels).Inc()
		c.BatchDuration.With(labels).Observe(n.Elapsed.Seconds())
	}
}

// Refresh sets the open executions gauge from store. A chain that stopped
// without closing its execution shows up as a running count that never drops.
func (c *Collector) Refresh(ctx context.Context, store ExecutionLister) error {
	for _, status := range []execution.Status{execution.StatusScheduled, execution.StatusPending, execution.StatusRunning} {
		execs, err := store.ListExecutions(ctx, execution.ExecutionFilter{Status: status})
		if err != nil {
			return fmt.Errorf("failed to count %s executions: %w", status, err)
		}
		c.OpenExecutions.WithLabelValues(string(status)).Set(float64(len(execs)))
	}

	return nil
}

// Registry returns the registry holding the collector metrics.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
