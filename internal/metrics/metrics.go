// Package metrics counts harness progress in Prometheus form.
//
// Collector keeps its own registry so concurrent runs and tests never
// share counters. `refrace run --metrics-out` writes the registry in the
// text exposition format for node_exporter's textfile collector.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/refrace/internal/workpool"
)

const namespace = "refrace"

const (
	MetricItems        = "items_total"
	MetricItemRetries  = "item_retries_total"
	MetricOps          = "ops_total"
	MetricOpDuration   = "op_duration_seconds"
	MetricStages       = "stages_total"
	MetricErrors       = "errors_total"
	MetricConflicts    = "conflicts_resolved_total"
	MetricStageSeconds = "stage_duration_seconds"
)

// Outcome label values.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// Collector is a workpool.Observer that updates Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	items        *prometheus.CounterVec
	retries      prometheus.Counter
	ops          *prometheus.CounterVec
	opDuration   *prometheus.HistogramVec
	stages       prometheus.Counter
	stageSeconds prometheus.Histogram
	errors       *prometheus.CounterVec
	conflicts    prometheus.Counter
}

var _ workpool.Observer = (*Collector)(nil)

// New creates a Collector with its metrics registered on a fresh registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricItems,
			Help:      "Work items finished, by outcome.",
		}, []string{"outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricItemRetries,
			Help:      "Work item re-runs after a retryable failure.",
		}),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricOps,
			Help:      "Operations finished, by operation and outcome.",
		}, []string{"op", "outcome"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      MetricOpDuration,
			Help:      "Operation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"op"}),
		stages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricStages,
			Help:      "Stages that passed their barrier.",
		}),
		stageSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      MetricStageSeconds,
			Help:      "Stage wall time from submit to barrier.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricErrors,
			Help:      "Protocol errors raised by operations, expected or not, by kind.",
		}, []string{"kind"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricConflicts,
			Help:      "Conflict rows resolved.",
		}),
	}
	c.registry.MustRegister(
		c.items, c.retries, c.ops, c.opDuration,
		c.stages, c.stageSeconds, c.errors, c.conflicts,
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Observe implements workpool.Observer.
func (c *Collector) Observe(e workpool.Event) {
	switch e.Kind {
	case workpool.StageFinished:
		c.stages.Inc()
		c.stageSeconds.Observe(e.Elapsed.Seconds())
	case workpool.ItemRetried:
		c.retries.Inc()
	case workpool.ItemFinished:
		c.items.WithLabelValues(outcome(e.Err)).Inc()
	case workpool.OpFinished:
		c.ops.WithLabelValues(e.Op, outcome(e.Err)).Inc()
		c.opDuration.WithLabelValues(e.Op).Observe(e.Elapsed.Seconds())
	}
}

// RecordError counts one protocol error of the given kind.
func (c *Collector) RecordError(kind string) {
	c.errors.WithLabelValues(kind).Inc()
}

// AddResolved counts resolved conflict rows.
func (c *Collector) AddResolved(n int) {
	if n > 0 {
		c.conflicts.Add(float64(n))
	}
}

// WriteTextfile writes every metric to path in the text exposition format.
func (c *Collector) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, c.registry)
}

func outcome(err error) string {
	if err != nil {
		return OutcomeFailed
	}
	return OutcomeOK
}
