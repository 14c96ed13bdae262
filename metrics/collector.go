// Package metrics exposes Prometheus instrumentation for the render pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector records pipeline and retention metrics
type Collector struct {
	rendersTotal     *prometheus.CounterVec
	renderDuration   prometheus.Histogram
	stepDuration     *prometheus.HistogramVec
	cleanupFailures  prometheus.Counter
	retentionDeleted *prometheus.CounterVec
	renderSlotsInUse prometheus.Gauge
}

// NewCollector registers the collectors on the default registry
func NewCollector(namespace string) *Collector {
	return &Collector{
		rendersTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "renders_total",
				Help:      "Total number of pipeline runs by outcome",
			},
			[]string{"status"},
		),
		renderDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "render_duration_seconds",
				Help:      "Wall time of a full pipeline run",
				Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
			},
		),
		stepDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_step_duration_seconds",
				Help:      "Wall time of each pipeline step",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"step"},
		),
		cleanupFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleanup_failures_total",
				Help:      "Intermediate files that could not be deleted",
			},
		),
		retentionDeleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retention_deleted_total",
				Help:      "Retained files removed by the retention janitor",
			},
			[]string{"kind"},
		),
		renderSlotsInUse: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "render_slots_in_use",
				Help:      "Pipeline runs currently holding a render slot",
			},
		),
	}
}

// RecordRender records the outcome of a full pipeline run
func (c *Collector) RecordRender(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.rendersTotal.WithLabelValues(status).Inc()
	c.renderDuration.Observe(duration.Seconds())
}

// RecordStep records the duration of a single pipeline step
func (c *Collector) RecordStep(step string, duration time.Duration) {
	if c == nil {
		return
	}
	c.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordCleanupFailures counts intermediates left behind
func (c *Collector) RecordCleanupFailures(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.cleanupFailures.Add(float64(n))
}

// RecordRetentionDelete counts a retained file removed by the janitor
func (c *Collector) RecordRetentionDelete(kind string) {
	if c == nil {
		return
	}
	c.retentionDeleted.WithLabelValues(kind).Inc()
}

// SlotAcquired and SlotReleased track render slot usage.
func (c *Collector) SlotAcquired() {
	if c == nil {
		return
	}
	c.renderSlotsInUse.Inc()
}

func (c *Collector) SlotReleased() {
	if c == nil {
		return
	}
	c.renderSlotsInUse.Dec()
}
