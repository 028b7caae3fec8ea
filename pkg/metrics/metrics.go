// Package metrics exposes Prometheus metrics for the insulate server:
// task throughput and outcomes, bridge-pool efficiency, and pipeline
// stage latencies.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the server's metric families. A nil collector is valid
// and records nothing, which keeps instrumentation optional in tests.
type Collector struct {
	registry *prometheus.Registry

	tasksStarted  prometheus.Counter
	tasksFinished *prometheus.CounterVec
	activeTasks   prometheus.Gauge

	bridgeHits   prometheus.Counter
	bridgeMisses prometheus.Counter
	pooledAgents prometheus.Gauge

	buildDuration *prometheus.HistogramVec
	runDuration   *prometheus.HistogramVec
}

// NewCollector creates a collector backed by its own registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,

		tasksStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "insulate_tasks_started_total",
			Help: "Total tasks started, both streaming and background.",
		}),
		tasksFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insulate_tasks_finished_total",
			Help: "Total tasks finished, by terminal status.",
		}, []string{"status"}),
		activeTasks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "insulate_tasks_active",
			Help: "Tasks currently executing.",
		}),

		bridgeHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "insulate_bridge_pool_hits_total",
			Help: "Bridge acquisitions served from the pool.",
		}),
		bridgeMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "insulate_bridge_pool_misses_total",
			Help: "Bridge acquisitions that opened a new bridge.",
		}),
		pooledAgents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "insulate_bridge_pool_idle_agents",
			Help: "Idle agents currently held by the bridge pool.",
		}),

		buildDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "insulate_build_duration_seconds",
			Help:    "Wall time of the environment-build stage.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"outcome"}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "insulate_run_duration_seconds",
			Help:    "Wall time of full task pipelines, by terminal status.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"status"}),
	}
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordTaskStarted counts a task entering the pipeline.
func (c *Collector) RecordTaskStarted() {
	if c == nil {
		return
	}
	c.tasksStarted.Inc()
	c.activeTasks.Inc()
}

// RecordTaskFinished counts a task reaching the given terminal status.
func (c *Collector) RecordTaskFinished(status string) {
	if c == nil {
		return
	}
	c.tasksFinished.WithLabelValues(status).Inc()
	c.activeTasks.Dec()
}

// RecordBridgeHit counts a pooled-bridge reuse.
func (c *Collector) RecordBridgeHit() {
	if c == nil {
		return
	}
	c.bridgeHits.Inc()
}

// RecordBridgeMiss counts a fresh bridge establishment.
func (c *Collector) RecordBridgeMiss() {
	if c == nil {
		return
	}
	c.bridgeMisses.Inc()
}

// SetPooledAgents updates the idle-agent gauge.
func (c *Collector) SetPooledAgents(n int) {
	if c == nil {
		return
	}
	c.pooledAgents.Set(float64(n))
}

// Timer measures one pipeline stage.
type Timer struct {
	start   time.Time
	observe func(label string, seconds float64)
}

// Stop records the elapsed time under the given label.
func (t *Timer) Stop(label string) time.Duration {
	elapsed := time.Since(t.start)
	if t.observe != nil {
		t.observe(label, elapsed.Seconds())
	}
	return elapsed
}

// StartBuildTimer times the environment-build stage.
func (c *Collector) StartBuildTimer() *Timer {
	timer := &Timer{start: time.Now()}
	if c != nil {
		timer.observe = func(label string, seconds float64) {
			c.buildDuration.WithLabelValues(label).Observe(seconds)
		}
	}
	return timer
}

// StartRunTimer times a full pipeline.
func (c *Collector) StartRunTimer() *Timer {
	timer := &Timer{start: time.Now()}
	if c != nil {
		timer.observe = func(label string, seconds float64) {
			c.runDuration.WithLabelValues(label).Observe(seconds)
		}
	}
	return timer
}
