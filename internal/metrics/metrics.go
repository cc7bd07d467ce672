// ============================================================================
// Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: Collects pipeline metrics and exposes them for Prometheus.
//
// Metric families:
//
//   1. Counters:
//      - memegen_requests_total{result}          hit | dispatched | error
//      - memegen_polls_total{status}             pending | completed | failed
//      - memegen_jobs_total{status}              completed | failed | duplicate | integrity_fault
//      - memegen_reconcile_records_total{action} deleted | retained | failed
//
//   2. Histograms:
//      - memegen_render_duration_seconds         time from job pickup to terminal state
//      - memegen_reconcile_duration_seconds      one reconcile cycle
//
//   3. Gauges:
//      - memegen_workers_busy                    jobs currently processing
//
// Example queries:
//
//   # cache hit ratio
//   sum(rate(memegen_requests_total{result="hit"}[5m])) / sum(rate(memegen_requests_total[5m]))
//
//   # p95 render latency
//   histogram_quantile(0.95, rate(memegen_render_duration_seconds_bucket[5m]))
//
// A nil *Collector is valid and records nothing, so components can be built
// without metrics in tests.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Label values.
const (
	RequestHit        = "hit"
	RequestDispatched = "dispatched"
	RequestError      = "error"

	JobDuplicate      = "duplicate"
	JobIntegrityFault = "integrity_fault"

	ActionDeleted  = "deleted"
	ActionRetained = "retained"
	ActionFailed   = "failed"
)

// Collector holds the pipeline metrics.
type Collector struct {
	requests          *prometheus.CounterVec
	polls             *prometheus.CounterVec
	jobs              *prometheus.CounterVec
	reconcileRecords  *prometheus.CounterVec
	renderDuration    prometheus.Histogram
	reconcileDuration prometheus.Histogram
	workersBusy       prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCollector creates the metrics and registers them on reg. A nil reg uses
// the default registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memegen_requests_total",
			Help: "Image requests by result",
		}, []string{"result"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memegen_polls_total",
			Help: "Poll requests by returned status",
		}, []string{"status"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memegen_jobs_total",
			Help: "Render jobs processed by outcome",
		}, []string{"status"}),
		reconcileRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memegen_reconcile_records_total",
			Help: "Expired records handled by the reconciler by action",
		}, []string{"action"}),
		renderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "memegen_render_duration_seconds",
			Help:    "Render job latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		reconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "memegen_reconcile_duration_seconds",
			Help:    "Duration of one reconcile cycle in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		workersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memegen_workers_busy",
			Help: "Render workers currently processing a job",
		}),
	}

	reg.MustRegister(
		c.requests,
		c.polls,
		c.jobs,
		c.reconcileRecords,
		c.renderDuration,
		c.reconcileDuration,
		c.workersBusy,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}
	return c
}

// RecordRequest counts a RequestImage outcome.
func (c *Collector) RecordRequest(result string) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(result).Inc()
}

// RecordPoll counts a PollResult by returned status.
func (c *Collector) RecordPoll(status string) {
	if c == nil {
		return
	}
	c.polls.WithLabelValues(status).Inc()
}

// RecordJob counts a processed job and observes its latency.
func (c *Collector) RecordJob(status string, d time.Duration) {
	if c == nil {
		return
	}
	c.jobs.WithLabelValues(status).Inc()
	c.renderDuration.Observe(d.Seconds())
}

// WorkerBusy adjusts the busy worker gauge by delta.
func (c *Collector) WorkerBusy(delta int) {
	if c == nil {
		return
	}
	c.workersBusy.Add(float64(delta))
}

// RecordReconcile records one reconcile cycle.
func (c *Collector) RecordReconcile(deleted, retained, failed int, d time.Duration) {
	if c == nil {
		return
	}
	c.reconcileRecords.WithLabelValues(ActionDeleted).Add(float64(deleted))
	c.reconcileRecords.WithLabelValues(ActionRetained).Add(float64(retained))
	c.reconcileRecords.WithLabelValues(ActionFailed).Add(float64(failed))
	c.reconcileDuration.Observe(d.Seconds())
}

// Handler serves the registry the collector was registered on.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// NewServer builds the /metrics HTTP server on port.
func NewServer(port int, c *Collector) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
