// Package observability exposes the Prometheus collectors for share
// processing runs and the handler serving them on the ops listener.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for share runs.
type Metrics struct {
	registry     *prometheus.Registry
	handler      http.Handler
	runsTotal    *prometheus.CounterVec
	itemOutcomes *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	lockWaits    prometheus.Counter
}

// NewMetrics initialises the registry and the run collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lakeshare_runs_total",
		Help: "Share processing runs partitioned by operation and status.",
	}, []string{"op", "status"})
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lakeshare_item_outcomes_total",
		Help: "Per-item results of share processing runs.",
	}, []string{"op", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lakeshare_run_duration_seconds",
		Help:    "Duration in seconds of share processing runs.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
	lockWaits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lakeshare_lock_wait_failures_total",
		Help: "Runs that exhausted the dataset lock retry budget.",
	})
	registry.MustRegister(runs, outcomes, duration, lockWaits)
	return &Metrics{
		registry:     registry,
		handler:      promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		runsTotal:    runs,
		itemOutcomes: outcomes,
		runDuration:  duration,
		lockWaits:    lockWaits,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registerer exposes the registry for additional collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// Tracker instruments one share processing run.
type Tracker struct {
	metrics *Metrics
	op      string
	start   time.Time
}

// Track spawns a tracker for the given run operation.
func (m *Metrics) Track(op string) *Tracker {
	return &Tracker{metrics: m, op: op, start: time.Now()}
}

// End records duration and status, returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	t.metrics.runsTotal.WithLabelValues(t.op, status).Inc()
	t.metrics.runDuration.WithLabelValues(t.op).Observe(time.Since(t.start).Seconds())
	return err
}

// AddItemOutcomes records the per-item results of one run.
func (m *Metrics) AddItemOutcomes(op string, succeeded, failed int) {
	if m == nil {
		return
	}
	if succeeded > 0 {
		m.itemOutcomes.WithLabelValues(op, "succeeded").Add(float64(succeeded))
	}
	if failed > 0 {
		m.itemOutcomes.WithLabelValues(op, "failed").Add(float64(failed))
	}
}

// LockWaitFailure records one run that gave up waiting for a dataset lock.
func (m *Metrics) LockWaitFailure() {
	if m == nil {
		return
	}
	m.lockWaits.Inc()
}
