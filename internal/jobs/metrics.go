package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for sync runs and device pulls.
type Metrics struct {
	runs     *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
	outcomes *prometheus.CounterVec
	pulled   *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddOutcomes increments the reconciliation outcome counter.
func (m *Metrics) AddOutcomes(module, status string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.outcomes.WithLabelValues(module, status).Add(float64(count))
}

// AddPulled counts punches read from a terminal and how many were new.
func (m *Metrics) AddPulled(deviceID string, pulled, inserted int) {
	if m == nil {
		return
	}
	if pulled > 0 {
		m.pulled.WithLabelValues(deviceID, "pulled").Add(float64(pulled))
	}
	if inserted > 0 {
		m.pulled.WithLabelValues(deviceID, "inserted").Add(float64(inserted))
	}
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "punchsync_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "punchsync_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "punchsync_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "punchsync_reconcile_outcomes_total",
		Help: "Reconciled punches grouped by ERP module and outcome status.",
	}, []string{"module", "status"})
	pulled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "punchsync_device_punches_total",
		Help: "Punches read from terminals, and how many of them were new.",
	}, []string{"device", "kind"})
	registerer.MustRegister(runs, failures, duration, outcomes, pulled)
	return &Metrics{runs: runs, failures: failures, duration: duration, outcomes: outcomes, pulled: pulled}
}
