// Package jobmetrics instruments background job runs.
package jobmetrics

import (
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
)

// Run outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	// OutcomeRejected marks runs that failed with asynq.SkipRetry, typically
	// on an unreadable payload.
	OutcomeRejected = "rejected"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs        *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	items       *prometheus.CounterVec
	lastSuccess *prometheus.GaugeVec
	now         func() time.Time
}

// NewMetrics builds the job collectors and registers them when registerer is
// not nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "invoicely",
			Subsystem: "jobs",
			Name:      "runs_total",
			Help:      "Background job runs by task and outcome.",
		}, []string{"job", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "invoicely",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Wall time of background job runs.",
			Buckets:   []float64{0.05, 0.25, 1, 5, 15, 60, 300},
		}, []string{"job"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "invoicely",
			Subsystem: "jobs",
			Name:      "items_total",
			Help:      "Records acted on by background jobs, such as drifted products or invoices moved to overdue.",
		}, []string{"job", "kind"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "invoicely",
			Subsystem: "jobs",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run per task.",
		}, []string{"job"}),
		now: time.Now,
	}
	if registerer != nil {
		registerer.MustRegister(m.runs, m.duration, m.items, m.lastSuccess)
	}
	return m
}

// Tracker times a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track starts timing a run of job.
func (m *Metrics) Track(job string) *Tracker {
	t := &Tracker{metrics: m, job: job}
	if m != nil {
		t.start = m.now()
	}
	return t
}

// End records the run and returns err unchanged, so handlers can write
// `defer func() { err = tracker.End(err) }()`.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	m := t.metrics
	now := m.now()
	m.duration.WithLabelValues(t.job).Observe(now.Sub(t.start).Seconds())
	m.runs.WithLabelValues(t.job, outcome(err)).Inc()
	if err == nil {
		m.lastSuccess.WithLabelValues(t.job).Set(float64(now.Unix()))
	}
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, asynq.SkipRetry):
		return OutcomeRejected
	default:
		return OutcomeFailure
	}
}

// AddItems counts records a job acted on.
func (m *Metrics) AddItems(job, kind string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.items.WithLabelValues(job, kind).Add(float64(count))
}
