// Package metrics exposes Prometheus instrumentation for attendance record
// submission.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the submission coordinator.
type Metrics struct {
	Submissions  *prometheus.CounterVec
	Retries      prometheus.Counter
	BreakerOpen  prometheus.Gauge
	CallDuration prometheus.Histogram
}

// New registers submission metrics on the default registerer.
func New() *Metrics {
	return &Metrics{
		Submissions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rollcall_submissions_total",
			Help: "Attendance record submissions by outcome.",
		}, []string{"outcome"}),
		Retries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rollcall_submission_retries_total",
			Help: "Record API calls that were retried after a transient failure.",
		}),
		BreakerOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rollcall_submission_breaker_open",
			Help: "1 while the record API circuit breaker is open.",
		}),
		CallDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "rollcall_submission_call_duration_seconds",
			Help:    "Record API call latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// IncrementSubmission bumps the outcome counter. Safe on a nil receiver.
func (m *Metrics) IncrementSubmission(outcome string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(outcome).Inc()
}

// IncrementRetry notes one retried call. Safe on a nil receiver.
func (m *Metrics) IncrementRetry() {
	if m == nil {
		return
	}
	m.Retries.Inc()
}

// SetBreakerOpen records the breaker state. Safe on a nil receiver.
func (m *Metrics) SetBreakerOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.BreakerOpen.Set(1)
	} else {
		m.BreakerOpen.Set(0)
	}
}

// ObserveCall records one record API call's duration. Safe on a nil receiver.
func (m *Metrics) ObserveCall(d time.Duration) {
	if m == nil {
		return
	}
	m.CallDuration.Observe(d.Seconds())
}
