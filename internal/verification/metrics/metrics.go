package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the verification queue.
type Metrics struct {
	QueueDepth prometheus.Gauge
	Workers    prometheus.Gauge

	// Task completions by outcome ("passed", "failed", "error", "discarded").
	Tasks *prometheus.CounterVec

	// Submissions rejected at admission because the queue was full.
	Rejected prometheus.Counter

	// Results that could not be delivered because the recipient mailbox was
	// gone or full.
	ResultsDropped prometheus.Counter

	CompareLatency prometheus.Histogram
}

// New creates a Metrics instance with all queue metrics registered.
func New() *Metrics {
	return &Metrics{
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rollcall_verification_queue_depth",
			Help: "Tasks currently waiting in the verification queue",
		}),
		Workers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rollcall_verification_workers",
			Help: "Verification workers currently running",
		}),
		Tasks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rollcall_verification_tasks_total",
			Help: "Completed verification tasks by outcome",
		}, []string{"outcome"}),
		Rejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rollcall_verification_rejected_total",
			Help: "Verification submissions rejected with queue full",
		}),
		ResultsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rollcall_verification_results_dropped_total",
			Help: "Verification results dropped on the recipient side",
		}),
		CompareLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "rollcall_verification_compare_duration_seconds",
			Help:    "Duration of comparison service calls",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
	}
}

// ObserveCompare records the duration of one comparison call.
func (m *Metrics) ObserveCompare(d time.Duration) {
	if m != nil {
		m.CompareLatency.Observe(d.Seconds())
	}
}

// IncrementTask records a completed task outcome.
func (m *Metrics) IncrementTask(outcome string) {
	if m != nil {
		m.Tasks.WithLabelValues(outcome).Inc()
	}
}
