package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the session module.
type Metrics struct {
	// Sessions created, labeled by outcome ("created", "invalid", "duplicate",
	// "code_exhaustion").
	SessionsCreated *prometheus.CounterVec

	// Enrollment decisions, labeled by outcome ("queued", "unknown_code",
	// "expired", "not_enrolled", "invalid_location", "out_of_range",
	// "queue_full", "retry_exhausted").
	Enrollments *prometheus.CounterVec

	// Sessions expired and reports sent.
	SessionsExpired prometheus.Counter
	ReportsSent     prometheus.Counter
	ReportFailures  prometheus.Counter

	// Sessions and retry records removed by the sweep.
	SweepRemoved *prometheus.CounterVec
}

// New creates a Metrics instance with all session module metrics registered.
func New() *Metrics {
	return &Metrics{
		SessionsCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rollcall_sessions_created_total",
			Help: "Session creation attempts by outcome",
		}, []string{"outcome"}),

		Enrollments: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rollcall_enrollments_total",
			Help: "Enrollment decisions by outcome",
		}, []string{"outcome"}),

		SessionsExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rollcall_sessions_expired_total",
			Help: "Sessions transitioned from active to expired",
		}),

		ReportsSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rollcall_reports_sent_total",
			Help: "Attendance reports delivered to session owners",
		}),

		ReportFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rollcall_report_failures_total",
			Help: "Attendance reports that could not be assembled or delivered",
		}),

		SweepRemoved: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rollcall_sweep_removed_total",
			Help: "Entities removed by the background sweep",
		}, []string{"kind"}), // kind: "session", "retry_record"
	}
}

// IncrementCreated records a session creation outcome.
func (m *Metrics) IncrementCreated(outcome string) {
	if m != nil {
		m.SessionsCreated.WithLabelValues(outcome).Inc()
	}
}

// IncrementEnrollment records an enrollment decision.
func (m *Metrics) IncrementEnrollment(outcome string) {
	if m != nil {
		m.Enrollments.WithLabelValues(outcome).Inc()
	}
}

// AddSweepRemoved records entities purged by the sweep.
func (m *Metrics) AddSweepRemoved(kind string, n int) {
	if m != nil && n > 0 {
		m.SweepRemoved.WithLabelValues(kind).Add(float64(n))
	}
}
