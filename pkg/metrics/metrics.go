package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	PrintersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kiln_printers_total",
			Help: "Total number of registered printers by status",
		},
		[]string{"status"},
	)

	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kiln_jobs_total",
			Help: "Total number of jobs by status",
		},
		[]string{"status"},
	)

	AssignmentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_assignments_total",
			Help: "Total number of successful job-to-printer assignments",
		},
	)

	AssignmentFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_assignment_failures_total",
			Help: "Total number of failed assignment attempts",
		},
	)

	// Safety metrics
	SafetyBlocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_safety_blocks_total",
			Help: "Total gate refusals by tool and pipeline stage",
		},
		[]string{"tool", "stage"},
	)

	SafetyEscalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_safety_escalations_total",
			Help: "Total invocations refused during an emergency cooldown",
		},
		[]string{"tool"},
	)

	ConfirmationsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_confirmations_pending",
			Help: "Number of parked operations awaiting confirmation",
		},
	)

	// Health metrics
	HealthChecksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_health_checks_total",
			Help: "Total health checks executed",
		},
	)

	HealthAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_health_alerts_total",
			Help: "Total health findings by severity",
		},
		[]string{"severity"},
	)

	MonitorSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_monitor_sessions_active",
			Help: "Number of health-monitor sessions currently running",
		},
	)

	// Recovery metrics
	RecoveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_recovery_attempts_total",
			Help: "Total recovery executions by strategy",
		},
		[]string{"strategy"},
	)

	CheckpointsSavedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_checkpoints_saved_total",
			Help: "Total recovery checkpoints saved",
		},
	)

	// Tool metrics
	ToolInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_tool_invocations_total",
			Help: "Total tool invocations by tool and outcome",
		},
		[]string{"tool", "outcome"},
	)

	ToolDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_tool_duration_seconds",
			Help:    "Tool invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	// Event bus metrics
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_events_published_total",
			Help: "Total events published to the bus by type",
		},
		[]string{"type"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(PrintersTotal)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(AssignmentsTotal)
	prometheus.MustRegister(AssignmentFailures)
	prometheus.MustRegister(SafetyBlocksTotal)
	prometheus.MustRegister(SafetyEscalationsTotal)
	prometheus.MustRegister(ConfirmationsPending)
	prometheus.MustRegister(HealthChecksTotal)
	prometheus.MustRegister(HealthAlertsTotal)
	prometheus.MustRegister(MonitorSessionsActive)
	prometheus.MustRegister(RecoveryAttemptsTotal)
	prometheus.MustRegister(CheckpointsSavedTotal)
	prometheus.MustRegister(ToolInvocationsTotal)
	prometheus.MustRegister(ToolDuration)
	prometheus.MustRegister(EventsPublishedTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the elapsed time of one operation for histogram
// observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time on a histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time on a labelled histogram.
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
