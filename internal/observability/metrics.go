package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the daemon's Prometheus metric set. Everything registers on a
// private registry so tests can build as many instances as they like.
type Metrics struct {
	registry *prometheus.Registry

	// InboundMessages counts channel messages entering the router.
	// Labels: channel.
	InboundMessages *prometheus.CounterVec

	// RunsSubmitted counts accepted run submissions.
	// Labels: agent, origin.
	RunsSubmitted *prometheus.CounterVec

	// SubmitErrors counts rejected submissions by error code.
	SubmitErrors *prometheus.CounterVec

	// RunsCompleted counts finished runs. Labels: agent, outcome
	// (ok|error|aborted).
	RunsCompleted *prometheus.CounterVec

	// RunDuration measures wall time of a run in seconds. Labels: agent.
	RunDuration *prometheus.HistogramVec

	// ActiveRuns is the number of live run processes.
	ActiveRuns prometheus.Gauge

	// OutboundDeliveries counts outbox deliveries. Labels: channel, status
	// (ok|error|deduped).
	OutboundDeliveries *prometheus.CounterVec

	// ApprovalsResolved counts approval decisions. Labels: decision.
	ApprovalsResolved *prometheus.CounterVec

	// ApprovalsPending is the number of unresolved approval requests.
	ApprovalsPending prometheus.Gauge

	// WSConnections is the number of connected control-plane websockets.
	WSConnections prometheus.Gauge
}

// NewMetrics creates and registers the metric set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		InboundMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lemon_inbound_messages_total",
			Help: "Channel messages entering the router",
		}, []string{"channel"}),
		RunsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lemon_runs_submitted_total",
			Help: "Accepted run submissions",
		}, []string{"agent", "origin"}),
		SubmitErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lemon_submit_errors_total",
			Help: "Rejected run submissions by error code",
		}, []string{"code"}),
		RunsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lemon_runs_completed_total",
			Help: "Finished runs by outcome",
		}, []string{"agent", "outcome"}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lemon_run_duration_seconds",
			Help:    "Run wall time in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"agent"}),
		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lemon_active_runs",
			Help: "Live run processes",
		}),
		OutboundDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lemon_outbound_deliveries_total",
			Help: "Outbox deliveries by channel and status",
		}, []string{"channel", "status"}),
		ApprovalsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lemon_approvals_resolved_total",
			Help: "Approval decisions",
		}, []string{"decision"}),
		ApprovalsPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lemon_approvals_pending",
			Help: "Unresolved approval requests",
		}),
		WSConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lemon_ws_connections",
			Help: "Connected control-plane websockets",
		}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gather exposes the registry for tests.
func (m *Metrics) Gather() prometheus.Gatherer { return m.registry }
