// Package metrics records orchestration metrics to Prometheus and queries
// them back for session reporting.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the Prometheus collectors for the orchestrator.
type Recorder struct {
	turnsTotal       *prometheus.CounterVec
	turnDuration     *prometheus.HistogramVec
	operationsTotal  *prometheus.CounterVec
	capabilityCalls  *prometheus.CounterVec
	capabilityTime   *prometheus.HistogramVec
	approvalsTotal   *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
	sessionsActive   prometheus.Gauge
}

// NewRecorder registers the collectors with reg. Tests pass a private
// registry to avoid collisions; the daemon passes the default one.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Recorder{
		turnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_turns_total",
				Help: "Total pipeline turns by intent, session, and outcome",
			},
			[]string{"intent", "session_id", "outcome"},
		),
		turnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_turn_duration_seconds",
				Help:    "Duration of pipeline turns in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"intent"},
		),
		operationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_operations_total",
				Help: "Total graph-patch operations emitted by kind",
			},
			[]string{"operation", "session_id"},
		),
		capabilityCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_capability_calls_total",
				Help: "Total capability invocations by capability, kind, and status",
			},
			[]string{"capability", "kind", "session_id", "status"},
		),
		capabilityTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_capability_duration_seconds",
				Help:    "Duration of capability invocations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"capability"},
		),
		approvalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_approvals_total",
				Help: "Total approval decisions by status",
			},
			[]string{"status"},
		),
		transitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_transitions_total",
				Help: "Total state machine transitions by event and target state",
			},
			[]string{"event", "to"},
		),
		sessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "conductor_sessions_active",
				Help: "Number of live sessions",
			},
		),
	}
}

// ObserveTurn records one completed pipeline turn.
func (r *Recorder) ObserveTurn(intent, sessionID, outcome string, duration time.Duration) {
	r.turnsTotal.WithLabelValues(intent, sessionID, outcome).Inc()
	r.turnDuration.WithLabelValues(intent).Observe(duration.Seconds())
}

// ObserveOperations records emitted operations by kind.
func (r *Recorder) ObserveOperations(sessionID string, kinds []string) {
	for _, kind := range kinds {
		r.operationsTotal.WithLabelValues(kind, sessionID).Inc()
	}
}

// ObserveCapability records one capability invocation.
func (r *Recorder) ObserveCapability(capability, kind, sessionID string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	r.capabilityCalls.WithLabelValues(capability, kind, sessionID, status).Inc()
	r.capabilityTime.WithLabelValues(capability).Observe(duration.Seconds())
}

// ObserveApproval records an approval outcome.
func (r *Recorder) ObserveApproval(status string) {
	r.approvalsTotal.WithLabelValues(status).Inc()
}

// ObserveTransition records one state machine transition.
func (r *Recorder) ObserveTransition(event, to string) {
	r.transitionsTotal.WithLabelValues(event, to).Inc()
}

// SetActiveSessions updates the live session gauge.
func (r *Recorder) SetActiveSessions(n int) {
	r.sessionsActive.Set(float64(n))
}
