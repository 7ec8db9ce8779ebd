package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Smalls1652/localllm-chat/internal/daemon"
	"github.com/Smalls1652/localllm-chat/internal/plan"
	"github.com/Smalls1652/localllm-chat/internal/resource"
)

var (
	groupStates = []resource.ReconciliationState{
		resource.StateIdle,
		resource.StatePlanning,
		resource.StateApplying,
		resource.StateSettled,
		resource.StateDegraded,
	}
	healthStatuses = []resource.HealthStatus{
		resource.HealthUnknown,
		resource.HealthStarting,
		resource.HealthHealthy,
		resource.HealthUnhealthy,
	}
)

// Metrics wraps Prometheus collectors for localllm-chat.
type Metrics struct {
	registry               *prometheus.Registry
	passDurationSeconds    *prometheus.HistogramVec
	actionsTotal           *prometheus.CounterVec
	daemonErrorsTotal      *prometheus.CounterVec
	groupState             *prometheus.GaugeVec
	containerHealth        *prometheus.GaugeVec
	probesTotal            *prometheus.CounterVec
	restartsTotal          *prometheus.CounterVec
	lastSettledPassGauge   *prometheus.GaugeVec
	daemonAvailable        prometheus.Gauge
	notificationsSentTotal *prometheus.CounterVec
}

// New initializes a Metrics registry with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		passDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "localllm_chat_pass_duration_seconds",
			Help:    "Duration of reconciliation passes in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"group", "kind"}),
		actionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "localllm_chat_actions_total",
			Help: "Total applied actions by group, type and result.",
		}, []string{"group", "type", "result"}),
		daemonErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "localllm_chat_daemon_errors_total",
			Help: "Total container runtime errors by kind, counted per attempt.",
		}, []string{"kind"}),
		groupState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "localllm_chat_group_state",
			Help: "Reconciliation state of each group, 1 for the current state.",
		}, []string{"group", "state"}),
		containerHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "localllm_chat_container_health",
			Help: "Health of each managed container, 1 for the current status.",
		}, []string{"group", "container", "status"}),
		probesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "localllm_chat_probes_total",
			Help: "Total liveness probes by container and result.",
		}, []string{"container", "result"}),
		restartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "localllm_chat_restarts_total",
			Help: "Total container restarts requested by the health monitor.",
		}, []string{"group", "container"}),
		lastSettledPassGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "localllm_chat_last_settled_pass_timestamp",
			Help: "Unix timestamp of the last pass that left the group Settled.",
		}, []string{"group"}),
		daemonAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "localllm_chat_daemon_available",
			Help: "Whether the container runtime answered the last ping.",
		}),
		notificationsSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "localllm_chat_notifications_total",
			Help: "Total notifications by result.",
		}, []string{"result"}),
	}

	registry.MustRegister(
		m.passDurationSeconds,
		m.actionsTotal,
		m.daemonErrorsTotal,
		m.groupState,
		m.containerHealth,
		m.probesTotal,
		m.restartsTotal,
		m.lastSettledPassGauge,
		m.daemonAvailable,
		m.notificationsSentTotal,
	)

	return m
}

// Handler returns a Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObservePass records the duration of a completed pass.
func (m *Metrics) ObservePass(group, kind string, duration time.Duration, state resource.ReconciliationState) {
	if m == nil {
		return
	}
	m.passDurationSeconds.WithLabelValues(group, kind).Observe(duration.Seconds())
	if state == resource.StateSettled {
		m.lastSettledPassGauge.WithLabelValues(group).Set(float64(time.Now().Unix()))
	}
}

// RecordAction counts one applied action.
func (m *Metrics) RecordAction(group string, action plan.ActionType, result string) {
	if m == nil {
		return
	}
	m.actionsTotal.WithLabelValues(group, string(action), result).Inc()
}

// RecordDaemonError counts a failed runtime call.
func (m *Metrics) RecordDaemonError(kind daemon.Kind) {
	if m == nil {
		return
	}
	m.daemonErrorsTotal.WithLabelValues(string(kind)).Inc()
}

// SetGroupState marks state as the group's current state.
func (m *Metrics) SetGroupState(group string, state resource.ReconciliationState) {
	if m == nil {
		return
	}
	for _, s := range groupStates {
		value := 0.0
		if s == state {
			value = 1
		}
		m.groupState.WithLabelValues(group, string(s)).Set(value)
	}
}

// SetContainerHealth marks status as the container's current health.
func (m *Metrics) SetContainerHealth(group, container string, status resource.HealthStatus) {
	if m == nil {
		return
	}
	for _, s := range healthStatuses {
		value := 0.0
		if s == status {
			value = 1
		}
		m.containerHealth.WithLabelValues(group, container, string(s)).Set(value)
	}
}

// RecordRestart counts a restart requested for an unhealthy or exited container.
func (m *Metrics) RecordRestart(group, container string) {
	if m == nil {
		return
	}
	m.restartsTotal.WithLabelValues(group, container).Inc()
}

// RecordProbe counts one probe outcome.
func (m *Metrics) RecordProbe(container string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.probesTotal.WithLabelValues(container, result).Inc()
}

// SetDaemonAvailable records the result of the last runtime ping.
func (m *Metrics) SetDaemonAvailable(ok bool) {
	if m == nil {
		return
	}
	value := 0.0
	if ok {
		value = 1
	}
	m.daemonAvailable.Set(value)
}

// RecordNotification counts a notification delivery attempt.
func (m *Metrics) RecordNotification(ok bool) {
	if m == nil {
		return
	}
	result := "sent"
	if !ok {
		result = "failed"
	}
	m.notificationsSentTotal.WithLabelValues(result).Inc()
}
