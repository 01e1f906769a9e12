package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/raterudder/powerrudder/pkg/types"
)

const namespace = "powerrudder"

var modes = []types.OperationMode{
	types.OperationModeSelfConsumption,
	types.OperationModeAutonomous,
	types.OperationModeBackup,
}

// Metrics are the Prometheus collectors for the control loop.
type Metrics struct {
	batteryPercent      prometheus.Gauge
	rawBatteryPercent   prometheus.Gauge
	backupReserve       prometheus.Gauge
	operationMode       *prometheus.GaugeVec
	polls               *prometheus.CounterVec
	pollDuration        prometheus.Histogram
	consecutiveFailures prometheus.Gauge
	patchedReadings     prometheus.Counter
	decisions           *prometheus.CounterVec
	changes             *prometheus.CounterVec
	notifications       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		batteryPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "battery_percent",
			Help:      "Sanitized battery state of charge.",
		}),
		rawBatteryPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "battery_raw_percent",
			Help:      "Battery state of charge as reported by the device.",
		}),
		backupReserve: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backup_reserve_percent",
			Help:      "Backup reserve currently configured on the device.",
		}),
		operationMode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "operation_mode",
			Help:      "1 for the operation mode the device is in, 0 otherwise.",
		}, []string{"mode"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Total polls by result.",
		}, []string{"result"}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Histogram of poll durations including device changes.",
			Buckets:   prometheus.DefBuckets,
		}),
		consecutiveFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consecutive_failures",
			Help:      "Number of polls that failed in a row.",
		}),
		patchedReadings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patched_readings_total",
			Help:      "Total battery readings replaced with an extrapolated value.",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Total rule table evaluations by outcome.",
		}, []string{"outcome"}),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_changes_total",
			Help:      "Total device changes by kind.",
		}, []string{"kind", "dry_run"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total notifications by sink and result.",
		}, []string{"sink", "result"}),
	}

	reg.MustRegister(
		m.batteryPercent,
		m.rawBatteryPercent,
		m.backupReserve,
		m.operationMode,
		m.polls,
		m.pollDuration,
		m.consecutiveFailures,
		m.patchedReadings,
		m.decisions,
		m.changes,
		m.notifications,
	)

	return m
}

// ObserveState records a successful poll.
func (m *Metrics) ObserveState(state types.PowerwallState, sanitized float64, d time.Duration) {
	m.polls.WithLabelValues("ok").Inc()
	m.pollDuration.Observe(d.Seconds())
	m.consecutiveFailures.Set(0)
	m.rawBatteryPercent.Set(state.BatteryPercent)
	m.batteryPercent.Set(sanitized)
	m.backupReserve.Set(state.BackupReservePercent)
	for _, mode := range modes {
		v := 0.0
		if mode == state.OperationMode {
			v = 1
		}
		m.operationMode.WithLabelValues(string(mode)).Set(v)
	}
	if state.BatteryPercent != sanitized {
		m.patchedReadings.Inc()
	}
}

// PollFailed records a failed poll.
func (m *Metrics) PollFailed(consecutive int) {
	m.polls.WithLabelValues("failure").Inc()
	m.consecutiveFailures.Set(float64(consecutive))
}

// Decision records the outcome of an evaluation.
func (m *Metrics) Decision(outcome string) {
	m.decisions.WithLabelValues(outcome).Inc()
}

// Action records the device changes in an action.
func (m *Metrics) Action(a *types.Action) {
	if a == nil {
		return
	}
	dryRun := "false"
	if a.DryRun {
		dryRun = "true"
	}
	if a.ModeChanged {
		m.changes.WithLabelValues("mode", dryRun).Inc()
	}
	if a.ReserveChanged {
		m.changes.WithLabelValues("reserve", dryRun).Inc()
	}
}

// Notification records a delivery, it matches notify.ResultFunc.
func (m *Metrics) Notification(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.notifications.WithLabelValues(sink, result).Inc()
}
