// Package metrics exposes the Prometheus collectors of the orchestrator.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "phaseline"

var (
	global *Metrics
	once   sync.Once
)

// Metrics holds the collectors shared by the engine, the event hub and the
// HTTP server.
type Metrics struct {
	PhaseRunsTotal   *prometheus.CounterVec
	PhaseDuration    *prometheus.HistogramVec
	GatesOpenedTotal *prometheus.CounterVec
	ActiveExecutions prometheus.Gauge
	ActivityEntries  *prometheus.CounterVec
	CommandsRejected *prometheus.CounterVec
	Subscribers      prometheus.Gauge
}

// New returns the process-wide metrics, registering them on first use.
//
// Metrics:
//   - phaseline_phase_runs_total{phase,outcome} - finished attempts by outcome
//   - phaseline_phase_duration_seconds{phase} - worker invocation time
//   - phaseline_gates_opened_total{gate} - gates opened
//   - phaseline_active_executions - projects with a running drive loop
//   - phaseline_activity_entries_total{kind} - activity entries committed
//   - phaseline_commands_rejected_total{command,code} - refused commands
//   - phaseline_stream_subscribers - open activity subscriptions
func New() *Metrics {
	once.Do(func() {
		global = &Metrics{
			PhaseRunsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "phase_runs_total",
					Help:      "Phase attempts by outcome (succeeded, retryable, fatal, cancelled)",
				},
				[]string{"phase", "outcome"},
			),
			PhaseDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "phase_duration_seconds",
					Help:      "Duration of worker invocations in seconds",
					Buckets:   prometheus.ExponentialBuckets(0.05, 4, 9),
				},
				[]string{"phase"},
			),
			GatesOpenedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "gates_opened_total",
					Help:      "Approval gates opened",
				},
				[]string{"gate"},
			),
			ActiveExecutions: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_executions",
				Help:      "Projects currently driven by an execution goroutine",
			}),
			ActivityEntries: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "activity_entries_total",
					Help:      "Activity entries committed",
				},
				[]string{"kind"},
			),
			CommandsRejected: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "commands_rejected_total",
					Help:      "Control commands refused by the engine",
				},
				[]string{"command", "code"},
			),
			Subscribers: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stream_subscribers",
				Help:      "Open activity stream subscriptions",
			}),
		}
	})
	return global
}

// Entries counts committed activity entries by kind.
func (m *Metrics) Entries(kinds ...string) {
	if m == nil {
		return
	}
	for _, k := range kinds {
		m.ActivityEntries.WithLabelValues(k).Inc()
	}
}
