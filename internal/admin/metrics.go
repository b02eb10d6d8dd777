package admin

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the dispatcher's Prometheus instrumentation, exposed
// read-only at GET /metrics; nothing on the critical send/ack/retry path
// depends on these being scraped.
type Metrics struct {
	TasksAccepted        prometheus.Counter
	TasksPlaced          prometheus.Counter
	TasksSolved          prometheus.Counter
	TasksExpired         prometheus.Counter
	PlacementRetries     prometheus.Counter
	WorkersRegistered    prometheus.Gauge
	WorkersReady         prometheus.Gauge
	CommandAttempts      prometheus.Counter
	CommandFailures      prometheus.Counter
	TaskPlacementLatency prometheus.Histogram
}

// NewMetrics registers and returns the dispatcher's metric set against the
// default Prometheus registry.
func NewMetrics() *Metrics {
	return &Metrics{
		TasksAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "dispatcher",
			Name:      "tasks_accepted_total",
			Help:      "Total number of add_task requests accepted.",
		}),
		TasksPlaced: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "dispatcher",
			Name:      "tasks_placed_total",
			Help:      "Total number of perform_task commands sent to a worker.",
		}),
		TasksSolved: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "dispatcher",
			Name:      "tasks_solved_total",
			Help:      "Total number of completed_task reports received.",
		}),
		TasksExpired: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "dispatcher",
			Name:      "tasks_expired_total",
			Help:      "Total number of tasks that hit error_placement_timeout.",
		}),
		PlacementRetries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "dispatcher",
			Name:      "placement_retries_total",
			Help:      "Total number of retry sweep placement attempts.",
		}),
		WorkersRegistered: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskmesh",
			Subsystem: "dispatcher",
			Name:      "workers_registered",
			Help:      "Number of workers currently known to the dispatcher.",
		}),
		WorkersReady: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskmesh",
			Subsystem: "dispatcher",
			Name:      "workers_ready",
			Help:      "Number of workers currently in the ready state.",
		}),
		CommandAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "transport",
			Name:      "command_attempts_total",
			Help:      "Total number of command transmission attempts across all roles.",
		}),
		CommandFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "transport",
			Name:      "command_failures_total",
			Help:      "Total number of commands whose callback fired with failure.",
		}),
		TaskPlacementLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "taskmesh",
			Subsystem: "dispatcher",
			Name:      "task_placement_latency_seconds",
			Help:      "Time from task acceptance to successful placement.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
	}
}

// The methods below satisfy dispatcher.MetricsSink and transport.MetricsSink
// by structural typing; neither package imports this one, so cmd/dispatcher
// wires a *Metrics value into both via their SetMetrics setters.

func (m *Metrics) TaskAccepted()   { m.TasksAccepted.Inc() }
func (m *Metrics) TaskPlaced()     { m.TasksPlaced.Inc() }
func (m *Metrics) TaskSolved()     { m.TasksSolved.Inc() }
func (m *Metrics) TaskExpired()    { m.TasksExpired.Inc() }
func (m *Metrics) PlacementRetry() { m.PlacementRetries.Inc() }

func (m *Metrics) ObservePlacementLatency(d time.Duration) {
	m.TaskPlacementLatency.Observe(d.Seconds())
}

func (m *Metrics) SetWorkersGauge(registered, ready int) {
	m.WorkersRegistered.Set(float64(registered))
	m.WorkersReady.Set(float64(ready))
}

func (m *Metrics) CommandAttempt() { m.CommandAttempts.Inc() }
func (m *Metrics) CommandFailure() { m.CommandFailures.Inc() }
