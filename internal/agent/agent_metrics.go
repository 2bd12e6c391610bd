package agent

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "edgeagent"

// Metrics exports loop and task telemetry. A nil *Metrics records nothing.
type Metrics struct {
	heartbeats   *prometheus.CounterVec
	polls        *prometheus.CounterVec
	tasks        *prometheus.CounterVec
	reports      *prometheus.CounterVec
	deferred     prometheus.Counter
	inFlight     prometheus.Gauge
	taskDuration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeats sent to the coordinator by result.",
		}, []string{"result"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "polls_total",
			Help:      "Task polls by result.",
		}, []string{"result"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tasks_total",
			Help:      "Finished task attempts by outcome and failed step.",
		}, []string{"outcome", "step"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reports_total",
			Help:      "Outcome reports by result.",
		}, []string{"result"}),
		deferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tasks_deferred_total",
			Help:      "Tasks left for a later poll because the worker pool was full.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "tasks_in_flight",
			Help:      "Tasks currently executing.",
		}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "task_duration_seconds",
			Help:      "Time from dispatch to reported outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
	all := []prometheus.Collector{m.heartbeats, m.polls, m.tasks, m.reports, m.deferred, m.inFlight, m.taskDuration}
	for _, c := range all {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register agent metric: %w", err)
		}
	}
	return m, nil
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) ObserveHeartbeat(err error) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) ObservePoll(err error) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) ObserveReport(err error) {
	if m == nil {
		return
	}
	m.reports.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) ObserveTask(outcome Outcome, d time.Duration) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(outcome.Status, outcome.Step()).Inc()
	m.taskDuration.WithLabelValues(outcome.Status).Observe(d.Seconds())
}

func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) TaskFinished() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

func (m *Metrics) TasksDeferred(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deferred.Add(float64(n))
}
