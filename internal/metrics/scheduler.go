// Package metrics holds the Prometheus instrumentation of the scheduler and
// the calculator that rolls block run counters up into run metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const prefix = "pipesched_"

const (
	triggerLabel = "trigger"
	statusLabel  = "status"
	kindLabel    = "kind"
	resultLabel  = "result"
	actionLabel  = "action"
)

// SchedulerMetrics counts scheduling decisions. A nil *SchedulerMetrics is
// valid and records nothing.
type SchedulerMetrics struct {
	runsCreated        *prometheus.CounterVec
	runTransitions     *prometheus.CounterVec
	blocksDispatched   prometheus.Counter
	blockRunsRecovered *prometheus.CounterVec
	limitDecisions     *prometheus.CounterVec
	notifications      *prometheus.CounterVec
	tickDuration       prometheus.Histogram
	memoryUsage        prometheus.Gauge
	allMetrics         []prometheus.Collector
}

// NewSchedulerMetrics creates the scheduler collectors.
func NewSchedulerMetrics() *SchedulerMetrics {
	runsCreated := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "pipeline_runs_created_total",
			Help: "Pipeline runs created, by trigger type",
		},
		[]string{triggerLabel},
	)
	runTransitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "pipeline_run_transitions_total",
			Help: "Pipeline run status transitions",
		},
		[]string{statusLabel},
	)
	blocksDispatched := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: prefix + "block_runs_dispatched_total",
			Help: "Block runs handed to the job queue",
		},
	)
	blockRunsRecovered := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "block_runs_recovered_total",
			Help: "Orphaned block runs found by crash recovery, by outcome",
		},
		[]string{resultLabel},
	)
	limitDecisions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "run_limit_decisions_total",
			Help: "Concurrency controller decisions for new runs",
		},
		[]string{actionLabel},
	)
	notifications := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "notifications_total",
			Help: "Notifications sent, by kind and result",
		},
		[]string{kindLabel, resultLabel},
	)
	tickDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    prefix + "tick_duration_seconds",
			Help:    "Duration of one global scheduling tick",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		},
	)
	memoryUsage := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: prefix + "memory_usage_ratio",
			Help: "Last sampled memory used/total ratio",
		},
	)
	return &SchedulerMetrics{
		runsCreated:        runsCreated,
		runTransitions:     runTransitions,
		blocksDispatched:   blocksDispatched,
		blockRunsRecovered: blockRunsRecovered,
		limitDecisions:     limitDecisions,
		notifications:      notifications,
		tickDuration:       tickDuration,
		memoryUsage:        memoryUsage,
		allMetrics: []prometheus.Collector{
			runsCreated,
			runTransitions,
			blocksDispatched,
			blockRunsRecovered,
			limitDecisions,
			notifications,
			tickDuration,
			memoryUsage,
		},
	}
}

// Describe implements prometheus.Collector.
func (m *SchedulerMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.allMetrics {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *SchedulerMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.allMetrics {
		c.Collect(ch)
	}
}

// RunCreated counts a new pipeline run.
func (m *SchedulerMetrics) RunCreated(trigger string) {
	if m == nil {
		return
	}
	m.runsCreated.WithLabelValues(trigger).Inc()
}

// RunTransition counts a run moving to status.
func (m *SchedulerMetrics) RunTransition(status string) {
	if m == nil {
		return
	}
	m.runTransitions.WithLabelValues(status).Inc()
}

// BlocksDispatched counts n block runs handed to the job queue.
func (m *SchedulerMetrics) BlocksDispatched(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.blocksDispatched.Add(float64(n))
}

// BlockRunsRecovered counts orphaned block runs reset and failed by crash recovery.
func (m *SchedulerMetrics) BlockRunsRecovered(reset, failed int) {
	if m == nil {
		return
	}
	if reset > 0 {
		m.blockRunsRecovered.WithLabelValues("reset").Add(float64(reset))
	}
	if failed > 0 {
		m.blockRunsRecovered.WithLabelValues("failed").Add(float64(failed))
	}
}

// LimitDecision counts one start/wait/cancel decision.
func (m *SchedulerMetrics) LimitDecision(action string) {
	if m == nil {
		return
	}
	m.limitDecisions.WithLabelValues(action).Inc()
}

// ObserveNotification counts a notification attempt.
func (m *SchedulerMetrics) ObserveNotification(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.notifications.WithLabelValues(kind, result).Inc()
}

// ObserveTick records the duration of one tick.
func (m *SchedulerMetrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
}

// SetMemoryUsage records the last sampled memory ratio.
func (m *SchedulerMetrics) SetMemoryUsage(ratio float64) {
	if m == nil {
		return
	}
	m.memoryUsage.Set(ratio)
}
