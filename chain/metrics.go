package chain

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the engine.
//
// Metrics exposed (all namespaced with "skillchain_"):
//
//  1. executions_started_total (counter).
//  2. executions_finished_total (counter): Labels: status.
//  3. link_outcomes_total (counter): Labels: outcome.
//  4. transitions_total (counter): Labels: decision.
//  5. concurrency_conflicts_total (counter): Labels: operation, source
//     (guard or store).
//  6. interventions_total (counter): Labels: action.
//  7. session_bridge_errors_total (counter): Labels: operation.
//  8. commit_latency_ms (histogram): Labels: operation.
//  9. inflight_mutations (gauge).
//
// Execution ids are never used as labels.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	executionsStarted  prometheus.Counter
	executionsFinished *prometheus.CounterVec
	linkOutcomes       *prometheus.CounterVec
	transitions        *prometheus.CounterVec
	conflicts          *prometheus.CounterVec
	interventions      *prometheus.CounterVec
	bridgeErrors       *prometheus.CounterVec
	commitLatency      *prometheus.HistogramVec
	inflight           prometheus.Gauge

	mu      sync.RWMutex
	enabled bool
}

// NewMetrics creates and registers the engine metrics with registry. A nil
// registry means prometheus.DefaultRegisterer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		enabled: true,
		executionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "skillchain",
			Name:      "executions_started_total",
			Help:      "Executions started against a published chain",
		}),
		executionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skillchain",
			Name:      "executions_finished_total",
			Help:      "Executions that reached a terminal status",
		}, []string{"status"}),
		linkOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skillchain",
			Name:      "link_outcomes_total",
			Help:      "Link outcomes reported by callers",
		}, []string{"outcome"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skillchain",
			Name:      "transitions_total",
			Help:      "Policy decisions applied to executions",
		}, []string{"decision"}),
		conflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skillchain",
			Name:      "concurrency_conflicts_total",
			Help:      "Mutations rejected because the execution was modified concurrently",
		}, []string{"operation", "source"}),
		interventions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skillchain",
			Name:      "interventions_total",
			Help:      "Operator intervention resolutions",
		}, []string{"action"}),
		bridgeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skillchain",
			Name:      "session_bridge_errors_total",
			Help:      "Swallowed session-state and checkpoint failures",
		}, []string{"operation"}),
		commitLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "skillchain",
			Name:      "commit_latency_ms",
			Help:      "Time to persist one execution transition in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		}, []string{"operation"}),
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "skillchain",
			Name:      "inflight_mutations",
			Help:      "Executions currently being mutated by this process",
		}),
	}
}

func (m *Metrics) on() bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

func (m *Metrics) executionStarted() {
	if m.on() {
		m.executionsStarted.Inc()
	}
}

func (m *Metrics) executionFinished(status string) {
	if m.on() {
		m.executionsFinished.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) linkOutcome(outcome string) {
	if m.on() {
		m.linkOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) transition(decision string) {
	if m.on() {
		m.transitions.WithLabelValues(decision).Inc()
	}
}

func (m *Metrics) conflict(operation, source string) {
	if m.on() {
		m.conflicts.WithLabelValues(operation, source).Inc()
	}
}

func (m *Metrics) intervention(action string) {
	if m.on() {
		m.interventions.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) bridgeError(operation string) {
	if m.on() {
		m.bridgeErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) commit(operation string, d time.Duration) {
	if m.on() {
		m.commitLatency.WithLabelValues(operation).Observe(float64(d.Milliseconds()))
	}
}

func (m *Metrics) setInflight(n int) {
	if m.on() {
		m.inflight.Set(float64(n))
	}
}

// Disable temporarily disables metric recording.
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// Enable re-enables metric recording after Disable.
func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}
