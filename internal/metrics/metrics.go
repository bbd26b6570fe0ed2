// Package metrics exposes Prometheus metrics for query executions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"querybook/internal/domain"
)

const namespace = "querybook"

// Metric names.
const (
	MetricExecutionsTotal     = "executions_total"
	MetricExecutionErrors     = "execution_errors_total"
	MetricExecutionsRunning   = "executions_running"
	MetricStatementsTotal     = "statements_total"
	MetricStatementDuration   = "statement_duration_seconds"
	MetricRecoverySweepFailed = "recovery_failed_total"
)

// Metrics records execution lifecycle metrics on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	executions        *prometheus.CounterVec
	errors            *prometheus.CounterVec
	running           *prometheus.GaugeVec
	statements        *prometheus.CounterVec
	statementDuration *prometheus.HistogramVec
	recovered         prometheus.Counter
}

// New creates Metrics with Go runtime and process collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricExecutionsTotal,
			Help:      "Query executions that reached a terminal status.",
		}, []string{"engine", "status"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricExecutionErrors,
			Help:      "Query executions that ended with an error, by kind.",
		}, []string{"engine", "kind", "failure"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      MetricExecutionsRunning,
			Help:      "Query executions currently driven by this process.",
		}, []string{"engine"}),
		statements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricStatementsTotal,
			Help:      "Statements that reached a terminal status.",
		}, []string{"engine", "status"}),
		statementDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      MetricStatementDuration,
			Help:      "Wall-clock time of one statement.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
		}, []string{"engine"}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricRecoverySweepFailed,
			Help:      "Orphaned executions failed by the recovery sweep.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.executions,
		m.errors,
		m.running,
		m.statements,
		m.statementDuration,
		m.recovered,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// StatementFinished implements executor.Recorder.
func (m *Metrics) StatementFinished(engineType string, status domain.StatementExecutionStatus, d time.Duration) {
	m.statements.WithLabelValues(engineType, string(status)).Inc()
	m.statementDuration.WithLabelValues(engineType).Observe(d.Seconds())
}

// ExecutionStarted implements worker.Recorder.
func (m *Metrics) ExecutionStarted(engineType string) {
	m.running.WithLabelValues(engineType).Inc()
}

// ExecutionFinished implements worker.Recorder. Executions that never ran
// (duplicate dispatch) only release the running gauge.
func (m *Metrics) ExecutionFinished(engineType string, status domain.QueryExecutionStatus, kind domain.ErrorKind) {
	m.running.WithLabelValues(engineType).Dec()
	if status.IsTerminal() {
		m.executions.WithLabelValues(engineType, string(status)).Inc()
	}
	if kind != "" {
		failure := "false"
		if kind.IsFailure() {
			failure = "true"
		}
		m.errors.WithLabelValues(engineType, string(kind), failure).Inc()
	}
}

// OrphansFailed counts executions failed by the recovery sweep.
func (m *Metrics) OrphansFailed(n int) {
	m.recovered.Add(float64(n))
}
