// Package metrics exposes prometheus metrics for plan executions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the execution collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	submissions       *prometheus.CounterVec
	retries           *prometheus.CounterVec
	statementFailures *prometheus.CounterVec
	executions        *prometheus.CounterVec
	statementDuration *prometheus.HistogramVec
}

// New registers the collectors with reg. Pass prometheus.NewRegistry() in
// tests to keep registrations isolated.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		submissions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planwright_statement_submissions_total",
				Help: "Statement submissions to a warehouse, including retries",
			},
			[]string{"warehouse_id"},
		),
		retries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planwright_statement_retries_total",
				Help: "Statement retries after a transient failure",
			},
			[]string{"error_class"},
		),
		statementFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planwright_statement_failures_total",
				Help: "Statements that ended FAILED",
			},
			[]string{"error_class"},
		),
		executions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planwright_executions_total",
				Help: "Executions by final status",
			},
			[]string{"pattern", "status"},
		),
		statementDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "planwright_statement_duration_seconds",
				Help:    "Wall time from first submission to a terminal statement state",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17m
			},
			[]string{"status"},
		),
	}
}

func (m *Metrics) StatementSubmitted(warehouseID string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(warehouseID).Inc()
}

func (m *Metrics) StatementRetried(errorClass string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(errorClass).Inc()
}

func (m *Metrics) StatementFailed(errorClass string) {
	if m == nil {
		return
	}
	m.statementFailures.WithLabelValues(errorClass).Inc()
}

func (m *Metrics) StatementFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.statementDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *Metrics) ExecutionFinished(pattern, status string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(pattern, status).Inc()
}
