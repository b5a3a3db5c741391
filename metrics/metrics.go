// Package metrics exposes Prometheus collectors for engine and driver activity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fbdriver"

// Metrics wraps the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	attachments     prometheus.Gauge
	transactions    *prometheus.CounterVec
	statements      *prometheus.CounterVec
	rowsFetched     prometheus.Counter
	blobBytes       *prometheus.CounterVec
	eventsDelivered *prometheus.CounterVec
	serviceJobs     *prometheus.CounterVec
	errors          *prometheus.CounterVec
}

// New creates the collectors and registers them together with the Go runtime
// and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		attachments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "attachments",
				Help:      "Number of open database attachments",
			},
		),

		transactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_total",
				Help:      "Transactions ended, by outcome",
			},
			[]string{"outcome"}, // commit, rollback, commit_retaining, rollback_retaining, prepare
		),

		statements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "statements_executed_total",
				Help:      "Statements executed, by statement type",
			},
			[]string{"type"},
		),

		rowsFetched: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_fetched_total",
				Help:      "Rows fetched from open cursors",
			},
		),

		blobBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blob_bytes_total",
				Help:      "BLOB bytes transferred",
			},
			[]string{"direction"}, // read, write
		),

		eventsDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_delivered_total",
				Help:      "Posted events delivered to subscribers, by event name",
			},
			[]string{"event"},
		),

		serviceJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "service_jobs_total",
				Help:      "Service manager jobs started, by action and result",
			},
			[]string{"action", "result"},
		),

		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Errors reported to callers, by SQLSTATE",
			},
			[]string{"sqlstate"},
		),
	}

	registry.MustRegister(
		m.attachments,
		m.transactions,
		m.statements,
		m.rowsFetched,
		m.blobBytes,
		m.eventsDelivered,
		m.serviceJobs,
		m.errors,
	)
	return m
}

// Registry returns the private registry, for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) AttachmentOpened() { m.attachments.Inc() }
func (m *Metrics) AttachmentClosed() { m.attachments.Dec() }

// TransactionEnded counts a transaction outcome.
func (m *Metrics) TransactionEnded(outcome string) {
	m.transactions.WithLabelValues(outcome).Inc()
}

// StatementExecuted counts an execution of a statement of the given type.
func (m *Metrics) StatementExecuted(statementType string) {
	m.statements.WithLabelValues(statementType).Inc()
}

func (m *Metrics) RowFetched() { m.rowsFetched.Inc() }

// BlobTransferred adds n bytes read or written.
func (m *Metrics) BlobTransferred(direction string, n int) {
	m.blobBytes.WithLabelValues(direction).Add(float64(n))
}

// EventsDelivered adds the counts handed to one subscriber.
func (m *Metrics) EventsDelivered(counts map[string]int) {
	for name, n := range counts {
		m.eventsDelivered.WithLabelValues(name).Add(float64(n))
	}
}

// ServiceJob counts a finished service job.
func (m *Metrics) ServiceJob(action string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.serviceJobs.WithLabelValues(action, result).Inc()
}

// Error counts an error surfaced with a SQLSTATE.
func (m *Metrics) Error(sqlState string) {
	if sqlState == "" {
		sqlState = "none"
	}
	m.errors.WithLabelValues(sqlState).Inc()
}
