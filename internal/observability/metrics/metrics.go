package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes prometheus instruments for the fiscal core.
type Metrics struct {
	ledgerAppends      *prometheus.CounterVec
	ledgerAppendRetry  prometheus.Counter
	fiscalJobRuns      *prometheus.CounterVec
	fiscalJobDuration  prometheus.Histogram
	webhookResults     *prometheus.CounterVec
	documentTransition *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		ledgerAppends: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "backoffice_ledger_appends_total",
			Help: "Ledger append attempts by outcome.",
		}, []string{"scope", "result"}),
		ledgerAppendRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "backoffice_ledger_append_retries_total",
			Help: "Ledger append retries caused by chain-head contention.",
		}),
		fiscalJobRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "backoffice_fiscal_job_runs_total",
			Help: "Fiscal job processing runs by outcome.",
		}, []string{"result"}),
		fiscalJobDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "backoffice_fiscal_job_duration_seconds",
			Help:    "Wall time of a single fiscal job run, adapter call included.",
			Buckets: prometheus.DefBuckets,
		}),
		webhookResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "backoffice_fiscal_webhook_requests_total",
			Help: "Fiscal webhook deliveries by outcome.",
		}, []string{"result"}),
		documentTransition: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "backoffice_fiscal_document_transitions_total",
			Help: "Fiscal document status transitions.",
		}, []string{"from", "to"}),
	}
}

func (m *Metrics) RecordLedgerAppend(scope, result string) {
	if m == nil {
		return
	}
	m.ledgerAppends.WithLabelValues(scope, result).Inc()
}

func (m *Metrics) RecordLedgerAppendRetry() {
	if m == nil {
		return
	}
	m.ledgerAppendRetry.Inc()
}

func (m *Metrics) RecordJobRun(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.fiscalJobRuns.WithLabelValues(result).Inc()
	m.fiscalJobDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) RecordWebhook(result string) {
	if m == nil {
		return
	}
	m.webhookResults.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordDocumentTransition(from, to string) {
	if m == nil {
		return
	}
	m.documentTransition.WithLabelValues(from, to).Inc()
}
