package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingest error kinds used as the "kind" label
const (
	IngestErrorInvalidInput = "invalid_input"
	IngestErrorStore        = "store"
	IngestErrorSummary      = "summary"
)

// Metrics holds the ingest pipeline's Prometheus metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ReadingsIngested   prometheus.Counter
	SessionsCreated    prometheus.Counter
	SummariesGenerated prometheus.Counter
	SummaryLatency     prometheus.Histogram
	IngestErrors       *prometheus.CounterVec
}

// NewMetrics registers the ingest metrics on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ReadingsIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "aeroview_readings_ingested_total",
			Help: "Total number of readings appended to machine sessions",
		}),

		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "aeroview_sessions_created_total",
			Help: "Total number of daily machine sessions created",
		}),

		SummariesGenerated: factory.NewCounter(prometheus.CounterOpts{
			Name: "aeroview_summaries_generated_total",
			Help: "Total number of session summaries stored",
		}),

		SummaryLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "aeroview_summary_generation_seconds",
			Help:    "Summary generation latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}, // up to 2 minutes for LLM responses
		}),

		IngestErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aeroview_ingest_errors_total",
			Help: "Total number of ingest errors by kind",
		}, []string{"kind"}),
	}
}

// RecordReading records an appended reading
func (m *Metrics) RecordReading() {
	if m == nil {
		return
	}
	m.ReadingsIngested.Inc()
}

// RecordSessionCreated records a newly created session
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

// RecordSummary records a stored summary and how long generation took
func (m *Metrics) RecordSummary(seconds float64) {
	if m == nil {
		return
	}
	m.SummariesGenerated.Inc()
	m.SummaryLatency.Observe(seconds)
}

// RecordError records an ingest error
func (m *Metrics) RecordError(kind string) {
	if m == nil {
		return
	}
	m.IngestErrors.WithLabelValues(kind).Inc()
}
