package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the relay. Following the
// explicit dependency injection pattern, this struct is passed to every
// component that records metrics; a nil *Metrics disables recording.
type Metrics struct {
	// Parsing
	messagesParsedTotal *prometheus.CounterVec

	// Webhook delivery
	deliveriesTotal    *prometheus.CounterVec
	deliveryDuration   *prometheus.HistogramVec
	deliveryRetriesDue prometheus.Gauge
	retryPassSuccesses prometheus.Counter

	// Sync
	syncCyclesTotal    *prometheus.CounterVec
	syncDuration       prometheus.Histogram
	recordsSyncedTotal prometheus.Counter
	conflictsTotal     *prometheus.CounterVec

	// HTTP ingest API
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS
	natsMessagesPublished *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		messagesParsedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messages_parsed_total",
				Help: "Total number of notification parse attempts by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		deliveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_deliveries_total",
				Help: "Total number of webhook delivery attempts by outcome",
			},
			[]string{"outcome"},
		),
		deliveryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webhook_delivery_duration_seconds",
				Help:    "Duration of webhook delivery attempts in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"outcome"},
		),
		deliveryRetriesDue: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "webhook_deliveries_awaiting_retry",
				Help: "Number of delivery log entries eligible for retry",
			},
		),
		retryPassSuccesses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "webhook_retry_pass_successes_total",
				Help: "Total deliveries that succeeded during a retry pass",
			},
		),
		syncCyclesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_cycles_total",
				Help: "Total sync cycles by terminal state",
			},
			[]string{"state"},
		),
		syncDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sync_cycle_duration_seconds",
				Help:    "Duration of sync cycles in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
		),
		recordsSyncedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "records_synced_total",
				Help: "Total local records successfully pushed to the remote",
			},
		),
		conflictsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_conflicts_total",
				Help: "Total reconciliation conflicts by type and resolution",
			},
			[]string{"type", "resolution"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
	}
}

// RecordParse records one parse attempt. Outcome is "match" or "no_match";
// provider is empty for misses.
func (m *Metrics) RecordParse(provider, outcome string) {
	if m == nil {
		return
	}
	if provider == "" {
		provider = "unknown"
	}
	m.messagesParsedTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordDelivery records one delivery attempt with its duration.
func (m *Metrics) RecordDelivery(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(outcome).Inc()
	m.deliveryDuration.WithLabelValues(outcome).Observe(seconds)
}

// RecordRetryPass records the result of one retryPending pass.
func (m *Metrics) RecordRetryPass(due, succeeded int) {
	if m == nil {
		return
	}
	m.deliveryRetriesDue.Set(float64(due))
	m.retryPassSuccesses.Add(float64(succeeded))
}

// RecordSyncCycle records a completed sync cycle.
func (m *Metrics) RecordSyncCycle(state string, seconds float64, recordsSynced int) {
	if m == nil {
		return
	}
	m.syncCyclesTotal.WithLabelValues(state).Inc()
	m.syncDuration.Observe(seconds)
	m.recordsSyncedTotal.Add(float64(recordsSynced))
}

// RecordConflict records one resolved reconciliation conflict.
func (m *Metrics) RecordConflict(conflictType, resolution string) {
	if m == nil {
		return
	}
	m.conflictsTotal.WithLabelValues(conflictType, resolution).Inc()
}

// RecordHTTPRequest records an API request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, seconds float64) {
	if m == nil {
		return
	}
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(seconds)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string) {
	if m == nil {
		return
	}
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
}

func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
