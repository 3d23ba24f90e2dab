package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// It is passed explicitly to every component that records metrics; a nil
// *Metrics means metrics are disabled and callers check for it.
type Metrics struct {
	// Solana RPC
	solanaRPCCallsTotal    *prometheus.CounterVec
	solanaRPCCallDuration  *prometheus.HistogramVec
	solanaRPCRateLimitHits *prometheus.CounterVec

	// Ledger scans
	blocksScannedTotal    *prometheus.CounterVec
	blocksSkippedTotal    *prometheus.CounterVec
	scanOutcomesTotal     *prometheus.CounterVec
	scanDuration          *prometheus.HistogramVec
	transactionsInspected *prometheus.CounterVec

	// Purchase ledger
	ledgerAppendsTotal   *prometheus.CounterVec
	ledgerRecordsDropped *prometheus.CounterVec

	// Sessions and polling
	sessionTransitionsTotal *prometheus.CounterVec
	pollAttemptsTotal       *prometheus.CounterVec

	// Temporal
	workflowDuration *prometheus.HistogramVec
	activityDuration *prometheus.HistogramVec

	// HTTP
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections *prometheus.GaugeVec
	sseEventsSent        *prometheus.CounterVec

	// NATS
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		solanaRPCRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_rate_limit_hits_total",
				Help: "Total number of Solana RPC rate limit hits (429 errors)",
			},
			[]string{"endpoint"},
		),

		blocksScannedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_blocks_scanned_total",
				Help: "Total number of blocks fetched during payment scans",
			},
			[]string{"receiver_address"},
		),
		blocksSkippedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_blocks_skipped_total",
				Help: "Total number of blocks skipped because they could not be fetched",
			},
			[]string{"reason"},
		),
		scanOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_scan_outcomes_total",
				Help: "Total number of payment scans by outcome",
			},
			[]string{"kind", "hint"},
		),
		scanDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_scan_duration_seconds",
				Help:    "Duration of a full scan of the recent block window",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40},
			},
			[]string{"kind"},
		),
		transactionsInspected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_transactions_inspected_total",
				Help: "Total number of transactions inspected during scans",
			},
			[]string{"status"},
		),

		ledgerAppendsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "purchase_ledger_appends_total",
				Help: "Total number of purchase record appends by status",
			},
			[]string{"status"},
		),
		ledgerRecordsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "purchase_ledger_records_dropped_total",
				Help: "Total number of stored purchase records dropped on load",
			},
			[]string{"reason"},
		),

		sessionTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verification_session_transitions_total",
				Help: "Total number of verification session state transitions",
			},
			[]string{"state"},
		),
		pollAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poll_attempts_total",
				Help: "Total number of poll attempts by call site and outcome",
			},
			[]string{"site", "outcome"},
		),

		workflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "verify_workflow_duration_seconds",
				Help:    "Duration of payment verification workflows in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),
		activityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "verify_activity_duration_seconds",
				Help:    "Duration of payment verification activities in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"activity"},
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
		sseActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE connections",
			},
			[]string{"stream"},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"stream", "event_type"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.solanaRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRateLimitHit records a rate limit hit (429 error).
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	m.solanaRPCRateLimitHits.WithLabelValues(endpoint).Inc()
}

// Scan metric helpers

// RecordBlockScanned records a block fetched for the given receiver.
func (m *Metrics) RecordBlockScanned(receiverAddress string) {
	m.blocksScannedTotal.WithLabelValues(receiverAddress).Inc()
}

// RecordBlockSkipped records a block the scanner had to skip.
func (m *Metrics) RecordBlockSkipped(reason string) {
	m.blocksSkippedTotal.WithLabelValues(reason).Inc()
}

// RecordTransactionsInspected records decoded or undecodable transactions.
func (m *Metrics) RecordTransactionsInspected(status string, count int) {
	m.transactionsInspected.WithLabelValues(status).Add(float64(count))
}

// RecordScan records the outcome and duration of one scan.
func (m *Metrics) RecordScan(kind, hint string, duration float64) {
	m.scanOutcomesTotal.WithLabelValues(kind, hint).Inc()
	m.scanDuration.WithLabelValues(kind).Observe(duration)
}

// Purchase ledger metric helpers

// RecordLedgerAppend records an append attempt ("ok", "duplicate", "error").
func (m *Metrics) RecordLedgerAppend(status string) {
	m.ledgerAppendsTotal.WithLabelValues(status).Inc()
}

// RecordRecordsDropped records stored records excluded when loading.
func (m *Metrics) RecordRecordsDropped(reason string, count int) {
	m.ledgerRecordsDropped.WithLabelValues(reason).Add(float64(count))
}

// Session metric helpers

// RecordSessionTransition records a session entering state.
func (m *Metrics) RecordSessionTransition(state string) {
	m.sessionTransitionsTotal.WithLabelValues(state).Inc()
}

// RecordPollAttempt records one probe of a poll driver.
func (m *Metrics) RecordPollAttempt(site, outcome string) {
	m.pollAttemptsTotal.WithLabelValues(site, outcome).Inc()
}

// Workflow metric helpers

// RecordWorkflowDuration records workflow execution duration.
func (m *Metrics) RecordWorkflowDuration(status string, duration float64) {
	m.workflowDuration.WithLabelValues(status).Observe(duration)
}

// RecordActivityDuration records activity execution duration.
func (m *Metrics) RecordActivityDuration(activity string, duration float64) {
	m.activityDuration.WithLabelValues(activity).Observe(duration)
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(stream string, delta float64) {
	m.sseActiveConnections.WithLabelValues(stream).Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(stream, eventType string) {
	m.sseEventsSent.WithLabelValues(stream, eventType).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
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
