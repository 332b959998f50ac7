// Package metrics holds the Prometheus collectors shared by the sync engine,
// the pending-operation queue and the HTTP API.
//
// All Record/Set methods accept a nil receiver so components can run without
// metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	SyncRunsTotal     *prometheus.CounterVec
	SyncDuration      *prometheus.HistogramVec
	MessagesIngested  *prometheus.CounterVec
	ThreadMerges      prometheus.Counter
	ParseErrorsTotal  *prometheus.CounterVec
	ProviderRetries   *prometheus.CounterVec
	TokenRefreshes    *prometheus.CounterVec
	QueueOpsTotal     *prometheus.CounterVec
	QueueDepth        *prometheus.GaugeVec
	EventsDropped     prometheus.Counter
	WebSocketClients  prometheus.Gauge
	HTTPRequestsTotal *prometheus.CounterVec
}

// New registers every collector on reg. Passing nil creates a private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SyncRunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsync_sync_runs_total",
				Help: "Sync runs by provider, mode and result",
			},
			[]string{"provider", "mode", "result"},
		),
		SyncDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailsync_sync_duration_seconds",
				Help:    "Duration of a sync run",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"provider", "mode"},
		),
		MessagesIngested: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsync_messages_ingested_total",
				Help: "Messages written to the cache",
			},
			[]string{"provider"},
		),
		ThreadMerges: f.NewCounter(
			prometheus.CounterOpts{
				Name: "mailsync_thread_reassignments_total",
				Help: "Messages whose thread id was rewritten by the threading phase",
			},
		),
		ParseErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsync_parse_errors_total",
				Help: "Provider payloads that could not be parsed",
			},
			[]string{"provider"},
		),
		ProviderRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsync_provider_retries_total",
				Help: "Provider requests retried after rate limiting or auth refresh",
			},
			[]string{"provider", "reason"},
		),
		TokenRefreshes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsync_token_refreshes_total",
				Help: "OAuth token refreshes by result",
			},
			[]string{"result"},
		),
		QueueOpsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsync_pending_ops_total",
				Help: "Pending operation executions by kind and result",
			},
			[]string{"kind", "result"},
		),
		QueueDepth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mailsync_pending_ops",
				Help: "Pending operations per account and state",
			},
			[]string{"account_id", "state"},
		),
		EventsDropped: f.NewCounter(
			prometheus.CounterOpts{
				Name: "mailsync_events_dropped_total",
				Help: "Events discarded because the bus buffer was full",
			},
		),
		WebSocketClients: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailsync_websocket_clients",
				Help: "Connected WebSocket subscribers",
			},
		),
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsync_http_requests_total",
				Help: "HTTP API requests",
			},
			[]string{"method", "route", "status_code"},
		),
	}
}

func (m *Metrics) RecordSync(provider, mode, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SyncRunsTotal.WithLabelValues(provider, mode, result).Inc()
	m.SyncDuration.WithLabelValues(provider, mode).Observe(duration.Seconds())
}

func (m *Metrics) RecordMessagesIngested(provider string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.MessagesIngested.WithLabelValues(provider).Add(float64(n))
}

func (m *Metrics) RecordThreadReassignments(n int) {
	if m == nil || n == 0 {
		return
	}
	m.ThreadMerges.Add(float64(n))
}

func (m *Metrics) RecordParseError(provider string) {
	if m == nil {
		return
	}
	m.ParseErrorsTotal.WithLabelValues(provider).Inc()
}

func (m *Metrics) RecordProviderRetry(provider, reason string) {
	if m == nil {
		return
	}
	m.ProviderRetries.WithLabelValues(provider, reason).Inc()
}

func (m *Metrics) RecordTokenRefresh(result string) {
	if m == nil {
		return
	}
	m.TokenRefreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordQueueOp(kind, result string) {
	if m == nil {
		return
	}
	m.QueueOpsTotal.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) SetQueueDepth(accountID string, pending, failed int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(accountID, "pending").Set(float64(pending))
	m.QueueDepth.WithLabelValues(accountID, "failed").Set(float64(failed))
}

func (m *Metrics) RecordEventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

func (m *Metrics) SetWebSocketClients(n int) {
	if m == nil {
		return
	}
	m.WebSocketClients.Set(float64(n))
}

func (m *Metrics) RecordHTTPRequest(method, route, statusCode string) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, statusCode).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
