package observability

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce          sync.Once
	httpRequestsTotal     *prometheus.CounterVec
	httpLatencySeconds    *prometheus.HistogramVec
	httpErrorsTotal       *prometheus.CounterVec
	chatMessagesTotal     *prometheus.CounterVec
	chatMutationsTotal    *prometheus.CounterVec
	streamSessionsActive  prometheus.Gauge
	streamEventsEmitted   *prometheus.CounterVec
	streamTickErrorsTotal prometheus.Counter
	relayPublishedTotal   *prometheus.CounterVec
	relaySkippedTotal     *prometheus.CounterVec
	tenantPartitionsOpen  prometheus.Gauge
	tenantProvisioned     prometheus.Counter
	storeRetriesTotal     prometheus.Counter
)

// RegisterMetrics initialises the Prometheus collectors used by the chat backend.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		httpErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total number of error responses returned by API endpoints.",
		}, []string{"method", "route", "status"})

		chatMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_total",
			Help: "Messages appended to room ledgers, by message type.",
		}, []string{"type"})

		chatMutationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_mutations_total",
			Help: "Ledger mutations other than send, by operation.",
		}, []string{"operation"})

		streamSessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stream_sessions_active",
			Help: "Stream sessions currently in the streaming state.",
		})

		streamEventsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_events_emitted_total",
			Help: "Events written to stream clients, by event name.",
		}, []string{"event"})

		streamTickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_tick_errors_total",
			Help: "Stream loop iterations that failed and were retried after backoff.",
		})

		relayPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_published_total",
			Help: "Events appended to the broadcast relay, by kind.",
		}, []string{"kind"})

		relaySkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_skipped_total",
			Help: "Relay entries dropped while polling, by reason.",
		}, []string{"reason"})

		tenantPartitionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tenant_partitions_open",
			Help: "Room partitions with an open store handle.",
		})

		tenantProvisioned = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tenant_partitions_opened_total",
			Help: "Room partitions opened (and migrated) by the router.",
		})

		storeRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "store_retries_total",
			Help: "Ledger operations retried after a busy or locked partition.",
		})

		prometheus.MustRegister(
			httpRequestsTotal, httpLatencySeconds, httpErrorsTotal,
			chatMessagesTotal, chatMutationsTotal,
			streamSessionsActive, streamEventsEmitted, streamTickErrorsTotal,
			relayPublishedTotal, relaySkippedTotal,
			tenantPartitionsOpen, tenantProvisioned, storeRetriesTotal,
		)
	})
}

// HTTPRequests exposes the counter for API requests.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the latency histogram for API requests.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// HTTPErrors exposes the counter for API error responses.
func HTTPErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return httpErrorsTotal
}

// ChatMessagesSent counts appended messages by type.
func ChatMessagesSent() *prometheus.CounterVec {
	RegisterMetrics()
	return chatMessagesTotal
}

// ChatMutations counts edits, deletes, reactions, pins and receipts.
func ChatMutations() *prometheus.CounterVec {
	RegisterMetrics()
	return chatMutationsTotal
}

// StreamSessionsActive tracks streaming sessions.
func StreamSessionsActive() prometheus.Gauge {
	RegisterMetrics()
	return streamSessionsActive
}

// StreamEventsEmitted counts events delivered to stream clients.
func StreamEventsEmitted() *prometheus.CounterVec {
	RegisterMetrics()
	return streamEventsEmitted
}

// StreamTickErrors counts failed loop iterations.
func StreamTickErrors() prometheus.Counter {
	RegisterMetrics()
	return streamTickErrorsTotal
}

// RelayPublished counts relay appends.
func RelayPublished() *prometheus.CounterVec {
	RegisterMetrics()
	return relayPublishedTotal
}

// RelaySkipped counts malformed or undecodable relay entries.
func RelaySkipped() *prometheus.CounterVec {
	RegisterMetrics()
	return relaySkippedTotal
}

// TenantPartitionsOpen tracks cached partition handles.
func TenantPartitionsOpen() prometheus.Gauge {
	RegisterMetrics()
	return tenantPartitionsOpen
}

// TenantPartitionsOpened counts partition opens.
func TenantPartitionsOpened() prometheus.Counter {
	RegisterMetrics()
	return tenantProvisioned
}

// StoreRetries counts retried ledger operations.
func StoreRetries() prometheus.Counter {
	RegisterMetrics()
	return storeRetriesTotal
}

// MetricsHandler exposes the Prometheus scrape endpoint via Fiber.
func MetricsHandler() fiber.Handler {
	RegisterMetrics()
	return adaptor.HTTPHandler(promhttp.Handler())
}
