package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce           sync.Once
	httpRequestsTotal      *prometheus.CounterVec
	httpLatencySeconds     *prometheus.HistogramVec
	httpErrorsTotal        *prometheus.CounterVec
	realtimeConnections    prometheus.Gauge
	realtimeEventsTotal    *prometheus.CounterVec
	messagesSubmittedTotal *prometheus.CounterVec
	deliveryLatencySeconds prometheus.Histogram
	deliveryDuplicates     prometheus.Counter
	transportErrorsTotal   prometheus.Counter
	presenceEvictionsTotal prometheus.Counter
	signalsTotal           *prometheus.CounterVec
	notificationsTotal     *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used across the realtime core.
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
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		realtimeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_connections",
			Help: "Websocket connections attached to this node.",
		})

		realtimeEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_events_total",
			Help: "Inbound realtime events by name and outcome.",
		}, []string{"event", "outcome"})

		messagesSubmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_messages_submitted_total",
			Help: "Persisted chat messages by fan-out path (queued or sync).",
		}, []string{"path"})

		deliveryLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "realtime_delivery_latency_seconds",
			Help:    "Time between persisting a message and emitting it to the room.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		})

		deliveryDuplicates = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_delivery_duplicates_total",
			Help: "Redelivered jobs skipped because the message was already fanned out.",
		})

		transportErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_transport_errors_total",
			Help: "Per-recipient emit failures.",
		})

		presenceEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_presence_evictions_total",
			Help: "Connections evicted after their presence TTL lapsed.",
		})

		signalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_signals_total",
			Help: "Signaling envelopes by kind and outcome (relayed or dropped).",
		}, []string{"kind", "outcome"})

		notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_notifications_total",
			Help: "Notification envelopes by outcome.",
		}, []string{"outcome"})

		prometheus.MustRegister(
			httpRequestsTotal,
			httpLatencySeconds,
			httpErrorsTotal,
			realtimeConnections,
			realtimeEventsTotal,
			messagesSubmittedTotal,
			deliveryLatencySeconds,
			deliveryDuplicates,
			transportErrorsTotal,
			presenceEvictionsTotal,
			signalsTotal,
			notificationsTotal,
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

func RealtimeConnections() prometheus.Gauge {
	RegisterMetrics()
	return realtimeConnections
}

func RealtimeEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return realtimeEventsTotal
}

func MessagesSubmitted() *prometheus.CounterVec {
	RegisterMetrics()
	return messagesSubmittedTotal
}

func DeliveryLatency() prometheus.Histogram {
	RegisterMetrics()
	return deliveryLatencySeconds
}

func DeliveryDuplicates() prometheus.Counter {
	RegisterMetrics()
	return deliveryDuplicates
}

func TransportErrors() prometheus.Counter {
	RegisterMetrics()
	return transportErrorsTotal
}

func PresenceEvictions() prometheus.Counter {
	RegisterMetrics()
	return presenceEvictionsTotal
}

// Signals exposes the signaling counter labelled by kind and outcome.
func Signals() *prometheus.CounterVec {
	RegisterMetrics()
	return signalsTotal
}

func Notifications() *prometheus.CounterVec {
	RegisterMetrics()
	return notificationsTotal
}
