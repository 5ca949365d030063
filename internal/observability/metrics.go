package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rider_relay"

var (
	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: "connections_active", Help: "Open realtime connections"}, []string{"role"})
	ConnectionsTotal  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "connections_total", Help: "Realtime connections registered"}, []string{"role"})
	Evictions         = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "evictions_total", Help: "Connections evicted by a reconnecting rider"})
	RidersOnline      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "riders_online", Help: "Riders with an online presence entry"})

	SamplesReceived = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "samples_received_total", Help: "Location samples received"})
	SamplesAccepted = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "samples_accepted_total", Help: "Location samples accepted into presence"})
	SamplesDropped  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "samples_dropped_total", Help: "Location samples dropped before fan-out"}, []string{"reason"})

	PushesTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "pushes_total", Help: "Messages queued to connections"}, []string{"event"})
	PushFailures  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "push_failures_total", Help: "Messages a connection could not accept"}, []string{"event"})
	FanoutSize    = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "fanout_size", Help: "Subscribers resolved per sample", Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250}})
	FanoutLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "fanout_latency_seconds", Help: "Time to resolve and queue one sample", Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10)})

	InboundEvents      = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "inbound_events_total", Help: "Inbound websocket events by name"}, []string{"event"})
	OrderStatusUpdates = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "order_status_updates_total", Help: "Order status updates received from the order service"})

	TrailPublished = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "trail_published_total", Help: "Samples written to the trail topic"})
	TrailDropped   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "trail_dropped_total", Help: "Samples dropped because the trail buffer was full"})
	TrailErrors    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "trail_errors_total", Help: "Trail writes that failed after retries"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
