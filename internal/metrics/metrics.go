// Package metrics provides Prometheus instrumentation for the gateway: gauges
// for connection state and cache health, counters for handshakes, events,
// deliveries and invalidations, and histograms for dispatch and broadcast
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connections tracks open WebSocket connections, labeled by state:
	// "pending" (awaiting AUTH_LOGIN) or "authenticated".
	Connections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_connections",
		Help: "Current number of WebSocket connections by state",
	}, []string{"state"})

	// Handshakes counts completed handshakes by outcome: "success",
	// "failure", "timeout" or "abandoned".
	Handshakes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_handshakes_total",
		Help: "Completed handshakes by outcome",
	}, []string{"outcome"})

	// CredentialRejections counts rejected credentials by reason.
	CredentialRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_credential_rejections_total",
		Help: "Rejected credentials by reason",
	}, []string{"reason"})

	// Events counts dispatched client events by type and result ("ok" or an
	// error code).
	Events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_events_total",
		Help: "Dispatched client events by type and result",
	}, []string{"type", "result"})

	// DispatchLatency records handler execution time in seconds.
	DispatchLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_dispatch_latency_seconds",
		Help:    "Handler execution time in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"type"})

	// Deliveries counts per-recipient broadcast outcomes: "delivered",
	// "offline", "failed" or "relayed".
	Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_broadcast_deliveries_total",
		Help: "Per-recipient broadcast outcomes",
	}, []string{"result"})

	// BroadcastDuration records the time to fan one frame out to a conversation.
	BroadcastDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_broadcast_duration_seconds",
		Help:    "Time to fan one frame out to a conversation",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// Evictions counts connections closed by the gateway, labeled by reason.
	Evictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_evictions_total",
		Help: "Connections closed by the gateway by reason",
	}, []string{"reason"})

	// CacheLookups counts cache reads by family and result: "hit", "miss",
	// "stale" (validation failed) or "error".
	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_cache_lookups_total",
		Help: "Cache reads by family and result",
	}, []string{"family", "result"})

	// CacheInvalidations counts explicit invalidations by family.
	CacheInvalidations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_cache_invalidations_total",
		Help: "Explicit cache invalidations by family",
	}, []string{"family"})

	// CacheDegraded is 1 while the cache serves from the in-process fallback.
	CacheDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_cache_degraded",
		Help: "1 while the cache is running on the in-process fallback",
	})

	// RelayMessages counts cross-node relay traffic by kind and direction.
	RelayMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_relay_messages_total",
		Help: "Cross-node relay messages by kind and direction",
	}, []string{"kind", "direction"})
)

func init() {
	prometheus.MustRegister(
		Connections,
		Handshakes,
		CredentialRejections,
		Events,
		DispatchLatency,
		Deliveries,
		BroadcastDuration,
		Evictions,
		CacheLookups,
		CacheInvalidations,
		CacheDegraded,
		RelayMessages,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
