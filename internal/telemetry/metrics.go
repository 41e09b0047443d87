// Package telemetry exposes Prometheus metrics shared by the session,
// ingestion, and cache layers.
package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	eventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perch",
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Push events accepted after validation.",
		},
		[]string{"kind"},
	)
	eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perch",
			Subsystem: "ingest",
			Name:      "dropped_total",
			Help:      "Push events discarded before application.",
		},
		[]string{"reason"},
	)
	resolutionFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "perch",
			Subsystem: "ingest",
			Name:      "resolution_failures_total",
			Help:      "Reference lookups that degraded to a nil reference.",
		},
	)
	cacheEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "perch",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Live entries per cache section.",
		},
		[]string{"section"},
	)
	cacheEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "perch",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Messages evicted by the per-channel capacity bound.",
		},
	)
	echoSuppressed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "perch",
			Subsystem: "echo",
			Name:      "suppressed_total",
			Help:      "Push events discarded as echoes of local sends.",
		},
	)
	echoForgotten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "perch",
			Subsystem: "echo",
			Name:      "forgotten_total",
			Help:      "Echo records dropped by capacity or age before a match arrived.",
		},
	)
	sessionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "perch",
			Subsystem: "session",
			Name:      "state",
			Help:      "Session state: 0 disconnected, 1 connecting, 2 connected, 3 reconnecting.",
		},
	)
	reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "perch",
			Subsystem: "session",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts after a lost connection.",
		},
	)
	heartbeats = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "perch",
			Subsystem: "session",
			Name:      "heartbeats_total",
			Help:      "Keepalives written to the push connection.",
		},
	)
	gatewayRequests = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "perch",
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Gateway request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "outcome"},
	)
)

// Register installs all collectors on the default registry. Safe to call
// from multiple packages; only the first call registers.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			eventsIngested,
			eventsDropped,
			resolutionFailures,
			cacheEntries,
			cacheEvictions,
			echoSuppressed,
			echoForgotten,
			sessionState,
			reconnects,
			heartbeats,
			gatewayRequests,
		)
	})
}

// RecordEventIngested counts one accepted push event.
func RecordEventIngested(kind string) {
	Register()
	eventsIngested.WithLabelValues(kind).Inc()
}

// RecordEventDropped counts one discarded push event.
func RecordEventDropped(reason string) {
	Register()
	eventsDropped.WithLabelValues(reason).Inc()
}

// RecordResolutionFailure counts one degraded reference lookup.
func RecordResolutionFailure() {
	Register()
	resolutionFailures.Inc()
}

// SetCacheEntries reports the live entry count for one cache section.
func SetCacheEntries(section string, count int) {
	Register()
	cacheEntries.WithLabelValues(section).Set(float64(count))
}

// RecordCacheEviction counts one capacity eviction.
func RecordCacheEviction() {
	Register()
	cacheEvictions.Inc()
}

// RecordEchoSuppressed counts one suppressed echo.
func RecordEchoSuppressed() {
	Register()
	echoSuppressed.Inc()
}

// RecordEchoForgotten counts one echo record dropped without a match.
func RecordEchoForgotten() {
	Register()
	echoForgotten.Inc()
}

// SetSessionState reports the current session state ordinal.
func SetSessionState(state int) {
	Register()
	sessionState.Set(float64(state))
}

// RecordReconnect counts one reconnect attempt.
func RecordReconnect() {
	Register()
	reconnects.Inc()
}

// RecordHeartbeat counts one keepalive.
func RecordHeartbeat() {
	Register()
	heartbeats.Inc()
}

// RecordGatewayRequest records one gateway round trip.
func RecordGatewayRequest(method, outcome string, duration time.Duration) {
	Register()
	gatewayRequests.WithLabelValues(method, outcome).Observe(duration.Seconds())
}
