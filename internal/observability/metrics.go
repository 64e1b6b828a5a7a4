package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "ride_stream", Name: "sessions_open", Help: "Open channel sessions by role"},
		[]string{"role"},
	)
	EnvelopesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_stream", Name: "envelopes_total", Help: "Envelopes handled by type and direction"},
		[]string{"type", "direction"},
	)
	ProtocolErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "ride_stream", Name: "protocol_errors_total", Help: "Envelopes rejected by validation"},
	)
	TripsStartedTotal = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "ride_stream", Name: "trips_started_total", Help: "Trips committed from a fare"},
	)
	TripRequestsDispatched = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "ride_stream", Name: "trip_requests_dispatched_total", Help: "Trip requests forwarded to drivers"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_stream", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_stream",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
