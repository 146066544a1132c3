package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "trip_dispatch"

var (
	TripsRequested = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "trips_requested_total", Help: "Trip requests that produced offers"})
	TripsRejected  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "trips_no_driver_total", Help: "Trip requests refused with NoDriversAvailable"})
	TripsFinished  = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "trips_finished_total", Help: "Trips that reached a terminal phase"},
		[]string{"phase"},
	)
	ActiveTrips = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "active_trips", Help: "Trips held in memory in a non-terminal phase"})

	OffersSent    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_sent_total", Help: "Trip offers broadcast to drivers"})
	MatchesTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "matches_total", Help: "Total number of matches"})
	ClaimsLost    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "claims_lost_total", Help: "Accepts discarded because another driver won"})
	MatchLatency  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Time from request to winning accept"})
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers"})
	Sessions      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "sessions", Help: "Live transport sessions"})

	PositionsRelayed = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "positions_relayed_total", Help: "Driver positions forwarded to clients"})
	PositionsDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "positions_dropped_total", Help: "Driver positions dropped by phase gate"})
	FramesCoalesced  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "frames_coalesced_total", Help: "Latest-value frames replaced before delivery"})

	PersistWrites   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "persist_writes_total", Help: "Successful durable writes"})
	PersistFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "persist_failures_total", Help: "Durable writes that exhausted retries"})
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Events published to the stream"},
		[]string{"backend", "status"},
	)

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

// RecordPublish counts a stream publish attempt.
func RecordPublish(backend string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	EventsPublished.WithLabelValues(backend, status).Inc()
}
