// Package metrics holds the Prometheus collectors shared by the server, the
// event log and the tunnel.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	eventsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_events_appended_total",
			Help: "Events committed to the event log",
		},
		[]string{"type"},
	)

	replaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_replays_total",
			Help: "Replay requests by the tier that served them",
		},
		[]string{"source"},
	)

	liveSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_live_subscribers",
			Help: "Live stream subscribers currently attached",
		},
	)

	subscribersDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_live_subscribers_dropped_total",
			Help: "Live subscribers dropped for falling behind",
		},
	)

	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_turns_total",
			Help: "Finished agent turns by outcome",
		},
		[]string{"outcome"},
	)

	turnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_turn_duration_seconds",
			Help:    "Agent turn duration in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	relayChannelsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_relay_channels_active",
			Help: "Relay channels currently open across all tunnels",
		},
	)

	relayChannelsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_relay_channels_total",
			Help: "Closed relay channels by outcome",
		},
		[]string{"outcome"},
	)

	initOnce sync.Once
)

// Init registers all collectors with the default registry. Safe to call
// more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			eventsAppended,
			replaysTotal,
			liveSubscribers,
			subscribersDropped,
			turnsTotal,
			turnDuration,
			relayChannelsActive,
			relayChannelsTotal,
		)
	})
}

// Handler returns the Prometheus exposition handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordHTTPRequest(method, route, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func RecordAppend(eventType string) {
	eventsAppended.WithLabelValues(eventType).Inc()
}

// RecordReplay counts a replay served from "buffer" or "storage".
func RecordReplay(source string) {
	replaysTotal.WithLabelValues(source).Inc()
}

func AddLiveSubscribers(delta int) {
	liveSubscribers.Add(float64(delta))
}

func RecordSubscriberDropped() {
	subscribersDropped.Inc()
}

func RecordTurn(outcome string, duration time.Duration) {
	turnsTotal.WithLabelValues(outcome).Inc()
	turnDuration.Observe(duration.Seconds())
}

func RelayOpened() {
	relayChannelsActive.Inc()
}

// RelayClosed records the end of a relay channel with outcome "ok",
// "connect_failed" or "relay_failed".
func RelayClosed(outcome string) {
	relayChannelsActive.Dec()
	relayChannelsTotal.WithLabelValues(outcome).Inc()
}
