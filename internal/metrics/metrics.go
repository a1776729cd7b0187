package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry is the dedicated Prometheus registry for the agent
	Registry = prometheus.NewRegistry()

	// SessionState is 1 for the current session state, 0 for the others
	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "driverlink_session_state", Help: "Current session state (1 = active)."},
		[]string{"state"},
	)
	// ReconnectAttempts counts dial attempts made by the reconnect loop
	ReconnectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "driverlink_reconnect_attempts_total", Help: "Reconnect attempts."},
	)
	// ConnectErrors counts failed connects by error kind
	ConnectErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "driverlink_connect_errors_total", Help: "Failed connects by kind."},
		[]string{"kind"},
	)
	// MissedPongs counts heartbeat pings that went unanswered
	MissedPongs = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "driverlink_missed_pongs_total", Help: "Heartbeat pings without a matching pong."},
	)
	// StaleDetections counts forced reconnects requested by the heartbeat
	StaleDetections = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "driverlink_stale_detections_total", Help: "Stale transport detections."},
	)
	// HeartbeatRTT records ping round trips in milliseconds
	HeartbeatRTT = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "driverlink_heartbeat_rtt_ms", Help: "Heartbeat round trip in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
	)
	// Offers counts offer deliveries by source and outcome
	Offers = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "driverlink_offers_total", Help: "Offer deliveries by source and outcome."},
		[]string{"source", "outcome"},
	)
	// OffersResolved counts terminal offer statuses
	OffersResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "driverlink_offers_resolved_total", Help: "Resolved offers by status."},
		[]string{"status"},
	)
	// Decisions counts decision submissions by kind and result
	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "driverlink_decisions_total", Help: "Decisions by kind and result."},
		[]string{"kind", "result"},
	)
	// PollRequests counts fallback polls by status
	PollRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "driverlink_poll_requests_total", Help: "Fallback poll requests by status."},
		[]string{"status"},
	)
	// PollLatency tracks fallback poll latencies in milliseconds
	PollLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "driverlink_poll_latency_ms", Help: "Fallback poll latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
	)
	// Notices counts worker notices by kind
	Notices = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "driverlink_notices_total", Help: "Worker notices published by kind."},
		[]string{"kind"},
	)
	// Alerts counts out-of-band notification sends by status
	Alerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "driverlink_alerts_total", Help: "Out-of-band alerts by status."},
		[]string{"status"},
	)
	// LocationPosts counts location reports by status
	LocationPosts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "driverlink_location_posts_total", Help: "Location posts by status."},
		[]string{"status"},
	)
	// NetworkTransitions counts debounced network changes by transport type
	NetworkTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "driverlink_network_transitions_total", Help: "Debounced network transitions."},
		[]string{"type", "reachable"},
	)
)

// RegisterDefault registers collectors to the agent registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(SessionState, ReconnectAttempts, ConnectErrors)
		Registry.MustRegister(MissedPongs, StaleDetections, HeartbeatRTT)
		Registry.MustRegister(Offers, OffersResolved, Decisions)
		Registry.MustRegister(PollRequests, PollLatency)
		Registry.MustRegister(Notices, Alerts, LocationPosts, NetworkTransitions)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once

// Handler serves the agent registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

var sessionStates = []string{"disconnected", "connecting", "connected", "reconnecting", "failed"}

// SetSessionState flips the state gauge so exactly one label reads 1.
func SetSessionState(state string) {
	for _, s := range sessionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		SessionState.WithLabelValues(s).Set(v)
	}
}
