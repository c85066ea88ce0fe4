// Package metrics declares the Prometheus collectors exported by the primary
// and worker processes on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Route outcomes for MessagesRouted.
const (
	RouteLocal     = "local"
	RouteForwarded = "forwarded"
	RouteDropped   = "dropped"
)

var (
	// Client transport
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signalhub_ws_connections_active",
		Help: "The current number of open client connections on this process.",
	})
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalhub_ws_connections_total",
		Help: "The total number of client connections accepted.",
	})
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalhub_ws_messages_received_total",
		Help: "Client frames received and parsed.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalhub_ws_malformed_frames_total",
		Help: "Client frames dropped because they could not be parsed.",
	})

	// Routing
	MessagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalhub_messages_routed_total",
		Help: "Per-recipient routing decisions.",
	}, []string{"outcome"})
	Broadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalhub_broadcasts_total",
		Help: "Broadcasts initiated by clients.",
	}, []string{"scope"})

	// IPC
	IPCMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalhub_ipc_messages_total",
		Help: "IPC envelopes sent or received.",
	}, []string{"direction", "type"})
	IPCDecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalhub_ipc_decode_errors_total",
		Help: "IPC envelopes dropped because they could not be decoded.",
	})
	WorkersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signalhub_workers_connected",
		Help: "Workers with a live IPC link to the primary.",
	})

	// Workflow
	Registrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalhub_registrations_total",
		Help: "Username registration outcomes.",
	}, []string{"result"})
	GroupChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalhub_group_changes_total",
		Help: "Group join and leave outcomes.",
	}, []string{"op", "result"})
	UsersRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signalhub_users_registered",
		Help: "Users currently registered at the primary.",
	})

	// HTTP
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalhub_http_requests_total",
		Help: "Query API requests.",
	}, []string{"method", "route", "status"})
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "signalhub_http_request_duration_seconds",
		Help:    "Query API request duration.",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"method", "route"})
)
