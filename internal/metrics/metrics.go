package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "questrelay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "questrelay_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Room metrics
	RoomsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "questrelay_rooms_active",
			Help: "Rooms currently resident in memory",
		},
		[]string{"role"},
	)

	ConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "questrelay_connections_open",
			Help: "Open WebSocket connections",
		},
		[]string{"role"},
	)

	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "questrelay_auth_failures_total",
			Help: "Requests and connections rejected by the auth gate",
		},
		[]string{"role", "kind"}, // "request" or "connect"
	)

	// Business metrics
	ChatMessagesAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "questrelay_chat_messages_appended_total",
			Help: "Messages appended to deal room chains",
		},
	)

	IntegrityDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "questrelay_integrity_drops_total",
			Help: "Chat frames dropped for failing signature verification",
		},
	)

	NotificationsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "questrelay_notifications_delivered_total",
			Help: "Notifications stored in user mailboxes",
		},
		[]string{"kind"},
	)

	DealJoins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "questrelay_deal_joins_total",
			Help: "Deal room join attempts",
		},
		[]string{"result"}, // "joined", "repeat", "forbidden", "error"
	)

	PresenceOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "questrelay_presence_online",
			Help: "Addresses in the canonical presence set",
		},
	)

	// Reconciliation metrics
	SweepRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "questrelay_sweep_runs_total",
			Help: "Presence reconciliation sweeps executed",
		},
	)

	SweepRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "questrelay_sweep_removed_total",
			Help: "Addresses removed from presence by reconciliation",
		},
	)

	SweepFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "questrelay_sweep_failures_total",
			Help: "Per-address user room queries that failed during a sweep",
		},
	)

	// Infrastructure metrics
	LedgerLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "questrelay_ledger_latency_seconds",
			Help:    "Ledger RPC latency",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	StorageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "questrelay_storage_latency_seconds",
			Help:    "Room storage operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		},
		[]string{"driver", "op"},
	)
)
