package realtime

import "github.com/prometheus/client_golang/prometheus"

// Gateway collectors. Gauges move by deltas so several hubs in one process
// (tests) keep them consistent.
var (
	wsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_active",
		Help: "Currently open WebSocket connections.",
	})

	wsRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_rooms_active",
		Help: "User rooms with at least one member.",
	})

	wsDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_deliveries_total",
		Help: "Per-connection broadcast attempts by outcome (queued|dropped).",
	}, []string{"outcome"})

	wsTransportErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_transport_errors_total",
		Help: "Transport failures by operation (read|write|ping|upgrade).",
	}, []string{"op"})

	notificationsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_published_total",
		Help: "Notifications handed to the gateway, by type.",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(wsConnections, wsRooms, wsDeliveries, wsTransportErrors, notificationsPublished)
}

const (
	outcomeQueued  = "queued"
	outcomeDropped = "dropped"
)
