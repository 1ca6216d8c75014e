package collector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the collector's Prometheus instruments.
type Metrics struct {
	ConnectedClients prometheus.Gauge
	MessagesTotal    *prometheus.CounterVec
	RejectedTotal    prometheus.Counter
	ErrorsTotal      *prometheus.CounterVec

	HeartbeatPongsTotal        prometheus.Counter
	HeartbeatTerminationsTotal prometheus.Counter
}

// NewMetrics creates the instruments and registers them with reg. A nil
// reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectedClients: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "devrelay_collector_connected_clients",
				Help: "Number of relay clients currently connected",
			},
		),
		MessagesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devrelay_collector_messages_total",
				Help: "Total number of envelopes received",
			},
			[]string{"type"},
		),
		RejectedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "devrelay_collector_rejected_connections_total",
				Help: "Total number of connections refused because the collector was full",
			},
		),
		ErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devrelay_collector_errors_total",
				Help: "Total number of client and server errors",
			},
			[]string{"kind"}, // kind: invalid_json, connection, server
		),
		HeartbeatPongsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "devrelay_collector_heartbeat_pongs_total",
				Help: "Total number of heartbeat pings answered by clients",
			},
		),
		HeartbeatTerminationsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "devrelay_collector_heartbeat_terminations_total",
				Help: "Total number of clients dropped for missing a heartbeat",
			},
		),
	}
}
