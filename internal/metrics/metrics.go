// Package metrics exposes the master's operational gauges and counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector so components receive one handle at
// bootstrap instead of reaching for process globals.
type Metrics struct {
	registry *prometheus.Registry

	NodesOnline       prometheus.Gauge
	NodesOffline      prometheus.Gauge
	NodesDegraded     prometheus.Gauge
	QueueHighWater    *prometheus.GaugeVec
	SubscriberCount   prometheus.Gauge
	SlowConsumers     prometheus.Counter
	BusDroppedFrames  prometheus.Counter
	HistorianSpill    prometheus.Gauge
	HistorianDropped  prometheus.Counter
	HistorianFlushErr prometheus.Counter
	AlarmsActive      *prometheus.GaugeVec
	AuthFailures      prometheus.Counter
	SecurityEvents    *prometheus.CounterVec
	SBOSessionsArmed  prometheus.Gauge
}

// New builds a fresh registry with all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		NodesOnline: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scada_nodes_online",
			Help: "Nodes with link state Connected or Degraded.",
		}),
		NodesOffline: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scada_nodes_offline",
			Help: "Nodes with link state Offline.",
		}),
		NodesDegraded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scada_nodes_degraded",
			Help: "Nodes with link state Degraded.",
		}),
		QueueHighWater: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scada_queue_high_water",
			Help: "High-water mark per named bounded queue.",
		}, []string{"queue"}),
		SubscriberCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scada_dashboard_subscribers",
			Help: "Currently subscribed dashboard clients.",
		}),
		SlowConsumers: factory.NewCounter(prometheus.CounterOpts{
			Name: "scada_slow_consumers_total",
			Help: "Subscribers that overflowed their outbound queue.",
		}),
		BusDroppedFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "scada_bus_dropped_frames_total",
			Help: "Fan-out frames dropped in favour of a resync sentinel.",
		}),
		HistorianSpill: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scada_historian_spill_rows",
			Help: "Rows currently held in the historian spillover buffer.",
		}),
		HistorianDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "scada_historian_dropped_rows_total",
			Help: "Historian rows dropped after the spillover buffer filled.",
		}),
		HistorianFlushErr: factory.NewCounter(prometheus.CounterOpts{
			Name: "scada_historian_flush_errors_total",
			Help: "Failed historian flush attempts.",
		}),
		AlarmsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scada_alarms_active",
			Help: "Active alarms by severity.",
		}, []string{"severity"}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "scada_auth_failures_total",
			Help: "Failed login attempts.",
		}),
		SecurityEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scada_security_events_total",
			Help: "Security events by type.",
		}, []string{"type"}),
		SBOSessionsArmed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scada_sbo_sessions_armed",
			Help: "Currently armed select-before-operate sessions.",
		}),
	}
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
