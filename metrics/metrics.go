// Package metrics holds the Prometheus collectors for the zone host.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the daemon exports. Build one per process
// with New; tests pass their own registry so repeated construction never
// panics on duplicate registration.
type Metrics struct {
	// IPC metrics
	PeersConnected prometheus.Gauge
	CallsTotal     *prometheus.CounterVec
	CallDuration   *prometheus.HistogramVec
	Disconnects    prometheus.Counter

	// Zone metrics
	ZonesRunning  prometheus.Gauge
	FocusSwitches prometheus.Counter
	Notifications prometheus.Counter
	FileMoves     *prometheus.CounterVec
	ProxyCalls    *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		startTime: time.Now(),

		PeersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "zoned_ipc_peers_connected",
			Help: "Number of currently connected IPC peers",
		}),
		CallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zoned_ipc_calls_total",
			Help: "Total number of dispatched method calls",
		}, []string{"method", "status"}),
		CallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zoned_ipc_call_duration_seconds",
			Help:    "Method handler duration in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method"}),
		Disconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "zoned_ipc_disconnects_total",
			Help: "Total number of peer disconnects",
		}),

		ZonesRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "zoned_zones_running",
			Help: "Number of zones currently running",
		}),
		FocusSwitches: factory.NewCounter(prometheus.CounterOpts{
			Name: "zoned_zones_focus_switches_total",
			Help: "Total number of foreground switches",
		}),
		Notifications: factory.NewCounter(prometheus.CounterOpts{
			Name: "zoned_zones_notifications_total",
			Help: "Total number of notifications forwarded to the active zone",
		}),
		FileMoves: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zoned_zones_file_moves_total",
			Help: "Total number of brokered file moves",
		}, []string{"status"}),
		ProxyCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zoned_zones_proxy_calls_total",
			Help: "Total number of brokered proxy calls",
		}, []string{"status"}),

		Uptime: factory.NewGauge(prometheus.GaugeOpts{
			Name: "zoned_uptime_seconds",
			Help: "Daemon uptime in seconds",
		}),
	}
	go m.updateUptime()
	return m
}

func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordCall records one dispatched method call.
func (m *Metrics) RecordCall(method, status string, duration time.Duration) {
	m.CallsTotal.WithLabelValues(method, status).Inc()
	m.CallDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordDisconnect counts one peer disconnect.
func (m *Metrics) RecordDisconnect() {
	m.Disconnects.Inc()
	m.PeersConnected.Dec()
}

// RecordConnect counts one peer connect.
func (m *Metrics) RecordConnect() {
	m.PeersConnected.Inc()
}

// SetZonesRunning sets the running-zone gauge.
func (m *Metrics) SetZonesRunning(n int) {
	m.ZonesRunning.Set(float64(n))
}

// RecordFocusSwitch counts one foreground switch.
func (m *Metrics) RecordFocusSwitch() {
	m.FocusSwitches.Inc()
}

// RecordNotification counts one forwarded notification.
func (m *Metrics) RecordNotification() {
	m.Notifications.Inc()
}

// RecordFileMove counts one brokered file move by outcome.
func (m *Metrics) RecordFileMove(status string) {
	m.FileMoves.WithLabelValues(status).Inc()
}

// RecordProxyCall counts one brokered proxy call by outcome.
func (m *Metrics) RecordProxyCall(status string) {
	m.ProxyCalls.WithLabelValues(status).Inc()
}

// Handler serves the registry in Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
