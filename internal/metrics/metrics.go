// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics holds the Prometheus collectors exposed by the
// introspection HTTP surface, per spec.md section 6.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every fleetwatch Prometheus collector.
type Metrics struct {
	PositionsIngested *prometheus.CounterVec
	DecodeErrors      *prometheus.CounterVec
	UnknownDevice     *prometheus.CounterVec

	AlertsFired      *prometheus.CounterVec
	NotificationSent *prometheus.CounterVec
	NotificationFail *prometheus.CounterVec

	BusDropped      prometheus.Counter
	BusSubscribers  prometheus.Gauge
	DevicesOnline   prometheus.Gauge
	CommandsPending prometheus.Gauge
}

// New constructs a Metrics with every collector initialized but not yet
// registered.
func New() *Metrics {
	return &Metrics{
		PositionsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetwatch_positions_ingested_total",
			Help: "Total number of normalized positions processed, by protocol.",
		}, []string{"protocol"}),

		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetwatch_decode_errors_total",
			Help: "Total number of malformed frames encountered, by protocol.",
		}, []string{"protocol"}),

		UnknownDevice: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetwatch_unknown_device_total",
			Help: "Total number of positions dropped for an unregistered IMEI, by protocol.",
		}, []string{"protocol"}),

		AlertsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetwatch_alerts_fired_total",
			Help: "Total number of alerts fired, by module.",
		}, []string{"module"}),

		NotificationSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetwatch_notifications_sent_total",
			Help: "Total number of notifications successfully delivered, by channel.",
		}, []string{"channel"}),

		NotificationFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetwatch_notifications_failed_total",
			Help: "Total number of notification deliveries that failed, by channel.",
		}, []string{"channel"}),

		BusDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetwatch_bus_dropped_total",
			Help: "Total number of realtime bus messages dropped for a slow subscriber.",
		}),

		BusSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetwatch_bus_subscribers",
			Help: "Current number of realtime bus subscribers.",
		}),

		DevicesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetwatch_devices_online",
			Help: "Current number of devices with a bound gateway connection.",
		}),

		CommandsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetwatch_commands_pending",
			Help: "Current number of queued downlink commands awaiting delivery.",
		}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.PositionsIngested.Describe(ch)
	m.DecodeErrors.Describe(ch)
	m.UnknownDevice.Describe(ch)
	m.AlertsFired.Describe(ch)
	m.NotificationSent.Describe(ch)
	m.NotificationFail.Describe(ch)
	m.BusDropped.Describe(ch)
	m.BusSubscribers.Describe(ch)
	m.DevicesOnline.Describe(ch)
	m.CommandsPending.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.PositionsIngested.Collect(ch)
	m.DecodeErrors.Collect(ch)
	m.UnknownDevice.Collect(ch)
	m.AlertsFired.Collect(ch)
	m.NotificationSent.Collect(ch)
	m.NotificationFail.Collect(ch)
	m.BusDropped.Collect(ch)
	m.BusSubscribers.Collect(ch)
	m.DevicesOnline.Collect(ch)
	m.CommandsPending.Collect(ch)
}

// Register registers m with the default Prometheus registry.
func (m *Metrics) Register() {
	prometheus.MustRegister(m)
}
