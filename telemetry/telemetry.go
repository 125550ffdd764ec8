// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package telemetry exposes the supervisor's observable surface: a
// Prometheus registry rendered on /metrics and an in-memory go-metrics
// sink for the agent's own diagnostics endpoint. All writes are
// non-blocking in-memory updates; scrapes read a consistent snapshot.
package telemetry

import (
	"net/http"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hashicorp/argus/registry"
	"github.com/hashicorp/argus/stream"
	"github.com/hashicorp/argus/structs"
)

// probeDurationBuckets matches the latency range of LAN devices on the low
// end and cloud APIs on the high end.
var probeDurationBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10}

// domainGaugeLabels maps each driver-advertised gauge to its label set.
var domainGaugeLabels = map[string][]string{
	structs.GaugePlugPowerWatts:    {"id"},
	structs.GaugeSensorTemperature: {"id", "module"},
	structs.GaugeSensorCO2:         {"id", "module"},
	structs.GaugeSensorHumidity:    {"id", "module"},
	structs.GaugeRobotBattery:      {"id"},
}

// Config configures an Exporter.
type Config struct {
	Registry *registry.Registry
	Store    *stream.Store

	// InmemInterval and InmemRetention shape the go-metrics sink behind
	// the agent diagnostics endpoint.
	InmemInterval  time.Duration
	InmemRetention time.Duration
}

// Exporter maintains the metric families. It observes completed probe
// cycles and appended events; neither path blocks.
type Exporter struct {
	deviceRegistry *registry.Registry
	store          *stream.Store

	promRegistry *prometheus.Registry
	inmem        *metrics.InmemSink

	deviceUp      *prometheus.GaugeVec
	probeFailures *prometheus.CounterVec
	probeDuration *prometheus.HistogramVec
	eventsTotal   *prometheus.CounterVec
	domainGauges  map[string]*prometheus.GaugeVec
}

// NewExporter builds the exporter and registers every collector.
func NewExporter(cfg *Config) (*Exporter, error) {
	interval := cfg.InmemInterval
	if interval == 0 {
		interval = 10 * time.Second
	}
	retention := cfg.InmemRetention
	if retention == 0 {
		retention = time.Minute
	}

	inmem := metrics.NewInmemSink(interval, retention)
	mcfg := metrics.DefaultConfig("argus")
	mcfg.EnableHostname = false
	if _, err := metrics.NewGlobal(mcfg, inmem); err != nil {
		return nil, err
	}

	e := &Exporter{
		deviceRegistry: cfg.Registry,
		store:          cfg.Store,
		promRegistry:   prometheus.NewRegistry(),
		inmem:          inmem,
		deviceUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "device_up",
			Help: "1 when the device's health phase is ok, otherwise 0.",
		}, []string{"id", "category", "driver"}),
		probeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "device_probe_failures_total",
			Help: "Classified probe failures per device.",
		}, []string{"id", "cause"}),
		probeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "device_probe_duration_seconds",
			Help:    "Wall time of each probe.",
			Buckets: probeDurationBuckets,
		}, []string{"id"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "events_total",
			Help: "Events appended to the store.",
		}, []string{"severity", "category"}),
		domainGauges: map[string]*prometheus.GaugeVec{},
	}

	for name, labels := range domainGaugeLabels {
		e.domainGauges[name] = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: name,
			Help: "Driver-advertised domain gauge.",
		}, labels)
	}

	collectors := []prometheus.Collector{
		e.deviceUp, e.probeFailures, e.probeDuration, e.eventsTotal,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "event_store_size",
			Help: "Events currently retained by the store.",
		}, func() float64 { return float64(e.store.Size()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "events_unacknowledged",
			Help:        "Unacknowledged events by severity.",
			ConstLabels: prometheus.Labels{"severity": string(structs.SeverityWarning)},
		}, func() float64 {
			return float64(e.store.UnacknowledgedCounts()[structs.SeverityWarning])
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "events_unacknowledged",
			Help:        "Unacknowledged events by severity.",
			ConstLabels: prometheus.Labels{"severity": string(structs.SeverityAlarm)},
		}, func() float64 {
			return float64(e.store.UnacknowledgedCounts()[structs.SeverityAlarm])
		}),
	}
	for _, g := range e.domainGauges {
		collectors = append(collectors, g)
	}
	for _, c := range collectors {
		if err := e.promRegistry.Register(c); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Handler serves the Prometheus text exposition.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.promRegistry, promhttp.HandlerOpts{})
}

// Inmem exposes the go-metrics sink for the agent diagnostics endpoint.
func (e *Exporter) Inmem() *metrics.InmemSink {
	return e.inmem
}

// ReadingRecorded folds one probe cycle into the metric families. Domain
// gauges publish only when the driver advertises them.
func (e *Exporter) ReadingRecorded(desc *structs.DeviceDescriptor, r *structs.Reading, phase structs.HealthPhase) {
	up := 0.0
	if phase == structs.HealthOK {
		up = 1
	}
	e.deviceUp.WithLabelValues(desc.ID, string(desc.Category), desc.Driver).Set(up)
	e.probeDuration.WithLabelValues(desc.ID).Observe(r.Duration.Seconds())
	metrics.MeasureSinceWithLabels([]string{"probe", "duration"}, time.Now().Add(-r.Duration),
		[]metrics.Label{{Name: "device_id", Value: desc.ID}})

	if !r.OK() {
		e.probeFailures.WithLabelValues(desc.ID, string(r.Failure.Cause)).Inc()
		metrics.IncrCounterWithLabels([]string{"probe", "failures"}, 1,
			[]metrics.Label{{Name: "cause", Value: string(r.Failure.Cause)}})
		return
	}
	if r.Payload == nil {
		return
	}

	handle, err := e.deviceRegistry.Lookup(desc.ID)
	if err != nil {
		return
	}
	caps := handle.Driver().Describe()
	for _, sample := range r.Payload.Samples() {
		if !caps.HasGauge(sample.Name) {
			continue
		}
		gauge, known := e.domainGauges[sample.Name]
		if !known {
			continue
		}
		labels := prometheus.Labels{"id": desc.ID}
		for _, extra := range domainGaugeLabels[sample.Name][1:] {
			labels[extra] = sample.Labels[extra]
		}
		gauge.With(labels).Set(sample.Value)
	}
}

// EventAppended counts one stored event.
func (e *Exporter) EventAppended(ev *structs.Event) {
	e.eventsTotal.WithLabelValues(string(ev.Severity), ev.Category).Inc()
	metrics.IncrCounterWithLabels([]string{"events", "appended"}, 1,
		[]metrics.Label{{Name: "severity", Value: string(ev.Severity)}})
}

// DeviceRemoved drops a removed device's series so a reload does not leave
// stale gauges behind.
func (e *Exporter) DeviceRemoved(id string) {
	match := prometheus.Labels{"id": id}
	e.deviceUp.DeletePartialMatch(match)
	e.probeFailures.DeletePartialMatch(match)
	e.probeDuration.DeletePartialMatch(match)
	for _, g := range e.domainGauges {
		g.DeletePartialMatch(match)
	}
}
