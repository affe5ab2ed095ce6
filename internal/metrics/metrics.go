// Package metrics collects and exposes Prometheus metrics for sysmqtt.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sysmqtt/sysmqtt/internal/events"
)

// Collector holds all sysmqtt-specific Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	// MQTT session metrics.
	MQTTConnectsTotal    prometheus.Counter
	MQTTDisconnectsTotal prometheus.Counter
	MQTTPublishTotal     *prometheus.CounterVec

	// Inbound action metrics.
	ActionsTotal      *prometheus.CounterVec
	ActionErrorsTotal *prometheus.CounterVec

	// Host state metrics.
	UnitState          *prometheus.GaugeVec
	PreparingShutdown  prometheus.Gauge
	InhibitorHeld      prometheus.Gauge

	BuildInfo *prometheus.GaugeVec
}

// unitStateCodes maps systemd ActiveState strings to gauge values.
// Unknown states report as 0.
var unitStateCodes = map[string]float64{
	"active":       1,
	"reloading":    2,
	"inactive":     3,
	"failed":       4,
	"activating":   5,
	"deactivating": 6,
}

// New creates and registers all sysmqtt metrics.
func New() *Collector {
	reg := prometheus.NewRegistry()

	// Register default Go runtime metrics.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collector{
		registry: reg,

		MQTTConnectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sysmqtt_mqtt_connects_total",
				Help: "Total number of successful MQTT (re)connects.",
			},
		),

		MQTTDisconnectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sysmqtt_mqtt_disconnects_total",
				Help: "Total number of unexpected MQTT connection losses.",
			},
		),

		MQTTPublishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sysmqtt_mqtt_publish_total",
				Help: "Total number of MQTT publish attempts.",
			},
			[]string{"result"},
		),

		ActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sysmqtt_actions_total",
				Help: "Total number of dispatched MQTT command messages.",
			},
			[]string{"action"},
		),

		ActionErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sysmqtt_action_errors_total",
				Help: "Total number of failed action dispatches.",
			},
			[]string{"action"},
		),

		UnitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sysmqtt_unit_active_state",
				Help: "ActiveState of a monitored unit (numeric state code).",
			},
			[]string{"unit"},
		),

		PreparingShutdown: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sysmqtt_preparing_for_shutdown",
				Help: "1 while logind reports shutdown preparation.",
			},
		),

		InhibitorHeld: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sysmqtt_shutdown_inhibitor_held",
				Help: "1 while the delay shutdown inhibitor is held.",
			},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sysmqtt_info",
				Help: "Build information about sysmqtt.",
			},
			[]string{"version", "go_version"},
		),
	}

	reg.MustRegister(
		c.MQTTConnectsTotal,
		c.MQTTDisconnectsTotal,
		c.MQTTPublishTotal,
		c.ActionsTotal,
		c.ActionErrorsTotal,
		c.UnitState,
		c.PreparingShutdown,
		c.InhibitorHeld,
		c.BuildInfo,
	)

	return c
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SetBuildInfo sets the constant build info gauge.
func (c *Collector) SetBuildInfo(version, goVersion string) {
	c.BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// SetUnitState updates the state gauge for a unit.
func (c *Collector) SetUnitState(unit, state string) {
	c.UnitState.WithLabelValues(unit).Set(unitStateCodes[state])
}

// Observe subscribes the collector to bridge events. All metric updates
// flow through the event bus so components stay metric-agnostic.
func (c *Collector) Observe(bus *events.Bus) {
	bus.Subscribe(events.MQTTConnected, func(events.Event) {
		c.MQTTConnectsTotal.Inc()
	})
	bus.Subscribe(events.MQTTDisconnected, func(events.Event) {
		c.MQTTDisconnectsTotal.Inc()
	})
	bus.Subscribe(events.MQTTPublished, func(e events.Event) {
		c.MQTTPublishTotal.WithLabelValues(e.Data["result"]).Inc()
	})
	bus.Subscribe(events.ActionDispatched, func(e events.Event) {
		c.ActionsTotal.WithLabelValues(e.Data["action"]).Inc()
	})
	bus.Subscribe(events.ActionFailed, func(e events.Event) {
		c.ActionErrorsTotal.WithLabelValues(e.Data["action"]).Inc()
	})
	bus.Subscribe(events.UnitStateChanged, func(e events.Event) {
		c.SetUnitState(e.Data["unit"], e.Data["state"])
	})
	bus.Subscribe(events.ShutdownPreparing, func(e events.Event) {
		if e.Data["active"] == "true" {
			c.PreparingShutdown.Set(1)
		} else {
			c.PreparingShutdown.Set(0)
		}
	})
	bus.Subscribe(events.InhibitorAcquired, func(events.Event) {
		c.InhibitorHeld.Set(1)
	})
	bus.Subscribe(events.InhibitorReleased, func(events.Event) {
		c.InhibitorHeld.Set(0)
	})
}
