package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Entity metrics
	EntityState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kodegend_entity_state",
			Help: "Current lifecycle state per entity (1 = in this state)",
		},
		[]string{"entity", "state"},
	)

	RestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kodegend_restarts_total",
			Help: "Total restarts scheduled per entity",
		},
		[]string{"entity"},
	)

	HealthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kodegend_health_checks_total",
			Help: "Health check results per entity",
		},
		[]string{"entity", "result"},
	)

	// Fleet metrics
	FleetMembersRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kodegend_fleet_members_running",
			Help: "Number of fleet members currently running",
		},
	)

	// Bus metrics
	BusEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kodegend_bus_events_total",
			Help: "Events consumed from the bus by type",
		},
		[]string{"type"},
	)

	BusDropped = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kodegend_bus_dropped_total",
			Help: "Best-effort events dropped on a full bus",
		},
	)
)

var states = []string{"stopped", "starting", "running", "stopping", "failed"}

func init() {
	prometheus.MustRegister(
		EntityState,
		RestartsTotal,
		HealthChecksTotal,
		FleetMembersRunning,
		BusEventsTotal,
		BusDropped,
	)
}

// RecordState marks entity as being in state, clearing the other state gauges
func RecordState(entity, state string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1.0
		}
		EntityState.WithLabelValues(entity, s).Set(v)
	}
}

// RecordRestart counts one scheduled restart for entity
func RecordRestart(entity string) {
	RestartsTotal.WithLabelValues(entity).Inc()
}

// RecordHealthCheck counts one health probe outcome for entity
func RecordHealthCheck(entity string, healthy bool) {
	result := "healthy"
	if !healthy {
		result = "unhealthy"
	}
	HealthChecksTotal.WithLabelValues(entity, result).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
