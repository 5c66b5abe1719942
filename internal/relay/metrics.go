package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts processed events and their outcomes. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry
	events   *prometheus.CounterVec
	outcomes *prometheus.CounterVec
}

// NewMetrics creates the relay collectors on a dedicated registry. The
// routing entries gauge reads routes on every scrape.
func NewMetrics(routes *RoutingTable) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_total",
			Help: "Inbound events by routing decision.",
		}, []string{"kind"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_outcomes_total",
			Help: "Relay engine results by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(m.events, m.outcomes)
	if routes != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "relay_routing_entries",
			Help: "Forwarded messages the administrator can still reply to.",
		}, func() float64 { return float64(routes.Len()) }))
	}
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveEvent counts one inbound event of the given kind.
func (m *Metrics) ObserveEvent(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

// ObserveOutcome counts one engine result.
func (m *Metrics) ObserveOutcome(o Outcome) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(o.String()).Inc()
}
