// Package slo tracks the service level objectives of the resilience
// infrastructure as Prometheus gauges.
package slo

import (
	"math"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SLO targets define the objectives the resilience layer itself must meet.
const (
	// RecoverySuccessSLO is the minimum share of recovery attempts that succeed.
	RecoverySuccessSLO = 0.95

	// EventDeliverySLO is the minimum share of accepted events that reach the bus.
	EventDeliverySLO = 0.99

	// CircuitAvailabilitySLO is the minimum share of breakers that are closed.
	CircuitAvailabilitySLO = 0.90

	// PublishOverheadSLO is the maximum average publish cost in seconds (1ms).
	PublishOverheadSLO = 0.001
)

// Measurement is one evaluation of the objectives.
type Measurement struct {
	RecoverySuccess     float64
	EventDelivery       float64
	CircuitAvailability float64
	PublishOverhead     float64 // seconds
}

// Violation names an objective that was missed.
type Violation struct {
	Objective string
	Current   float64
	Target    float64
}

// Violations returns the objectives m misses.
func (m Measurement) Violations() []Violation {
	var v []Violation
	if m.RecoverySuccess < RecoverySuccessSLO {
		v = append(v, Violation{"recovery_success", m.RecoverySuccess, RecoverySuccessSLO})
	}
	if m.EventDelivery < EventDeliverySLO {
		v = append(v, Violation{"event_delivery", m.EventDelivery, EventDeliverySLO})
	}
	if m.CircuitAvailability < CircuitAvailabilitySLO {
		v = append(v, Violation{"circuit_availability", m.CircuitAvailability, CircuitAvailabilitySLO})
	}
	if m.PublishOverhead > PublishOverheadSLO {
		v = append(v, Violation{"publish_overhead", m.PublishOverhead, PublishOverheadSLO})
	}
	return v
}

// Ratio returns good/total, or 1 when nothing was measured.
func Ratio(good, total int64) float64 {
	if total <= 0 {
		return 1
	}
	r := float64(good) / float64(total)
	return math.Max(0, math.Min(1, r))
}

// Gauges are the SLO tracking metrics. They are updated periodically by the
// metrics reporter.
type Gauges struct {
	// RecoverySuccess tracks the recovery success ratio (0-1)
	RecoverySuccess prometheus.Gauge

	// EventDelivery tracks published / (published + dropped + failed)
	EventDelivery prometheus.Gauge

	// CircuitAvailability tracks closed breakers / all breakers
	CircuitAvailability prometheus.Gauge

	// PublishOverhead tracks the average publish cost in seconds
	PublishOverhead prometheus.Gauge
}

// New creates the gauges on reg. A nil reg gets a fresh registry.
func New(reg prometheus.Registerer) *Gauges {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Gauges{
		RecoverySuccess: factory.NewGauge(prometheus.GaugeOpts{
			Name: "slo_recovery_success_ratio",
			Help: "Current recovery success ratio (0-1), target: 0.95",
		}),
		EventDelivery: factory.NewGauge(prometheus.GaugeOpts{
			Name: "slo_event_delivery_ratio",
			Help: "Current resilience event delivery ratio (0-1), target: 0.99",
		}),
		CircuitAvailability: factory.NewGauge(prometheus.GaugeOpts{
			Name: "slo_circuit_availability_ratio",
			Help: "Current share of closed circuit breakers (0-1), target: 0.90",
		}),
		PublishOverhead: factory.NewGauge(prometheus.GaugeOpts{
			Name: "slo_publish_overhead_seconds",
			Help: "Current average event publish overhead in seconds, target: 0.001",
		}),
	}
}

// Update sets every gauge and returns the violated objectives.
func (g *Gauges) Update(m Measurement) []Violation {
	g.RecoverySuccess.Set(m.RecoverySuccess)
	g.EventDelivery.Set(m.EventDelivery)
	g.CircuitAvailability.Set(m.CircuitAvailability)
	g.PublishOverhead.Set(m.PublishOverhead)
	return m.Violations()
}
