package finalize

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes orchestrator counters. A nil *Metrics records nothing.
type Metrics struct {
	ticks    *prometheus.CounterVec
	stages   *prometheus.CounterVec
	stores   *prometheus.CounterVec
	inFlight prometheus.Gauge
}

// NewMetrics registers the orchestrator collectors with reg, reusing collectors
// that are already registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filify",
			Subsystem: "finalizer",
			Name:      "ticks_total",
			Help:      "Polling ticks by result",
		}, []string{"result"}),
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filify",
			Subsystem: "finalizer",
			Name:      "stage_outcomes_total",
			Help:      "Pipeline stage outcomes",
		}, []string{"stage", "outcome"}),
		stores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filify",
			Subsystem: "finalizer",
			Name:      "store_errors_total",
			Help:      "Cooldown and transaction journal failures by operation",
		}, []string{"op"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "filify",
			Subsystem: "finalizer",
			Name:      "in_flight",
			Help:      "Deployments currently being finalized",
		}),
	}
	m.ticks = registerCounterVec(reg, m.ticks)
	m.stages = registerCounterVec(reg, m.stages)
	m.stores = registerCounterVec(reg, m.stores)
	if err := reg.Register(m.inFlight); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				m.inFlight = existing
			}
		}
	}
	return m
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) tick(result TickResult) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(string(result)).Inc()
}

func (m *Metrics) stage(stage Stage, outcome string) {
	if m == nil {
		return
	}
	m.stages.WithLabelValues(string(stage), outcome).Inc()
}

func (m *Metrics) storeError(op string) {
	if m == nil {
		return
	}
	m.stores.WithLabelValues(op).Inc()
}

func (m *Metrics) enter() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) leave() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}
