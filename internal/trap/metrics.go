package trap

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. They live on an
// explicit registry so several engines (or tests) never collide.
type Metrics struct {
	Registry *prometheus.Registry

	sessions      *prometheus.CounterVec
	credentials   *prometheus.CounterVec
	commands      *prometheus.CounterVec
	techniques    *prometheus.CounterVec
	intel         *prometheus.CounterVec
	intelFiltered prometheus.Counter
	servicesUp    *prometheus.GaugeVec

	activeMu sync.RWMutex
	activeFn func() int
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// gets a fresh registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		Registry: reg,
		sessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "honeytrap_sessions_total",
				Help: "Total completed decoy sessions",
			},
			[]string{"service"},
		),
		credentials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "honeytrap_credential_attempts_total",
				Help: "Total credential attempts captured",
			},
			[]string{"service"},
		),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "honeytrap_commands_total",
				Help: "Total commands and requests captured",
			},
			[]string{"service"},
		),
		techniques: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "honeytrap_techniques_total",
				Help: "MITRE techniques tagged on completed sessions",
			},
			[]string{"technique"},
		),
		intel: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "honeytrap_intel_records_total",
				Help: "Intelligence records built",
			},
			[]string{"attack_type"},
		),
		intelFiltered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "honeytrap_intel_filtered_total",
				Help: "Sessions excluded from intelligence (private source or too little activity)",
			},
		),
		servicesUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "honeytrap_service_up",
				Help: "Whether a decoy service is listening",
			},
			[]string{"service"},
		),
	}
	active := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "honeytrap_active_sessions",
			Help: "Sessions currently connected",
		},
		func() float64 {
			m.activeMu.RLock()
			defer m.activeMu.RUnlock()
			if m.activeFn == nil {
				return 0
			}
			return float64(m.activeFn())
		},
	)
	reg.MustRegister(m.sessions, m.credentials, m.commands, m.techniques, m.intel, m.intelFiltered, m.servicesUp, active)
	return m
}

// setActiveSource points the active-sessions gauge at the current engine.
func (m *Metrics) setActiveSource(fn func() int) {
	m.activeMu.Lock()
	m.activeFn = fn
	m.activeMu.Unlock()
}
