package registry

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes the optional Prometheus instrumentation mentioned
// in SPEC_FULL.md §2: a gauge tracking how many children the
// discovery index currently knows about, plus counters the restart
// and lifecycle engines bump directly (IncRestarts, IncEscalations).
// A Metrics value with a nil Registerer behaves like un-registered,
// purely in-memory counters — safe to use in tests without a real
// Prometheus registry.
type Metrics struct {
	children    prometheus.Gauge
	restarts    prometheus.Counter
	escalations prometheus.Counter
}

// NewMetrics creates and, if reg is non-nil, registers the
// parentsup_* Prometheus collectors under reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		children: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parentsup_children",
			Help: "Number of children currently tracked by the discovery index.",
		}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parentsup_restarts_total",
			Help: "Total number of restart events charged against any parent or child intensity ring.",
		}),
		escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parentsup_escalations_total",
			Help: "Total number of times a parent gave up and shut down due to restart intensity being exceeded.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.children, m.restarts, m.escalations)
	}
	return m
}

func (m *Metrics) IncChildren() { m.children.Inc() }
func (m *Metrics) DecChildren() { m.children.Dec() }
func (m *Metrics) SetChildren(n float64) { m.children.Set(n) }

// IncRestarts records a single restart event charged against the
// parent-wide intensity counter.
func (m *Metrics) IncRestarts() { m.restarts.Inc() }

// IncEscalations records the parent giving up because a restart
// intensity ceiling was exceeded — the only path by which the core
// forcibly terminates its owner.
func (m *Metrics) IncEscalations() { m.escalations.Inc() }
