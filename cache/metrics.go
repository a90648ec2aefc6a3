package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports cache-level prometheus collectors. Optional: a Manager
// without Metrics skips all instrumentation.
type Metrics struct {
	hits   prometheus.Counter
	misses prometheus.Counter
	sets   prometheus.Counter
	errors prometheus.Counter
}

// NewMetrics builds and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "odooflow",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Cache reads served from a backend.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "odooflow",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Cache reads that fell through to the origin.",
		}),
		sets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "odooflow",
			Subsystem: "cache",
			Name:      "sets_total",
			Help:      "Cache writes.",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "odooflow",
			Subsystem: "cache",
			Name:      "errors_total",
			Help:      "Cache operations that failed at the backend.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.hits, m.misses, m.sets, m.errors)
	}
	return m
}

func (m *Metrics) observeGet(hit bool, err error) {
	if err != nil {
		m.errors.Inc()
		return
	}
	if hit {
		m.hits.Inc()
	} else {
		m.misses.Inc()
	}
}

func (m *Metrics) observeSet(err error) {
	if err != nil {
		m.errors.Inc()
		return
	}
	m.sets.Inc()
}
