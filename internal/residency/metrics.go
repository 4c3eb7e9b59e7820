package residency

import "github.com/prometheus/client_golang/prometheus"

var (
	loadsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chemd",
		Subsystem: "residency",
		Name:      "loads_total",
		Help:      "Total model loads",
	})

	evictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chemd",
		Subsystem: "residency",
		Name:      "evictions_total",
		Help:      "Total models evicted to free memory",
	})

	residentModels = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chemd",
		Subsystem: "residency",
		Name:      "resident_models",
		Help:      "Number of currently resident models",
	})

	residentMB = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chemd",
		Subsystem: "residency",
		Name:      "resident_megabytes",
		Help:      "Estimated memory held by resident models in MB",
	})
)

func init() {
	prometheus.MustRegister(loadsTotal, evictionsTotal, residentModels, residentMB)
}

func (m *Manager) updateGauges() {
	m.mu.Lock()
	residentModels.Set(float64(len(m.entries)))
	residentMB.Set(float64(m.usedMB))
	m.mu.Unlock()
}
