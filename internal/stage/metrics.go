package stage

import "github.com/prometheus/client_golang/prometheus"

var fallbackTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "chemd",
		Subsystem: "pipeline",
		Name:      "fallback_total",
		Help:      "Total secondary-stage invocations after primary failure",
	},
	[]string{"stage"},
)

func init() {
	prometheus.MustRegister(fallbackTotal)
}
