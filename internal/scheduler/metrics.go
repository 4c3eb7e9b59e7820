package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	tasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chemd",
		Subsystem: "scheduler",
		Name:      "tasks_total",
		Help:      "Tasks reaching a terminal state, by outcome.",
	}, []string{"outcome"})

	queueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chemd",
		Subsystem: "scheduler",
		Name:      "queue_depth",
		Help:      "Tasks currently waiting for a worker.",
	})

	rejectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chemd",
		Subsystem: "scheduler",
		Name:      "rejections_total",
		Help:      "Submissions rejected because the queue was full.",
	})

	taskDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chemd",
		Subsystem: "scheduler",
		Name:      "task_duration_seconds",
		Help:      "Wall time from pickup to terminal state.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	})
)

func init() {
	prometheus.MustRegister(tasksTotal, queueDepthGauge, rejectionsTotal, taskDuration)
}
