package worker

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "workerbee",
			Subsystem: "jobs",
			Name:      "total",
			Help:      "Jobs served, by outcome",
		},
		[]string{"outcome"},
	)

	jobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "workerbee",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Wall time per job, including any model load it triggered",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	modelLoadsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "workerbee",
			Subsystem: "slot",
			Name:      "model_loads_total",
			Help:      "Completed model loads (slot swaps)",
		},
	)

	connectedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "workerbee",
			Subsystem: "coordinator",
			Name:      "connected",
			Help:      "1 while a coordinator connection is established",
		},
	)

	connectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "workerbee",
			Subsystem: "coordinator",
			Name:      "connects_total",
			Help:      "Successful coordinator connections (handshakes sent)",
		},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal, jobDuration, modelLoadsTotal, connectedGauge, connectsTotal)
}
