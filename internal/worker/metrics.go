package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bazaar",
		Subsystem: "worker",
		Name:      "requests_total",
		Help:      "Requests served by the deployment worker, by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})

	predictLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bazaar",
		Subsystem: "worker",
		Name:      "predict_latency_seconds",
		Help:      "End-to-end latency of the predict endpoint.",
		Buckets:   prometheus.DefBuckets,
	})

	updatesAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bazaar",
		Subsystem: "worker",
		Name:      "updates_appended_total",
		Help:      "Update-log records appended, by kind.",
	}, []string{"kind"})
)
