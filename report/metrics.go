package report

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "receptor_jobs_processed_total",
	Help: "Sync jobs terminated, by outcome and organisation.",
}, []string{"outcome", "organisation"})

var jobErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "receptor_job_errors_total",
	Help: "Sync job failures, by error kind and organisation.",
}, []string{"kind", "organisation"})

var jobLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "receptor_job_seconds",
	Help:    "End-to-end sync job latency.",
	Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
}, []string{"organisation"})
