package transmitter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var callsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "receptor_transmitter_calls_total",
	Help: "counter of transmitter API calls by organisation and outcome",
}, []string{"organisation", "outcome"})

var retriesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "receptor_transmitter_retries_total",
	Help: "counter of transmitter call retries by organisation",
}, []string{"organisation"})

var breakerOpenCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "receptor_transmitter_breaker_open_total",
	Help: "counter of circuit-breaker trips by organisation",
}, []string{"organisation"})

var callLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "receptor_transmitter_call_seconds",
	Help:    "histogram of transmitter call latency",
	Buckets: prometheus.DefBuckets,
}, []string{"organisation"})
