package proxypool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// healthyEndpoints tracks how many pool endpoints are currently healthy.
	healthyEndpoints = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbound_proxy_healthy_endpoints",
			Help: "Number of healthy proxy endpoints in the pool",
		},
	)

	// probesTotal counts connectivity probes by result.
	probesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_proxy_probes_total",
			Help: "Total number of proxy connectivity probes",
		},
		[]string{"result"}, // "success", "failure"
	)

	// probeDuration tracks probe round-trip time for successful probes.
	probeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outbound_proxy_probe_duration_seconds",
			Help:    "Round-trip time of successful proxy connectivity probes",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	// rotationsTotal counts rotations of the current selection, timed and
	// failure-triggered alike.
	rotationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbound_proxy_rotations_total",
			Help: "Total number of proxy rotations",
		},
	)
)
