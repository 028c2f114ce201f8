package dataplane

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// packetsProcessed counts packets leaving each stage, by the reason they were dropped for
	// ("none" when they go on).
	packetsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpcnat",
		Name:      "packets_processed_total",
		Help:      "Total packets handled by each pipeline stage.",
	}, []string{"stage", "done"})

	configBuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpcnat",
		Name:      "config_builds_total",
		Help:      "Total overlay configurations applied, by result.",
	}, []string{"result"})

	configGeneration = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vpcnat",
		Name:      "config_generation",
		Help:      "Generation of the overlay configuration in use.",
	})
)
