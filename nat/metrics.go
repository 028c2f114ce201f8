package nat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vpcnat",
		Name:      "nat_sessions",
		Help:      "The current number of stateful NAT flows.",
	})

	sessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vpcnat",
		Name:      "nat_sessions_created_total",
		Help:      "Total stateful NAT flows created.",
	})

	sessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vpcnat",
		Name:      "nat_sessions_removed_total",
		Help:      "Total stateful NAT flows removed after going idle.",
	})

	allocationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vpcnat",
		Name:      "nat_allocation_failures_total",
		Help:      "Total flows dropped because their pool had no port left.",
	})

	// translatedPackets is labelled by the direction of the session used, or "error" for ICMP
	// errors.
	translatedPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpcnat",
		Name:      "nat_translated_packets_total",
		Help:      "Total packets rewritten by stateful NAT.",
	}, []string{"direction"})
)
