// SPDX-License-Identifier: AGPL-3.0-only

package dos

import "github.com/prometheus/client_golang/prometheus"

const (
	metricsNamespace = "shield"
	metricsSubsystem = "dos"
)

var (
	connectionsAllowed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "connections_allowed_total",
			Help:      "Number of inbound connections admitted",
		},
	)
	connectionsRateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "connections_rate_limited_total",
			Help:      "Number of inbound connections rate limited",
		},
	)
	connectionsBanned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "connections_banned_total",
			Help:      "Number of inbound connections dropped from banned circuits",
		},
	)
	connectionsOverCapacity = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "connections_over_capacity_total",
			Help:      "Number of inbound connections rejected at the concurrency cap",
		},
	)
	powIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "pow_challenges_issued_total",
			Help:      "Number of proof of work challenges issued",
		},
	)
	powSucceeded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "pow_solutions_accepted_total",
			Help:      "Number of proof of work solutions accepted",
		},
	)
	powFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "pow_solutions_rejected_total",
			Help:      "Number of proof of work solutions rejected",
		},
	)
)

func init() {
	prometheus.MustRegister(connectionsAllowed)
	prometheus.MustRegister(connectionsRateLimited)
	prometheus.MustRegister(connectionsBanned)
	prometheus.MustRegister(connectionsOverCapacity)
	prometheus.MustRegister(powIssued)
	prometheus.MustRegister(powSucceeded)
	prometheus.MustRegister(powFailed)
}
