package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// reservationsTotal counts reserve calls by outcome: granted, exceeded, conflict, error.
	reservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_quota_reservations_total",
			Help: "Total number of reservation attempts by result",
		},
		[]string{"result"},
	)

	// casConflictsTotal counts lost conditional writes per operation.
	casConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_quota_cas_conflicts_total",
			Help: "Total number of revision conflicts on quota writes",
		},
		[]string{"op"},
	)

	commitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "storage_quota_commits_total",
			Help: "Total number of committed reservations",
		},
	)

	janitorReleasedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "storage_quota_janitor_released_total",
			Help: "Total number of expired reservations released by the janitor",
		},
	)
)
