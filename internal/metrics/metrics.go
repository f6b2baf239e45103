package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CheckRuns counts detection runs by outcome
	// (ok, first_run, fetch_error, store_error).
	CheckRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dolarwatcher",
		Name:      "check_runs_total",
		Help:      "Detection runs by outcome.",
	}, []string{"outcome"})

	// Notifications counts delivery attempts by channel and result.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dolarwatcher",
		Name:      "notifications_total",
		Help:      "Notification delivery attempts by channel and result.",
	}, []string{"channel", "result"})
)
