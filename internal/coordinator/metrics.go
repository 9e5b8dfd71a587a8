package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var runsStarted = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "surge_runs_started_total",
		Help: "Number of load-test runs submitted to the cluster.",
	},
)

var runsCompleted = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "surge_runs_completed_total",
		Help: "Number of load-test runs reaching a terminal status.",
	},
	[]string{"status"},
)
