package calsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var syncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "campussync_sync_runs_total",
	Help: "Sync orchestrator runs by outcome.",
}, []string{"outcome"})
