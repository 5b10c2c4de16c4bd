package moodle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campussync_ws_calls_total",
		Help: "Webservice calls by function and outcome.",
	}, []string{"function", "outcome"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campussync_ws_retries_total",
		Help: "Webservice attempts that were retried.",
	}, []string{"function"})

	cacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campussync_ws_cache_hits_total",
		Help: "Webservice calls answered from the response cache.",
	}, []string{"function"})

	sharedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campussync_ws_shared_total",
		Help: "Webservice calls that joined an in-flight request for the same key.",
	}, []string{"function"})
)

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if e, ok := err.(*Error); ok {
		return string(e.Kind)
	}
	return "error"
}
