package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type collectors struct {
	requests        *prometheus.CounterVec
	decisions       *prometheus.CounterVec
	backendUsage    *prometheus.CounterVec
	backendFailures *prometheus.CounterVec
	fallbacks       prometheus.Counter
	decisionLatency prometheus.Histogram
	requestLatency  prometheus.Histogram
	costUSD         *prometheus.CounterVec
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	dropped         prometheus.Counter
}

func newCollectors(reg prometheus.Registerer) *collectors {
	c := &collectors{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routegate_requests_total",
				Help: "Routed requests by outcome",
			},
			[]string{"outcome"},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routegate_decisions_total",
				Help: "Routing decisions by rule",
			},
			[]string{"rule"},
		),
		backendUsage: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routegate_backend_usage_total",
				Help: "Requests answered per backend",
			},
			[]string{"backend"},
		),
		backendFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routegate_backend_failures_total",
				Help: "Failed backend attempts",
			},
			[]string{"backend"},
		),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routegate_fallbacks_total",
			Help: "Requests answered by a backend other than the primary",
		}),
		decisionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "routegate_decision_duration_seconds",
			Help:    "Time spent deciding a route",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
		}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "routegate_request_duration_seconds",
			Help:    "End-to-end request duration",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		costUSD: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routegate_cost_usd_total",
				Help: "Estimated spend per backend",
			},
			[]string{"backend"},
		),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routegate_cache_hits_total",
			Help: "Chain entries answered from the response cache",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routegate_cache_misses_total",
			Help: "Chain entries that missed the response cache",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routegate_metrics_dropped_total",
			Help: "Outcomes dropped because the metrics buffer was full",
		}),
	}
	reg.MustRegister(
		c.requests, c.decisions, c.backendUsage, c.backendFailures, c.fallbacks,
		c.decisionLatency, c.requestLatency, c.costUSD, c.cacheHits, c.cacheMisses, c.dropped,
	)
	return c
}
