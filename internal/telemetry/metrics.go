package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestsTotal counts every HTTP request by endpoint and final status.
var HTTPRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "agentos",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests by endpoint and status.",
	},
	[]string{"endpoint", "status"},
)

// HTTPRequestDuration tracks HTTP request latency by endpoint.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "agentos",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"endpoint", "status"},
)

// QuotaDenialsTotal counts quota rejections by quota type.
var QuotaDenialsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "agentos",
		Subsystem: "quota",
		Name:      "denials_total",
		Help:      "Total number of requests rejected by a quota, by type.",
	},
	[]string{"type"},
)

// RateLimitDenialsTotal counts rate-limit rejections by limiter kind.
var RateLimitDenialsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "agentos",
		Subsystem: "ratelimit",
		Name:      "denials_total",
		Help:      "Total number of requests rejected by a rate limiter, by kind.",
	},
	[]string{"kind"},
)

// AuthFailuresTotal counts authentication failures by reason.
var AuthFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "agentos",
		Subsystem: "auth",
		Name:      "failures_total",
		Help:      "Total number of authentication failures, by reason.",
	},
	[]string{"reason"},
)

// EmbeddingJobsTotal counts processed embedding jobs by outcome (succeeded,
// retry, failed, error).
var EmbeddingJobsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "agentos",
		Subsystem: "embedding",
		Name:      "jobs_total",
		Help:      "Total number of embedding jobs processed, by outcome.",
	},
	[]string{"outcome"},
)

// EmbeddingJobDuration tracks how long a single claim-and-process iteration takes.
var EmbeddingJobDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "agentos",
		Subsystem: "embedding",
		Name:      "job_duration_seconds",
		Help:      "Duration of a single embedding job attempt in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
	},
)

// DumpCacheResultsTotal counts dump-cache hits and misses.
var DumpCacheResultsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "agentos",
		Subsystem: "dump",
		Name:      "cache_results_total",
		Help:      "Total number of dump cache lookups, by result.",
	},
	[]string{"result"},
)

// All returns the AgentOS-specific collectors for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestsTotal,
		HTTPRequestDuration,
		QuotaDenialsTotal,
		RateLimitDenialsTotal,
		AuthFailuresTotal,
		EmbeddingJobsTotal,
		EmbeddingJobDuration,
		DumpCacheResultsTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors
// plus the AgentOS collectors and any extra ones passed in.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, c := range All() {
		reg.MustRegister(c)
	}
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
