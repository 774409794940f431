// Package telemetry holds the logger factory and the Prometheus collectors
// for the async work core. Metric names are operational contracts; renaming
// one breaks dashboards and alerts.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var JobsEnqueuedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "village",
		Subsystem: "jobs",
		Name:      "enqueued_total",
		Help:      "Total number of jobs enqueued, by type and family.",
	},
	[]string{"type", "family"},
)

var JobsClaimedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "village",
		Subsystem: "jobs",
		Name:      "claimed_total",
		Help:      "Total number of jobs claimed by workers, by family.",
	},
	[]string{"family"},
)

var JobsAckedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "village",
		Subsystem: "jobs",
		Name:      "acked_total",
		Help:      "Total number of jobs completed successfully, by type.",
	},
	[]string{"type"},
)

var JobsFailedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "village",
		Subsystem: "jobs",
		Name:      "failed_total",
		Help:      "Total number of job failures, by type and whether the failure was retryable.",
	},
	[]string{"type", "retryable"},
)

var JobsDeadTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "village",
		Subsystem: "jobs",
		Name:      "dead_total",
		Help:      "Total number of jobs moved to the dead letter state, by type.",
	},
	[]string{"type"},
)

var JobDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "village",
		Subsystem: "jobs",
		Name:      "duration_seconds",
		Help:      "Handler execution duration in seconds, by type.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
	},
	[]string{"type"},
)

var DeadLetterSize = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "village",
		Subsystem: "jobs",
		Name:      "dead_letter_size",
		Help:      "Current number of jobs in the dead letter state.",
	},
)

var LeasesReapedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "village",
		Subsystem: "jobs",
		Name:      "leases_reaped_total",
		Help:      "Total number of expired leases released by the reaper.",
	},
)

var SchedulerTicksTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "village",
		Subsystem: "scheduler",
		Name:      "ticks_total",
		Help:      "Total number of scheduler ticks.",
	},
)

var SchedulerEnqueuesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "village",
		Subsystem: "scheduler",
		Name:      "enqueues_total",
		Help:      "Total number of scheduled enqueues, by job type.",
	},
	[]string{"type"},
)

var ScreenshotQueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "village",
		Subsystem: "screenshot",
		Name:      "queue_depth",
		Help:      "Number of callers waiting on a browser session slot.",
	},
)

var BrowserPoolExhaustionTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "village",
		Subsystem: "screenshot",
		Name:      "browser_pool_exhaustion_total",
		Help:      "Total number of slot acquisitions that waited longer than the soft SLA.",
	},
)

var AIBudgetPercentUsed = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "village",
		Subsystem: "ai",
		Name:      "budget_percent_used",
		Help:      "Percent of the monthly AI budget consumed, by provider.",
	},
	[]string{"provider"},
)

var RateLimitViolationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "village",
		Subsystem: "ratelimit",
		Name:      "violations_total",
		Help:      "Total number of rate limit denials, by action and tier.",
	},
	[]string{"action", "tier"},
)

var KarmaAuditTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "village",
		Subsystem: "karma",
		Name:      "audit_total",
		Help:      "Total number of karma adjustments written, by reason.",
	},
	[]string{"reason"},
)

var FlagEvaluationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "village",
		Subsystem: "flags",
		Name:      "evaluations_total",
		Help:      "Total number of flag evaluations, by flag and decision reason.",
	},
	[]string{"flag", "reason"},
)

// HTTPRequestDuration tracks HTTP request latency across every route.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "village",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// All returns every collector in this package for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		JobsEnqueuedTotal,
		JobsClaimedTotal,
		JobsAckedTotal,
		JobsFailedTotal,
		JobsDeadTotal,
		JobDuration,
		DeadLetterSize,
		LeasesReapedTotal,
		SchedulerTicksTotal,
		SchedulerEnqueuesTotal,
		ScreenshotQueueDepth,
		BrowserPoolExhaustionTotal,
		AIBudgetPercentUsed,
		RateLimitViolationsTotal,
		KarmaAuditTotal,
		FlagEvaluationsTotal,
		HTTPRequestDuration,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors
// and any additional collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
