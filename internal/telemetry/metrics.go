package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency. Shared across all handlers.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "gatekeeper",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// TierDecisionsTotal counts adaptive-router tier selections by resolved tier.
var TierDecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gatekeeper",
		Subsystem: "router",
		Name:      "tier_decisions_total",
		Help:      "Total number of tier decisions made by the adaptive router, by tier.",
	},
	[]string{"tier"},
)

// RateLimitDecisionsTotal counts rate-limiter outcomes by scope and window.
var RateLimitDecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gatekeeper",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Total number of rate limit checks, by scope, window, and outcome.",
	},
	[]string{"scope", "window", "outcome"},
)

// SuspiciousIPViolationsTotal counts violations recorded against IPs.
var SuspiciousIPViolationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gatekeeper",
		Subsystem: "suspicious_ip",
		Name:      "violations_total",
		Help:      "Total number of suspicious-IP violations recorded, by reason.",
	},
	[]string{"reason"},
)

// ChallengeVerificationsTotal counts verification outcomes by challenge type.
var ChallengeVerificationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gatekeeper",
		Subsystem: "challenge",
		Name:      "verifications_total",
		Help:      "Total number of challenge verifications, by type and outcome.",
	},
	[]string{"type", "outcome"},
)

// MLRequestDuration tracks outbound ML/OCR call latency by endpoint.
var MLRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "gatekeeper",
		Subsystem: "ml",
		Name:      "request_duration_seconds",
		Help:      "Outbound ML/OCR service call duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"endpoint", "outcome"},
)

// ScoreFallbacksTotal counts how often scoring degraded to the default score.
var ScoreFallbacksTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "gatekeeper",
		Subsystem: "ml",
		Name:      "score_fallbacks_total",
		Help:      "Total number of times the ML scorer was unreachable and a default score was substituted.",
	},
)

// BehaviorSamplesDroppedTotal counts behavior samples dropped because the
// fire-and-forget persistence queue was full (§5, §9).
var BehaviorSamplesDroppedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "gatekeeper",
		Subsystem: "behavior",
		Name:      "samples_dropped_total",
		Help:      "Total number of behavior samples dropped because the persistence queue was full.",
	},
)

// All returns every gatekeeper-specific collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		TierDecisionsTotal,
		RateLimitDecisionsTotal,
		SuspiciousIPViolationsTotal,
		ChallengeVerificationsTotal,
		MLRequestDuration,
		ScoreFallbacksTotal,
		BehaviorSamplesDroppedTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional collectors.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
