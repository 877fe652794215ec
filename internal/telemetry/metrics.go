// Package telemetry provides observability primitives for the Heimdall gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	ActiveRequests     prometheus.Gauge
	UpstreamDuration   *prometheus.HistogramVec
	UpstreamErrors     *prometheus.CounterVec
	DispatchAttempts   *prometheus.CounterVec
	RateLimitRejects   *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec
	TokensProcessed    *prometheus.CounterVec
	LogQueueLength     prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "heimdall",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "heimdall",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "heimdall",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "heimdall",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "heimdall",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors.",
		}, []string{"provider", "status"}),

		DispatchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "heimdall",
			Name:      "dispatch_attempts_total",
			Help:      "Total dispatch attempts by outcome.",
		}, []string{"model", "outcome"}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "heimdall",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"provider"}),

		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "heimdall",
			Name:      "breaker_transitions_total",
			Help:      "Total circuit breaker state transitions.",
		}, []string{"state"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "heimdall",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		LogQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "heimdall",
			Name:      "log_queue_length",
			Help:      "Current number of queued chat log rows.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.DispatchAttempts,
		m.RateLimitRejects,
		m.BreakerTransitions,
		m.TokensProcessed,
		m.LogQueueLength,
	)

	return m
}
