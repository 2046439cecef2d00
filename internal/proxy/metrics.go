package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the hardening proxy.
// Pass to components that need to record metrics.
type Metrics struct {
	ForwardedTotal    prometheus.Counter
	DeniedTotal       *prometheus.CounterVec
	AuthFailuresTotal prometheus.Counter
	RequestDuration   *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ForwardedTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "filewarden",
				Name:      "forwarded_total",
				Help:      "Total number of requests forwarded to the file server",
			},
		),
		DeniedTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "filewarden",
				Name:      "denied_total",
				Help:      "Total number of requests denied before forwarding",
			},
			[]string{"reason"}, // reason=origin/blocked/rate_limited/browser/auth
		),
		AuthFailuresTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "filewarden",
				Name:      "auth_failures_total",
				Help:      "Total number of rejected login attempts",
			},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "filewarden",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
	}
}
