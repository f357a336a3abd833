// Package metrics exposes Prometheus collectors for the security pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the pipeline's Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	RequestsTotal    prometheus.Counter
	BlockedTotal     *prometheus.CounterVec
	FailOpenTotal    *prometheus.CounterVec
	RiskLevelTotal   *prometheus.CounterVec
	RateLimitedTotal prometheus.Counter
	AuditEntries     prometheus.Counter
	BlockedIPs       prometheus.Gauge
}

// NewCollector creates and registers all pipeline metrics on a fresh registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		RequestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "admitguard_requests_total",
			Help: "Total requests inspected by the pipeline",
		}),
		BlockedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "admitguard_blocked_total",
			Help: "Requests terminated by a pipeline stage",
		}, []string{"stage"}),
		FailOpenTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "admitguard_fail_open_total",
			Help: "Stage errors that resulted in fail-open continuation",
		}, []string{"stage"}),
		RiskLevelTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "admitguard_anomaly_risk_total",
			Help: "Requests by anomaly risk classification",
		}, []string{"level"}),
		RateLimitedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "admitguard_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
		AuditEntries: factory.NewCounter(prometheus.CounterOpts{
			Name: "admitguard_audit_entries_total",
			Help: "Audit log entries recorded",
		}),
		BlockedIPs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "admitguard_blocked_ips",
			Help: "IPs currently in the WAF block set",
		}),
	}
}

// Handler returns the scrape endpoint for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
