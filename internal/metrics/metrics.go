// Package metrics exposes the ambient Prometheus instrumentation for
// request handling, cache behavior, and backend health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgeproxy_requests_total",
		Help: "Total requests handled, labeled by host and response status class.",
	}, []string{"host", "status_class"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "edgeproxy_request_duration_seconds",
		Help:    "End-to-end request handling latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"host"})

	CacheResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgeproxy_cache_results_total",
		Help: "Cache lookup outcomes, labeled by status (hit/miss/expired/stale).",
	}, []string{"host", "status"})

	BackendHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edgeproxy_backend_healthy",
		Help: "1 if the backend is currently healthy, 0 otherwise.",
	}, []string{"backend"})

	ACMECertificatesInstalled = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edgeproxy_acme_certificate_not_after_unix",
		Help: "Unix timestamp of the installed certificate's expiry, per host.",
	}, []string{"host"})
)
