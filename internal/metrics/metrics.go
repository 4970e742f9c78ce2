package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry *prometheus.Registry

	// Probe metrics
	probesTotal   *prometheus.CounterVec
	probeDuration prometheus.Histogram

	// Registry and store state
	proxies  prometheus.Gauge
	profiles prometheus.Gauge

	// Selection metrics
	rotations      *prometheus.CounterVec
	emptyPools     prometheus.Counter
	activeBindings prometheus.Gauge
	liveContexts   prometheus.Gauge

	// Import metrics
	proxiesImported *prometheus.CounterVec

	// API metrics
	apiRequests *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
}

// NewCollector registers every metric on a private registry so collectors never collide
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		probesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probes_total",
				Help:      "Total number of proxy connectivity probes",
			},
			[]string{"result"},
		),
		probeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "probe_duration_seconds",
				Help:      "Latency reported by successful proxy probes",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		proxies: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "registered_proxies",
				Help:      "Current number of registered proxies",
			},
		),
		profiles: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stored_profiles",
				Help:      "Current number of stored session profiles",
			},
		),
		rotations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxy_rotations_total",
				Help:      "Total number of proxy bindings made, by strategy",
			},
			[]string{"strategy"},
		),
		emptyPools: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxy_empty_pool_total",
				Help:      "Rotations that found no eligible proxy",
			},
		),
		activeBindings: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_proxy_bindings",
				Help:      "Sessions currently bound to a proxy",
			},
		),
		liveContexts: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "live_browser_contexts",
				Help:      "Sessions currently holding a browser context",
			},
		),
		proxiesImported: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxies_imported_total",
				Help:      "Proxies added through bulk imports and sources",
			},
			[]string{"source"},
		),
		apiRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		apiDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}

	return c
}

// Handler serves the collector's registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) RecordProbeSuccess(latencyMs float64) {
	c.probesTotal.WithLabelValues("success").Inc()
	c.probeDuration.Observe(latencyMs / 1000.0)
}

func (c *Collector) RecordProbeFailure() {
	c.probesTotal.WithLabelValues("failure").Inc()
}

func (c *Collector) SetProxies(count int) {
	c.proxies.Set(float64(count))
}

func (c *Collector) SetProfiles(count int) {
	c.profiles.Set(float64(count))
}

func (c *Collector) RecordRotation(strategy string) {
	c.rotations.WithLabelValues(strategy).Inc()
}

func (c *Collector) RecordEmptyPool() {
	c.emptyPools.Inc()
}

func (c *Collector) SetActiveBindings(count int) {
	c.activeBindings.Set(float64(count))
}

func (c *Collector) SetLiveContexts(count int) {
	c.liveContexts.Set(float64(count))
}

func (c *Collector) RecordProxiesImported(source string, count int) {
	c.proxiesImported.WithLabelValues(source).Add(float64(count))
}

func (c *Collector) RecordAPIRequest(method, endpoint, status string) {
	c.apiRequests.WithLabelValues(method, endpoint, status).Inc()
}

func (c *Collector) RecordAPIDuration(method, endpoint string, seconds float64) {
	c.apiDuration.WithLabelValues(method, endpoint).Observe(seconds)
}
