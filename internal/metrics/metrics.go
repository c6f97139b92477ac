// Package metrics exposes gateway counters and histograms to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stagegate"

// Registry holds every collector on its own prometheus.Registry so that
// tests and reloads never collide on the default one. All methods are safe
// on a nil *Registry.
type Registry struct {
	reg *prometheus.Registry

	requests       *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	stageLatency   *prometheus.HistogramVec
	stageErrors    *prometheus.CounterVec
	cacheLookups   *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
	rejections     *prometheus.CounterVec
	upstreamCalls  *prometheus.CounterVec
	ejections      *prometheus.CounterVec
	reinstatements *prometheus.CounterVec
	activeConns    *prometheus.GaugeVec
	reloads        *prometheus.CounterVec
}

// New creates a Registry with Go and process collectors attached.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Registry{
		reg: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "End-to-end HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		stageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each pipeline stage.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"pipeline", "stage"}),
		stageErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_errors_total",
			Help:      "Stage failures by stage and error kind.",
		}, []string{"stage", "kind"}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by backend, route and result.",
		}, []string{"backend", "route", "result"}),
		cacheEvictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_sweep_evictions_total",
			Help:      "Entries removed by the memory cache sweep.",
		}, []string{"store"}),
		rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Requests rejected before dispatch, by route and reason.",
		}, []string{"route", "reason"}),
		upstreamCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_calls_total",
			Help:      "Upstream calls by host group, host and result.",
		}, []string{"group", "host", "result"}),
		ejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_ejections_total",
			Help:      "Hosts removed from the active pool.",
		}, []string{"group", "host", "permanent"}),
		reinstatements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_reinstatements_total",
			Help:      "Hosts returned to the active pool.",
		}, []string{"group", "host"}),
		activeConns: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tcp_active_connections",
			Help:      "Open client TCP connections by entrypoint.",
		}, []string{"entrypoint"}),
		reloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration reloads by result.",
		}, []string{"result"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.reg
}

func (r *Registry) ObserveRequest(route, method string, code int, d time.Duration) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	r.latency.WithLabelValues(route).Observe(d.Seconds())
}

func (r *Registry) ObserveStage(pipeline, stage string, d time.Duration) {
	if r == nil {
		return
	}
	r.stageLatency.WithLabelValues(pipeline, stage).Observe(d.Seconds())
}

func (r *Registry) IncStageError(stage, kind string) {
	if r == nil {
		return
	}
	r.stageErrors.WithLabelValues(stage, kind).Inc()
}

func (r *Registry) IncCacheLookup(backend, route string, hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookups.WithLabelValues(backend, route, result).Inc()
}

func (r *Registry) AddCacheEvictions(store string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.cacheEvictions.WithLabelValues(store).Add(float64(n))
}

func (r *Registry) IncRejection(route, reason string) {
	if r == nil {
		return
	}
	r.rejections.WithLabelValues(route, reason).Inc()
}

func (r *Registry) IncUpstreamCall(group, host, result string) {
	if r == nil {
		return
	}
	r.upstreamCalls.WithLabelValues(group, host, result).Inc()
}

func (r *Registry) IncEjection(group, host string, permanent bool) {
	if r == nil {
		return
	}
	r.ejections.WithLabelValues(group, host, strconv.FormatBool(permanent)).Inc()
}

func (r *Registry) IncReinstatement(group, host string) {
	if r == nil {
		return
	}
	r.reinstatements.WithLabelValues(group, host).Inc()
}

func (r *Registry) IncActiveConns(entrypoint string) {
	if r == nil {
		return
	}
	r.activeConns.WithLabelValues(entrypoint).Inc()
}

func (r *Registry) DecActiveConns(entrypoint string) {
	if r == nil {
		return
	}
	r.activeConns.WithLabelValues(entrypoint).Dec()
}

func (r *Registry) IncReload(ok bool) {
	if r == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	r.reloads.WithLabelValues(result).Inc()
}
