package symbolizer

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	statusSuccess  = "success"
	statusError    = "error"
	statusMiss     = "miss"
	statusNotFound = "not_found"
)

type metrics struct {
	requestDuration *prometheus.HistogramVec
	moduleLoads     *prometheus.CounterVec
	buildDuration   prometheus.Histogram
	cacheOperations *prometheus.CounterVec
	frames          *prometheus.CounterVec
	openCaches      prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "symcache",
				Name:      "symbolizer_request_duration_seconds",
				Help:      "Time spent symbolicating one request.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
			},
			[]string{"kind", "status"},
		),
		moduleLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "symcache",
				Name:      "symbolizer_module_loads_total",
				Help:      "Module loads by the source the cache came from.",
			},
			[]string{"source", "status"},
		),
		buildDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "symcache",
				Name:      "symbolizer_build_duration_seconds",
				Help:      "Time spent building a symbol cache from a symbol file.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
			},
		),
		cacheOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "symcache",
				Name:      "symbolizer_cache_operations_total",
				Help:      "Operations on the in-memory and object storage caches.",
			},
			[]string{"cache", "operation", "status"},
		),
		frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "symcache",
				Name:      "symbolizer_frames_total",
				Help:      "Symbolicated frames by result.",
			},
			[]string{"status"},
		),
		openCaches: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "symcache",
				Name:      "symbolizer_open_caches",
				Help:      "Number of symbol caches currently open.",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.requestDuration,
			m.moduleLoads,
			m.buildDuration,
			m.cacheOperations,
			m.frames,
			m.openCaches,
		)
	}
	return m
}
