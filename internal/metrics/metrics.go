// Package metrics holds the gateway's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gateway"

var (
	Registry = prometheus.NewRegistry()

	Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Requests by protocol and HTTP status.",
	}, []string{"protocol", "status"})

	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "request_duration_seconds",
		Help:      "Request latency by protocol.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"protocol"})

	ReloadCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reload_cycles_total",
		Help:      "Catalog reload cycles by cycle type and result.",
	}, []string{"cycle", "result"})

	DatasetBuildFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dataset_build_failures_total",
		Help:      "Datasets that failed to build and were left out of a snapshot.",
	})

	Datasets = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "datasets",
		Help:      "Datasets in the published snapshot by kind.",
	}, []string{"kind"})

	Retries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reload_retries_total",
		Help:      "Hot-reload retry attempts by outcome.",
	}, []string{"outcome"})

	RenderCache = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "render_cache_lookups_total",
		Help:      "Render cache lookups by result.",
	}, []string{"result"})

	RenderDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "render_duration_seconds",
		Help:      "Time spent rendering map images on cache misses.",
		Buckets:   prometheus.DefBuckets,
	})

	CacheSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "render_cache_swept_total",
		Help:      "Render cache entries removed by age.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		Requests,
		RequestDuration,
		ReloadCycles,
		DatasetBuildFailures,
		Datasets,
		Retries,
		RenderCache,
		RenderDuration,
		CacheSwept,
	)
}

// Handler serves the registry in the prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
