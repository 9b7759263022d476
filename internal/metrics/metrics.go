package metrics

import (
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ipwarden"

var (
	verdictsTotal       *prometheus.CounterVec
	attemptsTotal       prometheus.Counter
	blocksTotal         *prometheus.CounterVec
	upstreamErrorsTotal *prometheus.CounterVec
	cacheLookupsTotal   *prometheus.CounterVec
	feedRunsTotal       *prometheus.CounterVec
	feedEntriesGauge    prometheus.Gauge
	feedLastSyncGauge   prometheus.Gauge

	registry    *prometheus.Registry
	metricsOnce sync.Once
)

func initMetrics() {
	metricsOnce.Do(func() {
		registry = prometheus.NewRegistry()
		if !testing.Testing() {
			registry.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
		}

		verdictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Block decisions by resulting state.",
		}, []string{"state"})

		attemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_attempts_total",
			Help:      "Failed authentication attempts recorded.",
		})

		blocksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_total",
			Help:      "Block rules created by source.",
		}, []string{"source"})

		upstreamErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Failed calls to external services by component.",
		}, []string{"component"})

		cacheLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "ASN and geo cache lookups by result.",
		}, []string{"cache", "result"})

		feedRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "runs_total",
			Help:      "Feed sync runs by dataset origin and result.",
		}, []string{"origin", "result"})

		feedEntriesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "entries",
			Help:      "Address directives in the active feed dataset.",
		})

		feedLastSyncGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "last_success_timestamp",
			Help:      "Unix timestamp of the last successful feed sync.",
		})

		registry.MustRegister(
			verdictsTotal, attemptsTotal, blocksTotal, upstreamErrorsTotal,
			cacheLookupsTotal, feedRunsTotal, feedEntriesGauge, feedLastSyncGauge,
		)
	})
}

// Handler serves the service registry in the Prometheus text format.
func Handler() http.Handler {
	initMetrics()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Registry exposes the registry, mainly for tests.
func Registry() *prometheus.Registry {
	initMetrics()
	return registry
}

func IncVerdict(state string) {
	initMetrics()
	verdictsTotal.WithLabelValues(state).Inc()
}

func IncAttempt() {
	initMetrics()
	attemptsTotal.Inc()
}

func IncBlock(source string) {
	initMetrics()
	blocksTotal.WithLabelValues(source).Inc()
}

func IncUpstreamError(component string) {
	initMetrics()
	upstreamErrorsTotal.WithLabelValues(component).Inc()
}

func IncCacheLookup(cache string, hit bool) {
	initMetrics()
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(cache, result).Inc()
}

func ObserveFeedRun(origin string, success bool, entries int, at time.Time) {
	initMetrics()
	result := "failure"
	if success {
		result = "success"
		feedEntriesGauge.Set(float64(entries))
		feedLastSyncGauge.Set(float64(at.Unix()))
	}
	feedRunsTotal.WithLabelValues(origin, result).Inc()
}
