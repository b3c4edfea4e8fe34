// Package metrics exposes Prometheus collectors for the harvester service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	harvestRecordsTotal       *prometheus.CounterVec
	harvestPagesTotal         *prometheus.CounterVec
	harvestFlushSeconds       prometheus.Histogram
	governorDelaySeconds      prometheus.Gauge
	governorThrottled         prometheus.Gauge
	governorWaitSeconds       prometheus.Histogram
	routerQuerySeconds        *prometheus.HistogramVec
	routerRowsTotal           *prometheus.CounterVec
	routerCacheRequestsTotal  *prometheus.CounterVec
	syncRowsTotal             prometheus.Counter
	syncFailuresTotal         prometheus.Counter
	syncCheckpointTimestamp   prometheus.Gauge
	marketRequestsTotal       *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		harvestRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_records_total",
				Help: "Records processed by the orchestrator, labeled by strategy and outcome.",
			},
			[]string{"strategy", "outcome"},
		)

		harvestPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_pages_total",
				Help: "Pages fetched per strategy, labeled by result (ok, empty, failed).",
			},
			[]string{"strategy", "result"},
		)

		harvestFlushSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_batch_flush_duration_seconds",
				Help:    "Latency of batch flushes through the persistence router.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		)

		governorDelaySeconds = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_governor_delay_seconds",
				Help: "Current adaptive inter-request delay.",
			},
		)

		governorThrottled = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_governor_throttled",
				Help: "1 while the governor is inside a throttle window, 0 otherwise.",
			},
		)

		governorWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_governor_wait_seconds",
				Help:    "Histogram of time spent waiting in Acquire.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		)

		routerQuerySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_router_query_duration_seconds",
				Help:    "Routed query latency, labeled by target store.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"target"},
		)

		routerRowsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_router_rows_total",
				Help: "Rows moved through routed operations, labeled by target store.",
			},
			[]string{"target"},
		)

		routerCacheRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_router_cache_requests_total",
				Help: "Cache-aside lookups, labeled by result (hit, miss, bypass).",
			},
			[]string{"result"},
		)

		syncRowsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_sync_rows_total",
				Help: "Rows propagated into the analytical store.",
			},
		)

		syncFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_sync_failures_total",
				Help: "Sync iterations that failed and left the checkpoint untouched.",
			},
		)

		syncCheckpointTimestamp = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_sync_checkpoint_timestamp_seconds",
				Help: "Unix timestamp of the confirmed sync watermark.",
			},
		)

		marketRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_market_requests_total",
				Help: "Outbound marketplace API calls, labeled by status class.",
			},
			[]string{"status"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRecord counts one processed record for a strategy.
func ObserveRecord(strategy, outcome string) {
	harvestRecordsTotal.WithLabelValues(strategy, outcome).Inc()
}

// ObservePage counts one fetched page result for a strategy.
func ObservePage(strategy, result string) {
	harvestPagesTotal.WithLabelValues(strategy, result).Inc()
}

// ObserveFlush records the duration of one batch flush.
func ObserveFlush(duration time.Duration) {
	harvestFlushSeconds.Observe(duration.Seconds())
}

// SetGovernorDelay publishes the governor's current delay.
func SetGovernorDelay(delay time.Duration) {
	governorDelaySeconds.Set(delay.Seconds())
}

// SetGovernorThrottled flips the throttle-state gauge.
func SetGovernorThrottled(throttled bool) {
	if throttled {
		governorThrottled.Set(1)
		return
	}
	governorThrottled.Set(0)
}

// ObserveGovernorWait records time spent inside Acquire.
func ObserveGovernorWait(duration time.Duration) {
	governorWaitSeconds.Observe(duration.Seconds())
}

// ObserveRoutedQuery records a routed query's target and latency.
func ObserveRoutedQuery(target string, duration time.Duration) {
	routerQuerySeconds.WithLabelValues(target).Observe(duration.Seconds())
}

// ObserveRoutedRows counts rows moved through one routed operation.
func ObserveRoutedRows(target string, rows int) {
	routerRowsTotal.WithLabelValues(target).Add(float64(rows))
}

// ObserveCacheLookup counts one cache-aside lookup result.
func ObserveCacheLookup(result string) {
	routerCacheRequestsTotal.WithLabelValues(result).Inc()
}

// ObserveSyncBatch records a successful sync batch and its new watermark.
func ObserveSyncBatch(rows int, checkpoint time.Time) {
	syncRowsTotal.Add(float64(rows))
	syncCheckpointTimestamp.Set(float64(checkpoint.Unix()))
}

// ObserveSyncFailure counts a failed sync iteration.
func ObserveSyncFailure() {
	syncFailuresTotal.Inc()
}

// ObserveMarketRequest counts one outbound API call by status class.
func ObserveMarketRequest(statusClass string) {
	marketRequestsTotal.WithLabelValues(statusClass).Inc()
}
