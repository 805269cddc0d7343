// Package metrics exposes the Prometheus counters and gauges for the DNS
// service's observability surface: package-level collectors, a
// sync.Once-guarded Init(), and Record* helpers called from the hot path.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry *prometheus.Registry
	initOnce sync.Once
)

var (
	CacheHitFreshTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "resilientdns_cache_hit_fresh_total",
		Help: "Total number of cache lookups resolved with a fresh entry",
	})

	CacheHitStaleTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "resilientdns_cache_hit_stale_total",
		Help: "Total number of cache lookups resolved with a stale entry (serve-stale)",
	})

	CacheMissTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "resilientdns_cache_miss_total",
		Help: "Total number of cache lookups that found no usable entry",
	})

	CacheEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "resilientdns_cache_evictions_total",
		Help: "Total number of cache entries evicted (expired-first or LRU)",
	})

	CacheClearsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "resilientdns_cache_clears_total",
		Help: "Total number of external cache-clear operations",
	})

	SingleflightDedupTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "resilientdns_singleflight_dedup_total",
		Help: "Total number of lookups coalesced onto an in-flight upstream call",
	})

	DroppedMaxInflightTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "resilientdns_dropped_max_inflight_total",
		Help: "Total number of queries rejected by the admission gate",
	})

	DroppedMalformedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "resilientdns_dropped_malformed_total",
		Help: "Total number of malformed queries rejected before cache lookup",
	})

	SWRRefreshTriggeredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "resilientdns_swr_refresh_triggered_total",
		Help: "Total number of stale-while-revalidate refreshes triggered inline from a Stale hit",
	})

	UpstreamTimeoutsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "resilientdns_upstream_timeouts_total",
		Help: "Total number of upstream exchanges that timed out, by transport",
	}, []string{"transport"})

	UpstreamErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "resilientdns_upstream_errors_total",
		Help: "Total number of upstream exchange errors, by transport and error kind",
	}, []string{"transport", "kind"})

	UpstreamTCPReusesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "resilientdns_upstream_tcp_reuses_total",
		Help: "Total number of TCP upstream exchanges that reused a pooled connection",
	})

	RefreshSuccessTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "resilientdns_refresh_success_total",
		Help: "Total number of background refresh jobs that completed successfully",
	})

	RefreshFailTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "resilientdns_refresh_fail_total",
		Help: "Total number of background refresh jobs that failed",
	})

	RefreshSkippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "resilientdns_refresh_skipped_total",
		Help: "Total number of refresh-eligible entries skipped due to a full queue",
	})

	WarmupLoadedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "resilientdns_warmup_loaded_total",
		Help: "Total number of warmup entries successfully submitted at startup",
	})

	WarmupInvalidTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "resilientdns_warmup_invalid_total",
		Help: "Total number of warmup file lines that could not be parsed",
	})

	CacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "resilientdns_cache_entries",
		Help: "Current number of entries held in the cache",
	})

	AdmissionInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "resilientdns_admission_inflight",
		Help: "Current number of in-flight upstream calls holding an admission slot",
	})

	RefreshQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "resilientdns_refresh_queue_depth",
		Help: "Current number of jobs waiting in the refresh queue",
	})
)

// StatsProvider supplies current state for the gauge metrics updated on
// scrape.
type StatsProvider interface {
	CacheEntries() int
	AdmissionInflight() int64
	RefreshQueueDepth() int
}

// Init registers every collector with a fresh registry. Safe to call more
// than once; only the first call registers.
func Init() *prometheus.Registry {
	initOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			CacheHitFreshTotal,
			CacheHitStaleTotal,
			CacheMissTotal,
			CacheEvictionsTotal,
			CacheClearsTotal,
			SingleflightDedupTotal,
			DroppedMaxInflightTotal,
			DroppedMalformedTotal,
			SWRRefreshTriggeredTotal,
			UpstreamTimeoutsTotal,
			UpstreamErrorsTotal,
			UpstreamTCPReusesTotal,
			RefreshSuccessTotal,
			RefreshFailTotal,
			RefreshSkippedTotal,
			WarmupLoadedTotal,
			WarmupInvalidTotal,
			CacheEntries,
			AdmissionInflight,
			RefreshQueueDepth,
			prometheus.NewGoCollector(),
		)
	})
	return registry
}

// Registry returns the metrics registry, nil until Init is called.
func Registry() *prometheus.Registry {
	return registry
}

func RecordCacheHitFresh() { CacheHitFreshTotal.Inc() }
func RecordCacheHitStale() { CacheHitStaleTotal.Inc() }
func RecordCacheMiss()     { CacheMissTotal.Inc() }

func RecordCacheEvictions(n uint64) {
	if n > 0 {
		CacheEvictionsTotal.Add(float64(n))
	}
}

func RecordCacheClear() { CacheClearsTotal.Inc() }

func RecordSingleflightDedup() { SingleflightDedupTotal.Inc() }

func RecordDroppedMaxInflight() { DroppedMaxInflightTotal.Inc() }
func RecordDroppedMalformed()   { DroppedMalformedTotal.Inc() }

func RecordSWRRefreshTriggered() { SWRRefreshTriggeredTotal.Inc() }

func RecordUpstreamTimeout(transport string) {
	UpstreamTimeoutsTotal.WithLabelValues(transport).Inc()
}

func RecordUpstreamError(transport, kind string) {
	UpstreamErrorsTotal.WithLabelValues(transport, kind).Inc()
}

func RecordUpstreamTCPReuse() { UpstreamTCPReusesTotal.Inc() }

func RecordRefreshSuccess() { RefreshSuccessTotal.Inc() }
func RecordRefreshFail()    { RefreshFailTotal.Inc() }
func RecordRefreshSkipped() { RefreshSkippedTotal.Inc() }

func RecordWarmupLoaded(n int) {
	if n > 0 {
		WarmupLoadedTotal.Add(float64(n))
	}
}

func RecordWarmupInvalid(n int) {
	if n > 0 {
		WarmupInvalidTotal.Add(float64(n))
	}
}

// UpdateGauges refreshes gauge metrics from the provided stats snapshot.
func UpdateGauges(p StatsProvider) {
	if p == nil {
		return
	}
	CacheEntries.Set(float64(p.CacheEntries()))
	AdmissionInflight.Set(float64(p.AdmissionInflight()))
	RefreshQueueDepth.Set(float64(p.RefreshQueueDepth()))
}
