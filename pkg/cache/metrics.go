package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks lookups answered with a fresh entry
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_cache_hits_total",
			Help: "Total number of fresh cache hits",
		},
	)

	// CacheMisses tracks lookups for keys that are not stored
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_cache_misses_total",
			Help: "Total number of cache misses",
		},
	)

	// CacheStale tracks lookups that found an entry needing revalidation
	CacheStale = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_cache_stale_total",
			Help: "Total number of stale cache lookups",
		},
	)

	// CacheEvictions tracks entries removed because the store was full
	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_cache_evictions_total",
			Help: "Total number of entries evicted by capacity",
		},
	)

	// CacheEntries tracks the current number of entries
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxy_cache_entries",
			Help: "Current number of cache entries",
		},
	)

	// CacheBytes tracks the summed payload size of all entries
	CacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxy_cache_bytes",
			Help: "Current size of all cached payloads in bytes",
		},
	)

	// CacheErrors tracks backend operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_cache_errors_total",
			Help: "Total number of cache backend errors",
		},
		[]string{"operation"}, // "read", "write", "delete", "clear"
	)
)
