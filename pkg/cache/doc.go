// Package cache provides the proxy's response cache.
//
// The store maps the exact absolute URL of a request to the raw bytes the
// origin sent back (status line, headers and body). It has the following
// properties:
//
// - Content addressing: payloads are stored under the hex MD5 of the URL
// - Bounded size: at most Capacity entries, evicting the least recently
// written entry first (reads never refresh an entry)
// - Staleness by Content-Length parity (even is fresh, odd or absent is stale)
// - Pluggable payload backends: files, Redis or SQLite
// - Prometheus metrics for observability
//
// # Basic Usage
//
//	backend, err := cache.NewFileBackend("cache")
//	if err != nil {
//		return err
//	}
//
//	// NewStore purges everything the backend holds
//	store, err := cache.NewStore(ctx, backend, 5, logger)
//	if err != nil {
//		return err
//	}
//
//	key := "http://localhost:8080/500"
//	if store.Contains(key) && !store.IsStale(ctx, key) {
//		data, err := store.Get(ctx, key)
//		...
//	}
//
//	// first capture of a key
//	_ = store.Put(ctx, key, response)
//
//	// revalidation of a stale key
//	_ = store.Update(ctx, key, response)
//
// # Metrics
//
// The store exports Prometheus metrics:
//
//   - proxy_cache_hits_total - Fresh lookups served from the store
//   - proxy_cache_misses_total - Lookups for absent keys
//   - proxy_cache_stale_total - Lookups that found a stale entry
//   - proxy_cache_evictions_total - Entries evicted by capacity pressure
//   - proxy_cache_entries - Current number of entries
//   - proxy_cache_errors_total{operation} - Backend operation errors
package cache
