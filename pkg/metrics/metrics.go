// Package metrics exposes the proxy's Prometheus metrics.
// All collectors are defined in their respective packages (cache, upstream,
// proxy, server) and registered there via promauto.
//
// This package provides the exposition handler and documents every metric.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Gatherer is the source the exposition handler reads from. promauto
// registers every proxy collector with the default registry behind it.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the Prometheus exposition handler for Gatherer.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - proxy_cache_hits_total (Counter): Lookups answered with a fresh entry
//   - proxy_cache_misses_total (Counter): Lookups for absent keys
//   - proxy_cache_stale_total (Counter): Lookups that found an entry needing revalidation
//   - proxy_cache_evictions_total (Counter): Entries evicted by capacity
//   - proxy_cache_entries (Gauge): Current number of entries
//   - proxy_cache_bytes (Gauge): Current size of all payloads
//   - proxy_cache_errors_total{operation} (Counter): Backend errors (read, write, delete, clear)
//
// Upstream Metrics (pkg/upstream):
//   - proxy_upstream_requests_total{outcome} (Counter): Exchanges by outcome
//     (closed, timeout, reset, unreachable, empty, aborted); empty is a
//     close or idle window before any byte, which still completes
//   - proxy_upstream_response_bytes_total (Counter): Bytes received from origins
//   - proxy_upstream_duration_seconds (Histogram): Exchange duration including the idle wait
//
// Session Metrics (pkg/proxy):
//   - proxy_sessions_total{outcome} (Counter): Sessions by outcome (hit, miss, revalidated,
//     bad_request, uri_too_long, upstream_error, no_request, aborted)
//   - proxy_session_duration_seconds{outcome} (Histogram): Session duration
//   - proxy_synthesized_responses_total{status} (Counter): Responses generated by the proxy
//   - proxy_client_write_errors_total (Counter): Sessions whose client stopped reading
//
// Acceptor Metrics (pkg/server):
//   - proxy_connections_accepted_total (Counter): Accepted connections
//   - proxy_accept_errors_total (Counter): Failed accept calls
//   - proxy_active_sessions (Gauge): Sessions being served
//   - proxy_queued_connections (Gauge): Connections waiting for a worker
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(proxy_cache_hits_total[5m])) /
//   (sum(rate(proxy_cache_hits_total[5m])) + sum(rate(proxy_cache_misses_total[5m])) + sum(rate(proxy_cache_stale_total[5m])))
//
//   # Unreachable Origins
//   rate(proxy_sessions_total{outcome="upstream_error"}[5m])
//
//   # Worker Saturation
//   proxy_active_sessions / 10
//
//   # P95 Upstream Latency
//   histogram_quantile(0.95, rate(proxy_upstream_duration_seconds_bucket[5m]))
