package upstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for upstreamRequestsTotal.
const (
	outcomeClosed      = "closed"
	outcomeTimeout     = "timeout"
	outcomeReset       = "reset"
	outcomeUnreachable = "unreachable"
	outcomeEmpty       = "empty"
	outcomeAborted     = "aborted"
)

var (
	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_upstream_requests_total",
		Help: "Total upstream exchanges by outcome",
	}, []string{"outcome"})

	upstreamResponseBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxy_upstream_response_bytes_total",
		Help: "Total bytes received from origins",
	})

	upstreamDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "proxy_upstream_duration_seconds",
		Help:    "Duration of upstream exchanges in seconds, including the idle wait",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 15},
	})
)
